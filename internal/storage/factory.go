package storage

import (
	"context"

	"github.com/drzln/curupira/internal/common/config"
	"github.com/drzln/curupira/pkg/metrics"

	"go.uber.org/zap"
)

// NewBackend creates the configured backend, wrapped in a cache layer when enabled.
func NewBackend(ctx context.Context, logger *zap.Logger, cfg *config.StorageConfig, m *metrics.Metrics) (Backend, error) {
	logger.Info("Initializing storage backend",
		zap.String("type", cfg.Type),
		zap.Bool("cache", cfg.Cache.Enabled))

	var (
		backend Backend
		err     error
	)
	switch Type(cfg.Type) {
	case TypeMemory:
		backend = NewMemoryBackend(logger)
	case TypeRedis:
		backend, err = NewRedisBackend(ctx, logger, cfg.Redis)
	case TypeDB:
		backend, err = NewDBBackend(logger, DatabaseType(cfg.Database.Type), cfg.Database.DSN)
	default:
		return nil, ErrInvalidBackendType
	}
	if err != nil {
		return nil, err
	}

	if !cfg.Cache.Enabled {
		return backend, nil
	}
	policy, err := ParsePolicy(cfg.Cache.Policy)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return NewCache(logger, backend, CacheOptions{
		Policy:   policy,
		MaxItems: cfg.Cache.MaxItems,
		MaxBytes: cfg.Cache.MaxBytes,
		Metrics:  m,
	}), nil
}

// New creates the configured backend and the store facade over it.
func New(ctx context.Context, logger *zap.Logger, cfg *config.StorageConfig, m *metrics.Metrics) (*Store, error) {
	backend, err := NewBackend(ctx, logger, cfg, m)
	if err != nil {
		return nil, err
	}
	return NewStore(logger, backend, StoreOptions{DefaultTTL: cfg.DefaultTTL}), nil
}
