package cdp

import (
	"context"
	"errors"
	"time"

	"github.com/drzln/curupira/internal/cdp/domain"
	"github.com/drzln/curupira/internal/common/config"
	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/pool"
	"github.com/drzln/curupira/pkg/metrics"

	"go.uber.org/zap"
)

// Browser is one connected browser: its pooled connection, command client
// and session manager. It is constructed by the entry point and passed to
// whatever needs it.
type Browser struct {
	logger  *zap.Logger
	pool    *pool.Pool
	connID  string
	client  *Client
	manager *Manager
	unwatch func()
}

// Connect opens the browser connection described by cfg in p and attaches
// a session manager to it.
func Connect(ctx context.Context, logger *zap.Logger, p *pool.Pool, cfg config.BrowserConfig,
	poolCfg config.PoolConfig, m *metrics.Metrics) (*Browser, error) {
	logger = logger.Named("cdp")

	url := cfg.WebSocketURL
	if url == "" {
		var err error
		if url, err = Discover(ctx, cfg.Endpoint); err != nil {
			return nil, err
		}
	}

	id, err := p.Register(pool.NewConnectionConfig(poolCfg, url), pool.NewWebSocketTransport(logger, url, nil))
	if err != nil {
		return nil, err
	}
	state, err := p.WaitForState(ctx, id, pool.StateConnected, pool.StateError)
	if err != nil || state == pool.StateError {
		info, _ := p.Info(id)
		_ = p.Remove(id)
		if err == nil {
			err = errorx.ErrConnectionFailed.WithMessage("%s", info.LastError).WithDetail("url", url)
		}
		return nil, err
	}

	client := NewClient(logger, p, id, ClientOptions{Timeout: cfg.CommandTimeout, Metrics: m})
	domains := domain.NewRegistry(logger)
	domains.RegisterBuiltins(client, domain.WithTimeout(cfg.CommandTimeout))

	b := &Browser{
		logger: logger,
		pool:   p,
		connID: id,
		client: client,
		manager: NewManager(logger, client, domains, ManagerOptions{
			DefaultDomains: cfg.DefaultDomains,
			AutoAttach:     cfg.AutoAttach,
		}),
	}
	b.unwatch = p.OnStateChange(b.onStateChange)

	if err := b.manager.Start(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	logger.Info("browser connected", zap.String("url", url), zap.String("connection", id))
	return b, nil
}

func (b *Browser) onStateChange(sc pool.StateChange) {
	if sc.ID != b.connID {
		return
	}
	switch {
	case sc.From == pool.StateConnected && sc.To != pool.StateConnected:
		b.manager.Reset("connection dropped")
	case sc.To == pool.StateConnected && sc.From != "":
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := b.manager.Start(ctx); err != nil {
				b.logger.Warn("failed to reattach after reconnect", zap.Error(err))
			}
		}()
	}
}

// Client returns the command client.
func (b *Browser) Client() *Client { return b.client }

// Manager returns the session manager.
func (b *Browser) Manager() *Manager { return b.manager }

// ConnectionID returns the pooled connection id.
func (b *Browser) ConnectionID() string { return b.connID }

// Close detaches every session and removes the connection from the pool.
func (b *Browser) Close() error {
	if b.unwatch != nil {
		b.unwatch()
	}
	_ = b.manager.Close()
	_ = b.client.Close()
	if err := b.pool.Remove(b.connID); err != nil && !errors.Is(err, errorx.ErrConnectionNotFound) {
		return err
	}
	return nil
}
