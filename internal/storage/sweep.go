package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// expiryPurger is implemented by backends that can drop expired values in
// one round trip.
type expiryPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

var _ expiryPurger = (*DBBackend)(nil)

// Purge removes every expired value of this view. A root store over a
// backend that purges natively delegates to it, anything else is swept key
// by key through the facade so cache layers stay coherent.
func (s *Store) Purge(ctx context.Context) (int, error) {
	if p, ok := s.backend.(expiryPurger); ok && s.prefix == "" {
		s.shared.mu.RLock()
		defer s.shared.mu.RUnlock()
		n, err := p.PurgeExpired(ctx, s.now())
		return int(n), err
	}
	return s.Sweep(ctx)
}

// RunSweeper purges expired values every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Purge(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("failed to purge expired values", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("purged expired values", zap.Int("count", n))
			}
		}
	}
}
