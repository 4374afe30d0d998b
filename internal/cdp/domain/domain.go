package domain

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// MainSession keys enablement state for commands sent without a session id.
const MainSession = "main"

// DefaultTimeout bounds an enable or disable command shared by several callers.
const DefaultTimeout = 30 * time.Second

// CommandSender issues automation-protocol commands. An empty sessionID
// targets the browser connection itself.
type CommandSender interface {
	Send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error)
}

// Domain is a capability group whose events must be enabled per session.
type Domain interface {
	Name() string
	Enable(ctx context.Context, sessionID string) error
	Disable(ctx context.Context, sessionID string) error
	IsEnabled(sessionID string) bool
	// Purge forgets the session without sending any command.
	Purge(sessionID string)
}

// Base implements Domain by sending "<Name>.enable" and "<Name>.disable".
type Base struct {
	name         string
	sender       CommandSender
	logger       *zap.Logger
	enableParams any
	timeout      time.Duration

	mu      sync.RWMutex
	enabled map[string]struct{}
	flight  singleflight.Group
}

var _ Domain = (*Base)(nil)

// Option customizes a Base domain.
type Option func(*Base)

// WithEnableParams sets the parameters sent along with the enable command.
func WithEnableParams(params any) Option {
	return func(d *Base) {
		d.enableParams = params
	}
}

// WithTimeout bounds each enable and disable command.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Base) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewBase creates a domain named name.
func NewBase(name string, sender CommandSender, logger *zap.Logger, opts ...Option) *Base {
	d := &Base{
		name:    name,
		sender:  sender,
		logger:  logger.Named("cdp.domain").With(zap.String("domain", name)),
		timeout: DefaultTimeout,
		enabled: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sessionKey(sessionID string) string {
	if sessionID == "" {
		return MainSession
	}
	return sessionID
}

// Name implements Domain.Name
func (d *Base) Name() string {
	return d.name
}

// IsEnabled implements Domain.IsEnabled
func (d *Base) IsEnabled(sessionID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.enabled[sessionKey(sessionID)]
	return ok
}

// Enable implements Domain.Enable. Concurrent callers for the same session
// share one command; an already enabled session sends nothing.
func (d *Base) Enable(ctx context.Context, sessionID string) error {
	return d.transition(ctx, sessionID, true)
}

// Disable implements Domain.Disable
func (d *Base) Disable(ctx context.Context, sessionID string) error {
	return d.transition(ctx, sessionID, false)
}

func (d *Base) transition(ctx context.Context, sessionID string, enable bool) error {
	key := sessionKey(sessionID)
	if d.IsEnabled(sessionID) == enable {
		return nil
	}

	action, params := "disable", any(nil)
	if enable {
		action, params = "enable", d.enableParams
	}

	// shared by every caller, detached from the first caller's cancellation
	ch := d.flight.DoChan(action+"/"+key, func() (any, error) {
		if d.IsEnabled(sessionID) == enable {
			return nil, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if _, err := d.sender.Send(cctx, d.name+"."+action, params, sessionID); err != nil {
			return nil, err
		}

		d.mu.Lock()
		if enable {
			d.enabled[key] = struct{}{}
		} else {
			delete(d.enabled, key)
		}
		d.mu.Unlock()

		d.logger.Debug("domain state changed",
			zap.String("session", key),
			zap.String("action", action))
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Purge implements Domain.Purge
func (d *Base) Purge(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.enabled, sessionKey(sessionID))
}

// Sessions returns the sessions the domain is enabled for.
func (d *Base) Sessions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.enabled))
	for k := range d.enabled {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
