package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/drzln/curupira/internal/common/errorx"

	"github.com/ifuryst/lol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Built-in domain names.
const (
	Runtime     = "Runtime"
	Page        = "Page"
	Network     = "Network"
	Console     = "Console"
	DOM         = "DOM"
	Debugger    = "Debugger"
	Log         = "Log"
	Performance = "Performance"
)

// Builtins lists the domains RegisterBuiltins installs.
var Builtins = []string{Runtime, Page, Network, Console, DOM, Debugger, Log, Performance}

// Results maps each requested domain to its outcome, nil on success.
type Results map[string]error

// Err joins every failure, or returns nil when all domains succeeded.
func (r Results) Err() error {
	names := make([]string, 0, len(r))
	for name, err := range r {
		if err != nil {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	errs := make([]error, len(names))
	for i, name := range names {
		errs[i] = fmt.Errorf("%s: %w", name, r[name])
	}
	return errors.Join(errs...)
}

// Failed returns the names of domains that failed, sorted.
func (r Results) Failed() []string {
	var out []string
	for name, err := range r {
		if err != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Registry holds the domains known to one browser connection.
type Registry struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	domains map[string]Domain
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("cdp.domain.registry"),
		domains: make(map[string]Domain),
	}
}

// RegisterBuiltins registers a Base domain for every built-in name.
func (r *Registry) RegisterBuiltins(sender CommandSender, opts ...Option) {
	for _, name := range Builtins {
		r.Register(NewBase(name, sender, r.logger, opts...))
	}
}

// Register adds d, replacing and warning about any domain of the same name.
func (r *Registry) Register(d Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.domains[d.Name()]; exists {
		r.logger.Warn("overwriting registered domain", zap.String("domain", d.Name()))
	}
	r.domains[d.Name()] = d
}

// Get returns the named domain.
func (r *Registry) Get(name string) (Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[name]
	return d, ok
}

// Names returns the registered domain names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.domains))
	for name := range r.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnableDomains enables every named domain for sessionID concurrently and
// waits for all of them. A failure does not cancel the others.
func (r *Registry) EnableDomains(ctx context.Context, names []string, sessionID string) Results {
	return r.apply(ctx, names, sessionID, Domain.Enable)
}

// DisableDomains disables every named domain for sessionID concurrently.
func (r *Registry) DisableDomains(ctx context.Context, names []string, sessionID string) Results {
	return r.apply(ctx, names, sessionID, Domain.Disable)
}

func (r *Registry) apply(ctx context.Context, names []string, sessionID string,
	op func(Domain, context.Context, string) error) Results {
	names = lol.UniqSlice(names)
	results := make(Results, len(names))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range names {
		d, ok := r.Get(name)
		if !ok {
			results[name] = errorx.ErrUnknownDomain.WithDetail("domain", name)
			continue
		}
		g.Go(func() error {
			err := op(d, ctx, sessionID)
			if err != nil {
				r.logger.Warn("domain transition failed",
					zap.String("domain", name),
					zap.String("session", sessionKey(sessionID)),
					zap.Error(err))
			}
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// EnabledDomains returns the registered domains enabled for sessionID, sorted.
func (r *Registry) EnabledDomains(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name, d := range r.domains {
		if d.IsEnabled(sessionID) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Purge forgets sessionID in every domain. The owner calls it when a session
// goes away; the registry never infers disconnection itself.
func (r *Registry) Purge(sessionID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.domains {
		d.Purge(sessionID)
	}
}
