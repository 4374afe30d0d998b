package message

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoRoute is returned by Dispatch when no route matches.
var ErrNoRoute = errors.New("no route matches message")

// Router dispatches envelopes to the handlers of every matching route.
type Router struct {
	logger *zap.Logger
	mu     sync.RWMutex
	routes []Route
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{logger: logger.Named("message.router")}
}

// AddRoute registers route. A route with the same name is replaced.
func (r *Router) AddRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.routes {
		if existing.Name == route.Name {
			r.logger.Warn("replacing existing route", zap.String("route", route.Name))
			r.routes[i] = route
			return
		}
	}
	r.routes = append(r.routes, route)
}

// RemoveRoute deletes the named route and reports whether it existed.
func (r *Router) RemoveRoute(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.routes {
		if existing.Name == name {
			r.routes = append(r.routes[:i:i], r.routes[i+1:]...)
			return true
		}
	}
	return false
}

// Routes returns the registered routes by descending priority.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return SortByPriority(r.routes)
}

// Match returns the routes matching env by descending priority.
func (r *Router) Match(env *Envelope) []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return FindMatches(env, r.routes)
}

// Dispatch runs the handler of every matching route in priority order.
// Handler failures do not stop later handlers; they are joined in the result.
func (r *Router) Dispatch(ctx context.Context, env *Envelope) error {
	matches := r.Match(env)
	if len(matches) == 0 {
		return fmt.Errorf("%w: type=%s source=%s", ErrNoRoute, env.Type(), env.Source())
	}

	var errs []error
	for _, route := range matches {
		if route.Handler == nil {
			continue
		}
		if err := r.call(ctx, route, env); err != nil {
			r.logger.Warn("route handler failed",
				zap.String("route", route.Name),
				zap.String("envelope", env.ID()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("route %s: %w", route.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) call(ctx context.Context, route Route, env *Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return route.Handler(ctx, env)
}
