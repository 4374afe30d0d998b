package message

import (
	"context"
	"slices"
	"sort"
)

// Handler processes an envelope delivered by the router.
type Handler func(ctx context.Context, env *Envelope) error

// Predicate is an additional custom route filter.
type Predicate func(env *Envelope) bool

// Route selects envelopes by source, type and an optional predicate.
// Unset filters match anything.
type Route struct {
	Name      string
	Priority  int
	Sources   []string
	Types     []Type
	Predicate Predicate
	Handler   Handler
}

// Match reports whether every filter set on route accepts env.
func Match(env *Envelope, route Route) bool {
	if len(route.Sources) > 0 && !slices.Contains(route.Sources, env.Source()) {
		return false
	}
	if len(route.Types) > 0 && !slices.Contains(route.Types, env.Type()) {
		return false
	}
	if route.Predicate != nil && !route.Predicate(env) {
		return false
	}
	return true
}

// FindMatches returns every route matching env, highest priority first.
// Routes of equal priority keep their relative order.
func FindMatches(env *Envelope, routes []Route) []Route {
	matches := make([]Route, 0, len(routes))
	for _, r := range routes {
		if Match(env, r) {
			matches = append(matches, r)
		}
	}
	sortDesc(matches)
	return matches
}

// SortByPriority returns a new slice ordered by descending priority.
func SortByPriority(routes []Route) []Route {
	sorted := slices.Clone(routes)
	sortDesc(sorted)
	return sorted
}

func sortDesc(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Priority > routes[j].Priority
	})
}
