package pool

import (
	"math/rand/v2"
	"sync/atomic"
)

// Selector picks one connection out of a snapshot listed in registration
// order. It returns false when no connection qualifies.
type Selector interface {
	Select(conns []ConnectionInfo) (string, bool)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(conns []ConnectionInfo) (string, bool)

// Select implements Selector
func (f SelectorFunc) Select(conns []ConnectionInfo) (string, bool) {
	return f(conns)
}

func usable(c ConnectionInfo) bool {
	return c.State != StateError
}

type roundRobin struct {
	next atomic.Uint64
}

// RoundRobin cycles through every connection not in the error state.
func RoundRobin() Selector {
	return &roundRobin{}
}

func (r *roundRobin) Select(conns []ConnectionInfo) (string, bool) {
	eligible := filter(conns, usable)
	if len(eligible) == 0 {
		return "", false
	}
	n := r.next.Add(1) - 1
	return eligible[n%uint64(len(eligible))].ID, true
}

// LeastLoaded picks the usable connection with the shortest outbound queue,
// preferring connected ones on ties.
func LeastLoaded() Selector {
	return SelectorFunc(func(conns []ConnectionInfo) (string, bool) {
		var best *ConnectionInfo
		for i := range conns {
			c := &conns[i]
			if !usable(*c) {
				continue
			}
			if best == nil || c.QueueDepth < best.QueueDepth ||
				(c.QueueDepth == best.QueueDepth && c.State == StateConnected && best.State != StateConnected) {
				best = c
			}
		}
		if best == nil {
			return "", false
		}
		return best.ID, true
	})
}

// Random picks a usable connection uniformly.
func Random() Selector {
	return SelectorFunc(func(conns []ConnectionInfo) (string, bool) {
		eligible := filter(conns, usable)
		if len(eligible) == 0 {
			return "", false
		}
		return eligible[rand.IntN(len(eligible))].ID, true
	})
}

// FirstAvailable picks the earliest registered connected connection.
func FirstAvailable() Selector {
	return Predicate(func(c ConnectionInfo) bool { return c.State == StateConnected })
}

// Predicate picks the earliest registered connection accepted by fn.
func Predicate(fn func(ConnectionInfo) bool) Selector {
	return SelectorFunc(func(conns []ConnectionInfo) (string, bool) {
		for _, c := range conns {
			if fn(c) {
				return c.ID, true
			}
		}
		return "", false
	})
}

// ParseStrategy returns the selector for a configured strategy name.
func ParseStrategy(name string) (Selector, bool) {
	switch name {
	case "", "round-robin":
		return RoundRobin(), true
	case "least-loaded":
		return LeastLoaded(), true
	case "random":
		return Random(), true
	case "first-available":
		return FirstAvailable(), true
	default:
		return nil, false
	}
}

func filter(conns []ConnectionInfo, keep func(ConnectionInfo) bool) []ConnectionInfo {
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
