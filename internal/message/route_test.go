package message

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func names(routes []Route) []string {
	out := make([]string, len(routes))
	for i, r := range routes {
		out[i] = r.Name
	}
	return out
}

func TestMatch(t *testing.T) {
	env := NewEnvelope(TypeEvent, "browser", "assistant", nil, WithSessionID("s1"))

	tests := []struct {
		name  string
		route Route
		want  bool
	}{
		{name: "empty route matches anything", route: Route{}, want: true},
		{name: "source hit", route: Route{Sources: []string{"browser", "x"}}, want: true},
		{name: "source miss", route: Route{Sources: []string{"assistant"}}, want: false},
		{name: "type hit", route: Route{Types: []Type{TypeEvent}}, want: true},
		{name: "type miss", route: Route{Types: []Type{TypeRequest, TypeResponse}}, want: false},
		{name: "predicate", route: Route{Predicate: func(e *Envelope) bool { return e.SessionID() == "s1" }}, want: true},
		{
			name: "all filters must pass",
			route: Route{
				Sources:   []string{"browser"},
				Types:     []Type{TypeEvent},
				Predicate: func(*Envelope) bool { return false },
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(env, tt.route))
		})
	}
}

func TestFindMatches_OrderedByPriority(t *testing.T) {
	env := NewEnvelope(TypeRequest, "assistant", "browser", nil)
	routes := []Route{
		{Name: "low", Priority: -1},
		{Name: "default-a"},
		{Name: "other", Types: []Type{TypeEvent}, Priority: 100},
		{Name: "high", Priority: 10},
		{Name: "default-b"},
	}

	got := FindMatches(env, routes)
	assert.Equal(t, []string{"high", "default-a", "default-b", "low"}, names(got))
}

func TestSortByPriority_ReturnsNewSlice(t *testing.T) {
	routes := []Route{{Name: "a", Priority: 1}, {Name: "b", Priority: 2}}
	sorted := SortByPriority(routes)

	assert.Equal(t, []string{"b", "a"}, names(sorted))
	assert.Equal(t, []string{"a", "b"}, names(routes))
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter(zap.NewNop())
	ctx := context.Background()

	var calls []string
	r.AddRoute(Route{Name: "log", Priority: 10, Handler: func(context.Context, *Envelope) error {
		calls = append(calls, "log")
		return nil
	}})
	r.AddRoute(Route{Name: "requests", Types: []Type{TypeRequest}, Handler: func(context.Context, *Envelope) error {
		calls = append(calls, "requests")
		return errors.New("busy")
	}})
	r.AddRoute(Route{Name: "panics", Priority: -5, Handler: func(context.Context, *Envelope) error {
		panic("boom")
	}})

	err := r.Dispatch(ctx, NewEnvelope(TypeRequest, "assistant", "bridge", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"log", "requests"}, calls)

	assert.True(t, r.RemoveRoute("panics"))
	assert.False(t, r.RemoveRoute("panics"))
	calls = nil
	require.NoError(t, r.Dispatch(ctx, NewEnvelope(TypeEvent, "browser", "bridge", nil)))
	assert.Equal(t, []string{"log"}, calls)
}

func TestRouter_NoRoute(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.AddRoute(Route{Name: "events", Types: []Type{TypeEvent}})

	err := r.Dispatch(context.Background(), NewEnvelope(TypeRequest, "a", "b", nil))
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestRouter_AddRouteReplacesByName(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.AddRoute(Route{Name: "x", Priority: 1})
	r.AddRoute(Route{Name: "x", Priority: 5})

	routes := r.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, 5, routes[0].Priority)
}
