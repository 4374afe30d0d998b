package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func snapshot() []ConnectionInfo {
	return []ConnectionInfo{
		{ID: "a", State: StateError},
		{ID: "b", State: StateDisconnected, QueueDepth: 3},
		{ID: "c", State: StateConnected, QueueDepth: 1},
		{ID: "d", State: StateConnected, QueueDepth: 1},
	}
}

func TestRoundRobin(t *testing.T) {
	sel := RoundRobin()
	var got []string
	for i := 0; i < 4; i++ {
		id, ok := sel.Select(snapshot())
		assert.True(t, ok)
		got = append(got, id)
	}
	assert.Equal(t, []string{"b", "c", "d", "b"}, got)
}

func TestLeastLoaded(t *testing.T) {
	id, ok := LeastLoaded().Select(snapshot())
	assert.True(t, ok)
	assert.Equal(t, "c", id)

	id, ok = LeastLoaded().Select([]ConnectionInfo{
		{ID: "x", State: StateConnecting},
		{ID: "y", State: StateConnected},
	})
	assert.True(t, ok)
	assert.Equal(t, "y", id, "connected wins ties")
}

func TestFirstAvailable(t *testing.T) {
	id, ok := FirstAvailable().Select(snapshot())
	assert.True(t, ok)
	assert.Equal(t, "c", id)

	_, ok = FirstAvailable().Select([]ConnectionInfo{{ID: "a", State: StateDisconnected}})
	assert.False(t, ok)
}

func TestRandom(t *testing.T) {
	for i := 0; i < 20; i++ {
		id, ok := Random().Select(snapshot())
		assert.True(t, ok)
		assert.NotEqual(t, "a", id)
	}
	_, ok := Random().Select([]ConnectionInfo{{ID: "a", State: StateError}})
	assert.False(t, ok)
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"", "round-robin", "least-loaded", "random", "first-available"} {
		_, ok := ParseStrategy(name)
		assert.True(t, ok, name)
	}
	_, ok := ParseStrategy("weighted")
	assert.False(t, ok)
}
