package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStore_PurgeUsesNativePurgeOnDB(t *testing.T) {
	ctx := context.Background()
	s := NewStore(zap.NewNop(), newSQLiteBackend(t), StoreOptions{})

	require.NoError(t, s.Set(ctx, "old", 1, WithTTL(time.Millisecond)))
	require.NoError(t, s.Set(ctx, "kept", 2))
	time.Sleep(10 * time.Millisecond)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err := s.backend.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, keys)
}

func TestStore_PurgeNamespaceSweeps(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	root := newTestStore(t, StoreOptions{Clock: clock.Now})
	logs := root.Namespace("console")

	require.NoError(t, logs.Set(ctx, "a", 1, WithTTL(time.Second)))
	require.NoError(t, root.Namespace("network").Set(ctx, "b", 2, WithTTL(time.Second)))
	clock.Advance(time.Minute)

	n, err := logs.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err := root.backend.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"network:b"}, keys)
}

func TestStore_RunSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewStore(zap.NewNop(), NewMemoryBackend(zap.NewNop()), StoreOptions{})

	require.NoError(t, s.Set(ctx, "short", 1, WithTTL(5*time.Millisecond)))
	require.NoError(t, s.Set(ctx, "long", 2))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunSweeper(ctx, 10*time.Millisecond)
	}()

	assert.Eventually(t, func() bool {
		keys, err := s.backend.Keys(ctx)
		return err == nil && len(keys) == 1 && keys[0] == "long"
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
