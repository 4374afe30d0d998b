package session

import (
	"context"
	"testing"
	"time"

	"github.com/drzln/curupira/internal/common/config"
	"github.com/drzln/curupira/internal/common/errorx"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.SessionRedisConfig{
		Addr:   mr.Addr(),
		Topic:  "curupira:sessions",
		Prefix: "testsess",
		TTL:    5 * time.Second,
	}
	store, err := NewRedisStore(context.Background(), zap.NewNop(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestNewRedisStore_ConnectionError(t *testing.T) {
	cfg := config.SessionRedisConfig{
		Addr:  "127.0.0.1:0",
		Topic: "x",
		TTL:   time.Second,
	}
	s, err := NewRedisStore(context.Background(), zap.NewNop(), cfg)
	assert.Nil(t, s)
	assert.Error(t, err)
}

func TestRedisStore_RegisterGetListSendUnregister(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	meta := &Meta{ID: "sid-1", CreatedAt: time.Now(), Transport: TransportHTTP, ClientName: "inspector"}

	conn, err := store.Register(ctx, meta)
	require.NoError(t, err)
	assert.True(t, mr.Exists("testsess:sid-1"))

	_, err = store.Register(ctx, meta)
	assert.Error(t, err, "duplicate register should fail")

	got, err := store.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "inspector", got.Meta().ClientName)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, conn.Send(ctx, &Message{Event: "message", Data: []byte("ok")}))
	select {
	case recv := <-got.EventQueue():
		require.NotNil(t, recv)
		assert.Equal(t, "message", recv.Event)
		assert.Equal(t, []byte("ok"), recv.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session event")
	}

	require.NoError(t, store.Unregister(ctx, "sid-1"))
	_, err = store.Get(ctx, "sid-1")
	assert.ErrorIs(t, err, errorx.ErrSessionNotFound)
	assert.ErrorIs(t, store.Unregister(ctx, "nope"), errorx.ErrSessionNotFound)
}

func TestRedisStore_ExpiredSessionsArePruned(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Register(ctx, &Meta{ID: "old"})
	require.NoError(t, err)
	mr.Del("testsess:old")

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, errorx.ErrSessionNotFound)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	members, err := mr.SMembers("testsess:ids")
	if err == nil {
		assert.NotContains(t, members, "old")
	}
}
