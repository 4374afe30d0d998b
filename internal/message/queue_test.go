package message

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(i int) *Envelope {
	return NewEnvelope(TypeRequest, "assistant", "bridge", []byte(fmt.Sprint(i)))
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(10)
	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(env(i)))
	}

	for i := 0; i < 5; i++ {
		item, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), string(item.Envelope.Payload()))
		assert.Equal(t, 1, item.Retries)
		assert.False(t, item.LastAttempt.IsZero())
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestQueue_BoundRejectsNewest(t *testing.T) {
	q := NewQueue(1000)
	for i := 0; i < 1000; i++ {
		require.True(t, q.Enqueue(env(i)))
	}
	assert.False(t, q.Enqueue(env(1000)))
	assert.Equal(t, 1000, q.Len())
	assert.Equal(t, 1000, q.Cap())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "0", string(head.Envelope.Payload()))
}

func TestQueue_PeekDoesNotConsume(t *testing.T) {
	q := NewQueue(2)
	_, ok := q.Peek()
	assert.False(t, ok)

	q.Enqueue(env(1))
	item, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 0, item.Retries)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_RequeueGoesToTail(t *testing.T) {
	q := NewQueue(2)
	q.Enqueue(env(1))
	q.Enqueue(env(2))

	first, _ := q.Dequeue()
	require.True(t, q.Requeue(first))
	assert.False(t, q.Requeue(first), "requeue honours the bound")

	second, _ := q.Dequeue()
	assert.Equal(t, "2", string(second.Envelope.Payload()))

	again, _ := q.Dequeue()
	assert.Equal(t, "1", string(again.Envelope.Payload()))
	assert.Equal(t, 2, again.Retries)
}

func TestQueue_RemoveExpired(t *testing.T) {
	now := time.Now()
	q := NewQueue(10, WithClock(func() time.Time { return now }))

	q.Enqueue(env(0))
	now = now.Add(time.Minute)
	q.Enqueue(env(1))
	q.Enqueue(env(2))
	now = now.Add(30 * time.Second)

	removed := q.RemoveExpired(time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, q.Len())

	item, _ := q.Dequeue()
	assert.Equal(t, "1", string(item.Envelope.Payload()))
	item, _ = q.Dequeue()
	assert.Equal(t, "2", string(item.Envelope.Payload()))
}

func TestQueue_DequeueWait(t *testing.T) {
	q := NewQueue(100)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got int
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := q.DequeueWait(ctx); err != nil {
					return
				}
				mu.Lock()
				got++
				done := got == 50
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		require.True(t, q.Enqueue(env(i)))
	}
	wg.Wait()
	assert.Equal(t, 50, got)
}

func TestQueue_DequeueWaitHonoursContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.DequeueWait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
