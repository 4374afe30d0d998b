package message

import (
	"context"
	"sync"
	"time"
)

// Item is a queued envelope with its delivery bookkeeping.
type Item struct {
	Envelope    *Envelope
	Retries     int
	EnqueuedAt  time.Time
	LastAttempt time.Time
}

// Queue is a strictly bounded FIFO of envelopes. It never evicts to make
// room: a full queue rejects the newest item.
type Queue struct {
	mu     sync.Mutex
	items  []*Item
	max    int
	now    func() time.Time
	notify chan struct{}
}

// QueueOption customizes a queue.
type QueueOption func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates a queue holding at most maxSize items.
func NewQueue(maxSize int, opts ...QueueOption) *Queue {
	q := &Queue{
		max:    maxSize,
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends env and reports whether it was accepted.
func (q *Queue) Enqueue(env *Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		return false
	}
	q.items = append(q.items, &Item{Envelope: env, EnqueuedAt: q.now()})
	q.signal()
	return true
}

// Dequeue removes the head item, counting it as one more delivery attempt.
func (q *Queue) Dequeue() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]

	item.Retries++
	item.LastAttempt = q.now()

	if len(q.items) > 0 {
		q.signal()
	}
	return item, true
}

// DequeueWait blocks until an item is available or ctx is done.
func (q *Queue) DequeueWait(ctx context.Context) (*Item, error) {
	for {
		if item, ok := q.Dequeue(); ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Peek returns the head item without removing it.
func (q *Queue) Peek() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Requeue appends a previously dequeued item to the tail, keeping its retry
// count. It is subject to the same bound as Enqueue.
func (q *Queue) Requeue(item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		return false
	}
	q.items = append(q.items, item)
	q.signal()
	return true
}

// RemoveExpired drops items older than ttl and returns how many were removed.
// Survivors keep their relative order.
func (q *Queue) RemoveExpired(ttl time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if now.Sub(item.EnqueuedAt) > ttl {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return removed
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue bound.
func (q *Queue) Cap() int {
	return q.max
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
