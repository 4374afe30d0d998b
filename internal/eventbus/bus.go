package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler receives published events.
type Handler[T any] func(T)

// Bus is a typed in-process publish/subscribe hub. Handlers run synchronously
// in the publisher's goroutine; watchers receive events on buffered channels.
type Bus[T any] struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]subscription[T]
	watchers map[chan T]struct{}
	closed   bool
}

type subscription[T any] struct {
	filter  func(T) bool
	handler Handler[T]
}

// New creates an empty bus.
func New[T any](logger *zap.Logger) *Bus[T] {
	return &Bus[T]{
		logger:   logger,
		handlers: make(map[uint64]subscription[T]),
		watchers: make(map[chan T]struct{}),
	}
}

// Subscribe registers h for every event and returns a function removing it.
func (b *Bus[T]) Subscribe(h Handler[T]) (unsubscribe func()) {
	return b.SubscribeFunc(nil, h)
}

// SubscribeFunc registers h for events accepted by filter. A nil filter accepts all.
func (b *Bus[T]) SubscribeFunc(filter func(T) bool, h Handler[T]) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	b.next++
	id := b.next
	b.handlers[id] = subscription[T]{filter: filter, handler: h}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
		})
	}
}

// Watch returns a channel receiving every event until ctx is done. Events are
// dropped for a watcher whose buffer is full.
func (b *Bus[T]) Watch(ctx context.Context, buffer int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.watchers[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.watchers[ch]; ok {
			delete(b.watchers, ch)
			close(ch)
		}
	}()

	return ch
}

// Publish delivers ev to every handler and watcher. A panicking handler is
// logged and does not affect the others.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	handlers := make([]subscription[T], 0, len(b.handlers))
	for _, s := range b.handlers {
		handlers = append(handlers, s)
	}
	for ch := range b.watchers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("watcher channel is full, dropping event")
		}
	}
	b.mu.RUnlock()

	for _, s := range handlers {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		b.dispatch(s.handler, ev)
	}
}

func (b *Bus[T]) dispatch(h Handler[T], ev T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", zap.Any("panic", r))
		}
	}()
	h(ev)
}

// Len returns the number of handlers and watchers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers) + len(b.watchers)
}

// Close removes every subscriber and closes every watcher channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.handlers = make(map[uint64]subscription[T])
	for ch := range b.watchers {
		close(ch)
	}
	b.watchers = make(map[chan T]struct{})
}
