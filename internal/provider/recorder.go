package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drzln/curupira/internal/cdp"

	"github.com/chromedp/cdproto"
	"go.uber.org/zap"
)

// EventSource delivers automation-protocol events. *cdp.Client implements it.
type EventSource interface {
	Subscribe(method cdproto.MethodType, h func(cdp.Event)) (unsubscribe func())
}

const (
	recorderBuffer  = 1024
	recordTimeout   = 5 * time.Second
	defaultListSize = 200
)

// recorder moves events off the connection read path and persists them on
// its own goroutine. Events arriving while the buffer is full are dropped.
type recorder struct {
	logger  *zap.Logger
	events  chan cdp.Event
	done    chan struct{}
	wg      sync.WaitGroup
	unsub   []func()
	dropped atomic.Int64
	once    sync.Once
}

func newRecorder(logger *zap.Logger, src EventSource, handle func(context.Context, cdp.Event) error,
	methods ...cdproto.MethodType) *recorder {
	r := &recorder{
		logger: logger,
		events: make(chan cdp.Event, recorderBuffer),
		done:   make(chan struct{}),
	}
	if src == nil {
		return r
	}

	for _, m := range methods {
		r.unsub = append(r.unsub, src.Subscribe(m, r.offer))
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.done:
				return
			case ev := <-r.events:
				ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
				if err := handle(ctx, ev); err != nil {
					r.logger.Warn("failed to record event",
						zap.String("method", string(ev.Method)),
						zap.Error(err))
				}
				cancel()
			}
		}
	}()
	return r
}

func (r *recorder) offer(ev cdp.Event) {
	select {
	case <-r.done:
	case r.events <- ev:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("recorder buffer full, dropping events", zap.Int64("dropped", r.dropped.Load()))
		}
	}
}

func (r *recorder) close() {
	r.once.Do(func() {
		for _, u := range r.unsub {
			u()
		}
		close(r.done)
		r.wg.Wait()
	})
}

var keySeq atomic.Uint64

// timeKey returns a key that sorts in creation order.
func timeKey(t time.Time) string {
	return fmt.Sprintf("%019d-%06d", t.UnixNano(), keySeq.Add(1)%1_000_000)
}
