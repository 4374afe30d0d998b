package pool

import "context"

// Transport is a duplex message channel the pool manages. Implementations
// invoke the close handler when the channel drops on its own, not when the
// pool closes it.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	Close() error
	SetMessageHandler(func(data []byte))
	SetErrorHandler(func(err error))
	SetCloseHandler(func())
}

// Pinger is implemented by transports supporting a liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}
