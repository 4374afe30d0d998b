package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/drzln/curupira/internal/common/errorx"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketTransport implements Transport over gorilla/websocket. A transport
// created with NewWebSocketTransport dials url and can reconnect; one created
// with NewAcceptedTransport wraps a server-side connection and cannot.
type WebSocketTransport struct {
	logger *zap.Logger
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	accepted *websocket.Conn
	writeMu  sync.Mutex
	pongs    chan struct{}

	onMessage func([]byte)
	onError   func(error)
	onClose   func()
}

var (
	_ Transport = (*WebSocketTransport)(nil)
	_ Pinger    = (*WebSocketTransport)(nil)
)

// NewWebSocketTransport creates a dialing transport for url.
func NewWebSocketTransport(logger *zap.Logger, url string, header http.Header) *WebSocketTransport {
	return &WebSocketTransport{
		logger: logger.Named("pool.websocket").With(zap.String("url", url)),
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			ReadBufferSize:   1 << 16,
			WriteBufferSize:  1 << 16,
		},
		pongs: make(chan struct{}, 1),
	}
}

// NewAcceptedTransport wraps a connection accepted by an HTTP upgrader.
func NewAcceptedTransport(logger *zap.Logger, conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{
		logger:   logger.Named("pool.websocket").With(zap.String("remote", conn.RemoteAddr().String())),
		url:      conn.RemoteAddr().String(),
		accepted: conn,
		pongs:    make(chan struct{}, 1),
	}
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *WebSocketTransport) SetMessageHandler(h func([]byte)) { t.onMessage = h }

// SetErrorHandler implements Transport.SetErrorHandler
func (t *WebSocketTransport) SetErrorHandler(h func(error)) { t.onError = h }

// SetCloseHandler implements Transport.SetCloseHandler
func (t *WebSocketTransport) SetCloseHandler(h func()) { t.onClose = h }

// Connect implements Transport.Connect
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	var conn *websocket.Conn
	if t.accepted != nil {
		conn, t.accepted = t.accepted, nil
	} else if t.dialer != nil {
		c, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errorx.ErrConnectionTimeout.Wrap(err).WithDetail("url", t.url)
			}
			return errorx.ErrConnectionRefused.Wrap(err).WithDetail("url", t.url)
		}
		conn = c
	} else {
		return errorx.ErrConnectionRefused.WithMessage("accepted connection %s cannot be reopened", t.url)
	}

	conn.SetPongHandler(func(string) error {
		select {
		case t.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	t.conn = conn
	go t.readLoop(conn)

	t.logger.Debug("websocket connected")
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			own := t.conn == conn
			if own {
				t.conn = nil
			}
			t.mu.Unlock()
			_ = conn.Close()

			// the connection was closed through Close, nobody needs telling
			if !own {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && t.onError != nil {
				t.onError(err)
			}
			if t.onClose != nil {
				t.onClose()
			}
			return
		}
		if t.onMessage != nil {
			t.onMessage(data)
		}
	}
}

func (t *WebSocketTransport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Send implements Transport.Send
func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	conn := t.current()
	if conn == nil {
		return errorx.ErrNotConnected.WithDetail("url", t.url)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return errorx.ErrNotConnected.Wrap(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errorx.ErrNotConnected.Wrap(err).WithDetail("url", t.url)
	}
	return nil
}

// Ping implements Pinger by sending a ping frame and waiting for the pong.
func (t *WebSocketTransport) Ping(ctx context.Context) error {
	conn := t.current()
	if conn == nil {
		return errorx.ErrNotConnected.WithDetail("url", t.url)
	}

	select {
	case <-t.pongs:
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	t.writeMu.Lock()
	err := conn.WriteControl(websocket.PingMessage, nil, deadline)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}

	select {
	case <-t.pongs:
		return nil
	case <-ctx.Done():
		return errorx.ErrConnectionTimeout.Wrap(ctx.Err()).WithMessage("pong not received")
	}
}

// Close implements Transport.Close
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	if conn == nil && t.accepted != nil {
		conn, t.accepted = t.accepted, nil
	}
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}
