package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoServer echoes text frames and closes the connection on "bye".
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "bye" {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransport_EchoAndPing(t *testing.T) {
	srv := echoServer(t)
	tr := NewWebSocketTransport(zap.NewNop(), wsURL(srv), nil)

	got := make(chan string, 1)
	tr.SetMessageHandler(func(data []byte) { got <- string(data) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	require.NoError(t, tr.Send(ctx, []byte(`{"id":1}`)))
	select {
	case msg := <-got:
		assert.Equal(t, `{"id":1}`, msg)
	case <-ctx.Done():
		t.Fatal("echo not received")
	}

	require.NoError(t, tr.Ping(ctx))
}

func TestWebSocketTransport_RemoteCloseFiresHandler(t *testing.T) {
	srv := echoServer(t)
	tr := NewWebSocketTransport(zap.NewNop(), wsURL(srv), nil)

	closed := make(chan struct{})
	tr.SetCloseHandler(func() { close(closed) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Send(ctx, []byte("bye")))

	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("close handler not called")
	}
	assert.ErrorIs(t, tr.Send(ctx, []byte("x")), errorx.ErrNotConnected)

	// the dialing transport can come back
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Close())
}

func TestWebSocketTransport_LocalCloseIsSilent(t *testing.T) {
	srv := echoServer(t)
	tr := NewWebSocketTransport(zap.NewNop(), wsURL(srv), nil)

	closed := make(chan struct{}, 1)
	tr.SetCloseHandler(func() { closed <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Close())

	select {
	case <-closed:
		t.Fatal("close handler called for a local close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocketTransport_ConnectRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	tr := NewWebSocketTransport(zap.NewNop(), url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := tr.Connect(ctx)
	assert.ErrorIs(t, err, errorx.ErrConnectionRefused)
}

func TestPool_WithWebSocketTransport(t *testing.T) {
	srv := echoServer(t)
	p := newTestPool(t, Options{})

	got := make(chan Inbound, 1)
	p.OnMessage(func(in Inbound) { got <- in })

	tr := NewWebSocketTransport(zap.NewNop(), wsURL(srv), nil)
	id, err := p.Register(testConfig(), tr)
	require.NoError(t, err)
	waitState(t, p, id, StateConnected)

	o := p.Send(context.Background(), ToID(id), []byte("ping"))
	require.True(t, o.Sent)

	select {
	case in := <-got:
		assert.Equal(t, "ping", string(in.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received through the pool")
	}
}
