package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/drzln/curupira/internal/common/config"
	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/dispatch"
	"github.com/drzln/curupira/pkg/mcp"
	"github.com/drzln/curupira/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type echoTools struct{}

func (echoTools) Name() string { return "echo" }

func (echoTools) ListTools(context.Context) ([]dispatch.ToolSpec, error) {
	return []dispatch.ToolSpec{
		{
			Name:        "echo.say",
			Description: "Echo the text back",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
		{Name: "echo.fail", Description: "Always fails"},
	}, nil
}

func (echoTools) ExecuteTool(_ context.Context, name string, args map[string]any, _ dispatch.ExecContext) (any, error) {
	if name == "echo.fail" {
		return nil, errors.New("nope")
	}
	return args["text"], nil
}

type notes struct{}

func (notes) Name() string { return "notes" }

func (notes) ListResources(context.Context) ([]dispatch.ResourceSpec, error) {
	return []dispatch.ResourceSpec{
		{URI: "notes://all", Name: "All notes", MIMEType: "application/json"},
		{URI: "notes://motd", Name: "Message of the day", MIMEType: "text/plain"},
	}, nil
}

func (notes) ReadResource(_ context.Context, uri string) (any, error) {
	switch uri {
	case "notes://all":
		return []map[string]string{{"title": "first"}}, nil
	case "notes://motd":
		return "hello", nil
	}
	return nil, errorx.ErrResourceNotFound.WithMessage("unknown resource %s", uri)
}

func newTestRegistry() *dispatch.Registry {
	r := dispatch.NewRegistry(zap.NewNop(), dispatch.Options{})
	r.RegisterToolProvider(echoTools{})
	r.RegisterResourceProvider(notes{})
	return r
}

func newTestServer(t *testing.T, queue config.QueueConfig) *Server {
	t.Helper()
	s := NewServer(zap.NewNop(), Options{
		Registry:    newTestRegistry(),
		Metrics:     metrics.New(config.MetricsConfig{Enabled: true, Namespace: "test"}),
		MetricsPath: "/metrics",
		Queue:       queue,
		Pool:        config.PoolConfig{MaxConnections: 4},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func post(t *testing.T, h http.Handler, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(mcp.HeaderMcpSessionID, sessionID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func initialize(t *testing.T, h http.Handler) string {
	t.Helper()
	w := post(t, h, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"1"}}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "2024-11-05", gjson.Get(w.Body.String(), "result.protocolVersion").String())
	assert.Equal(t, "curupira", gjson.Get(w.Body.String(), "result.serverInfo.name").String())
	sid := w.Header().Get(mcp.HeaderMcpSessionID)
	require.NotEmpty(t, sid)
	return sid
}

func TestStreamable_Lifecycle(t *testing.T) {
	s := newTestServer(t, config.QueueConfig{})
	h := s.Handler()
	sid := initialize(t, h)

	w := post(t, h, sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":{}}`, w.Body.String())

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	body := w.Body.String()
	assert.Equal(t, []any{"echo.say", "echo.fail"}, gjson.Get(body, "result.tools.#.name").Value())
	assert.Equal(t, "object", gjson.Get(body, "result.tools.1.inputSchema.type").String())

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":4,"method":"prompts/list"}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":4,"result":{"prompts":[]}}`, w.Body.String())

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(mcp.HeaderMcpSessionID, sid)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":5,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamable_ToolsCall(t *testing.T) {
	s := newTestServer(t, config.QueueConfig{})
	h := s.Handler()
	sid := initialize(t, h)

	w := post(t, h, sid, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo.say","arguments":{"text":"hi"}}}`)
	body := w.Body.String()
	assert.False(t, gjson.Get(body, "result.isError").Bool())
	assert.Equal(t, "hi", gjson.Get(body, "result.content.0.text").String())

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo.say","arguments":{}}}`)
	body = w.Body.String()
	assert.True(t, gjson.Get(body, "result.isError").Bool())
	assert.Contains(t, gjson.Get(body, "result.content.0.text").String(), "missing required arguments")

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"ghost.run"}}`)
	assert.Regexp(t, "^no provider", gjson.Get(w.Body.String(), "result.content.0.text").String())

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo.fail"}}`)
	assert.True(t, gjson.Get(w.Body.String(), "result.isError").Bool())

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"echo.say","arguments":[1]}}`)
	assert.Equal(t, int64(mcp.ErrorCodeInvalidParams), gjson.Get(w.Body.String(), "error.code").Int())
}

func TestStreamable_Resources(t *testing.T) {
	s := newTestServer(t, config.QueueConfig{})
	h := s.Handler()
	sid := initialize(t, h)

	w := post(t, h, sid, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	assert.Equal(t, []any{"notes://all", "notes://motd"}, gjson.Get(w.Body.String(), "result.resources.#.uri").Value())

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"notes://all"}}`)
	body := w.Body.String()
	assert.Equal(t, "application/json", gjson.Get(body, "result.contents.0.mimeType").String())
	assert.Equal(t, "first", gjson.Get(gjson.Get(body, "result.contents.0.text").String(), "0.title").String())

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"notes://motd"}}`)
	assert.Equal(t, "hello", gjson.Get(w.Body.String(), "result.contents.0.text").String())

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":4,"method":"resources/read","params":{"uri":"notes://missing"}}`)
	body = w.Body.String()
	assert.Equal(t, int64(mcp.ErrorCodeInvalidParams), gjson.Get(body, "error.code").Int())
	assert.Equal(t, "RESOURCE_NOT_FOUND", gjson.Get(body, "error.data.code").String())

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":5,"method":"resources/read","params":{"uri":"nowhere://x"}}`)
	assert.Equal(t, "NO_PROVIDER", gjson.Get(w.Body.String(), "error.data.code").String())

	w = post(t, h, sid, `{"jsonrpc":"2.0","id":6,"method":"resources/read","params":{}}`)
	assert.Equal(t, int64(mcp.ErrorCodeInvalidParams), gjson.Get(w.Body.String(), "error.code").Int())
}

func TestStreamable_ProtocolErrors(t *testing.T) {
	s := newTestServer(t, config.QueueConfig{})
	h := s.Handler()

	tests := []struct {
		name    string
		session string
		body    string
		status  int
		code    int
	}{
		{"parse error", "", `{not json`, http.StatusBadRequest, mcp.ErrorCodeParseError},
		{"missing session", "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, http.StatusBadRequest, mcp.ErrorCodeInvalidRequest},
		{"unknown session", "nope", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, http.StatusNotFound, mcp.ErrorCodeConnectionClosed},
		{"empty batch", "", `[]`, http.StatusBadRequest, mcp.ErrorCodeParseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, h, tt.session, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, int64(tt.code), gjson.Get(w.Body.String(), "error.code").Int())
		})
	}

	sid := initialize(t, h)
	w := post(t, h, sid, `{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage"}`)
	assert.Equal(t, int64(mcp.ErrorCodeMethodNotFound), gjson.Get(w.Body.String(), "error.code").Int())
	assert.Equal(t, int64(7), gjson.Get(w.Body.String(), "id").Int())

	w = post(t, h, sid, `{"jsonrpc":"1.0","id":8,"method":"ping"}`)
	assert.Equal(t, int64(mcp.ErrorCodeInvalidRequest), gjson.Get(w.Body.String(), "error.code").Int())

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestStreamable_Batch(t *testing.T) {
	s := newTestServer(t, config.QueueConfig{})
	h := s.Handler()
	sid := initialize(t, h)

	w := post(t, h, sid, `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","id":2,"method":"tools/list"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{float64(1), float64(2)}, gjson.Get(w.Body.String(), "#.id").Value())
}

func TestStreamable_EventStreamReceivesNotifications(t *testing.T) {
	s := newTestServer(t, config.QueueConfig{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	sid := initialize(t, s.Handler())

	assert.Equal(t, 1, s.Notify(context.Background(), mcp.NotificationToolListChanged, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(mcp.HeaderMcpSessionID, sid)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			data = strings.TrimSpace(rest)
		}
	}
	assert.Equal(t, mcp.NotificationToolListChanged, gjson.Get(data, "method").String())
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, config.QueueConfig{})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health_check", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())

	initialize(t, h)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_")
}
