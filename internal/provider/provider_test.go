package provider

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/drzln/curupira/internal/cdp"
	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/dispatch"
	"github.com/drzln/curupira/internal/storage"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu   sync.Mutex
	subs map[cdproto.MethodType][]func(cdp.Event)
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[cdproto.MethodType][]func(cdp.Event))}
}

func (f *fakeSource) Subscribe(method cdproto.MethodType, h func(cdp.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[method] = append(f.subs[method], h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, method)
	}
}

func (f *fakeSource) emit(method cdproto.MethodType, session, params string) {
	f.mu.Lock()
	hs := append([]func(cdp.Event){}, f.subs[method]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(cdp.Event{Method: method, SessionID: target.SessionID(session), Params: json.RawMessage(params)})
	}
}

type sentCommand struct {
	method    string
	params    string
	sessionID string
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []sentCommand
	responses map[string]string
}

func (f *fakeSender) Send(_ context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentCommand{method: method, params: string(raw), sessionID: sessionID})
	f.mu.Unlock()
	if r, ok := f.responses[method]; ok {
		return json.RawMessage(r), nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeSender) last() sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	logger := zap.NewNop()
	return storage.NewStore(logger, storage.NewMemoryBackend(logger), storage.StoreOptions{})
}

func bound(session string) dispatch.Bound {
	return dispatch.Bound{Session: cdp.Session{ID: target.SessionID(session), Kind: cdp.KindPage}}
}

func TestConsole_RecordsAndServesEntries(t *testing.T) {
	root := newStore(t)
	src := newFakeSource()
	c := NewConsole(zap.NewNop(), root.Namespace("console"), src)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, root.Set(ctx, "other", "untouched"))

	src.emit(cdproto.EventRuntimeConsoleAPICalled, "S1",
		`{"type":"log","args":[{"type":"string","value":"hello"},{"type":"number","value":42}],`+
			`"timestamp":1700000000000,"stackTrace":{"callFrames":[{"url":"http://app.test/main.js"}]}}`)
	src.emit(cdproto.EventLogEntryAdded, "S1",
		`{"entry":{"source":"network","level":"error","text":"404 Not Found","url":"http://app.test/x","timestamp":1700000000001}}`)

	var entries []any
	require.Eventually(t, func() bool {
		data, err := c.ReadResource(ctx, ConsoleLogsURI)
		if err != nil {
			return false
		}
		entries = data.([]any)
		return len(entries) == 2
	}, time.Second, 5*time.Millisecond)

	first := entries[0].(ConsoleEntry)
	assert.Equal(t, "log", first.Level)
	assert.Equal(t, "hello 42", first.Text)
	assert.Equal(t, "http://app.test/main.js", first.URL)
	assert.Equal(t, "S1", first.SessionID)
	assert.Equal(t, int64(1700000000000), first.Timestamp.UnixMilli())

	errs, err := c.ReadResource(ctx, ConsoleLogsURI+"?level=error")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "404 Not Found", errs.([]any)[0].(ConsoleEntry).Text)

	latest, err := c.ReadResource(ctx, ConsoleLogsURI+"?limit=1")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "error", latest.([]any)[0].(ConsoleEntry).Level)

	_, err = c.ReadResource(ctx, ConsoleLogsURI+"?limit=zero")
	assert.ErrorIs(t, err, errorx.ErrValidation)
	_, err = c.ReadResource(ctx, "console://other")
	assert.ErrorIs(t, err, errorx.ErrResourceNotFound)

	res, err := c.ExecuteTool(ctx, "console.clear", nil, dispatch.Independent{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cleared": 2}, res)

	data, err := c.ReadResource(ctx, ConsoleLogsURI)
	require.NoError(t, err)
	assert.Empty(t, data)
	ok, err := root.Has(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok, "clearing the console namespace leaves other keys alone")
}

func TestConsole_WithoutBrowser(t *testing.T) {
	c := NewConsole(zap.NewNop(), newStore(t).Namespace("console"), nil)
	defer c.Close()

	data, err := c.ReadResource(context.Background(), ConsoleLogsURI)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestNetwork_MergesRequestAndResponse(t *testing.T) {
	src := newFakeSource()
	n := NewNetwork(zap.NewNop(), newStore(t).Namespace("network"), src)
	defer n.Close()
	ctx := context.Background()

	src.emit(cdproto.EventNetworkRequestWillBeSent, "S1",
		`{"requestId":"R1","type":"Fetch","request":{"url":"http://app.test/api","method":"POST"}}`)
	src.emit(cdproto.EventNetworkResponseReceived, "S1",
		`{"requestId":"R1","response":{"url":"http://app.test/api","status":201,"mimeType":"application/json"}}`)
	src.emit(cdproto.EventNetworkRequestWillBeSent, "S1",
		`{"requestId":"R2","type":"Image","request":{"url":"http://app.test/logo.png","method":"GET"}}`)
	src.emit(cdproto.EventNetworkLoadingFailed, "S1",
		`{"requestId":"R2","errorText":"net::ERR_BLOCKED_BY_CLIENT","canceled":false}`)

	var reqs []any
	require.Eventually(t, func() bool {
		data, err := n.ReadResource(ctx, NetworkRequestsURI)
		if err != nil {
			return false
		}
		reqs = data.([]any)
		return len(reqs) == 2 && fieldString(reqs[1], "status") == "failed"
	}, time.Second, 5*time.Millisecond)

	r1 := reqs[0].(map[string]any)
	assert.Equal(t, "R1", r1["requestId"])
	assert.Equal(t, "POST", r1["method"])
	assert.Equal(t, "completed", r1["status"])
	assert.Equal(t, int64(201), r1["statusCode"])
	assert.Equal(t, "net::ERR_BLOCKED_BY_CLIENT", fieldString(reqs[1], "errorText"))

	res, err := n.ExecuteTool(ctx, "network.clear", nil, dispatch.Independent{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cleared": 2}, res)
}

func TestCDP_Tools(t *testing.T) {
	sender := &fakeSender{responses: map[string]string{
		"Runtime.evaluate": `{"result":{"type":"object","value":{"a":1}}}`,
		"Page.navigate":    `{"frameId":"F1","loaderId":"L1"}`,
	}}
	sessions := []cdp.Session{{ID: "S1", TargetID: "T1", Kind: cdp.KindPage}}
	p := NewCDP(sender, sessionList(sessions))
	ctx := context.Background()

	v, err := p.ExecuteTool(ctx, "cdp.evaluate", map[string]any{"expression": "({a:1})"}, bound("S1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)
	last := sender.last()
	assert.Equal(t, "S1", last.sessionID)
	assert.JSONEq(t, `{"expression":"({a:1})","returnByValue":true}`, last.params)

	v, err = p.ExecuteTool(ctx, "cdp.navigate", map[string]any{"url": "http://app.test/next"}, bound("S1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"frameId": "F1", "loaderId": "L1", "url": "http://app.test/next"}, v)

	_, err = p.ExecuteTool(ctx, "cdp.reload", map[string]any{"ignoreCache": true}, bound("S1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ignoreCache":true}`, sender.last().params)

	v, err = p.ExecuteTool(ctx, "cdp.sessions", nil, dispatch.Independent{})
	require.NoError(t, err)
	assert.Equal(t, sessions, v)

	_, err = p.ExecuteTool(ctx, "cdp.reload", nil, dispatch.Independent{})
	assert.ErrorIs(t, err, errorx.ErrSessionNotFound)
}

func TestCDP_EvaluateErrors(t *testing.T) {
	sender := &fakeSender{responses: map[string]string{
		"Runtime.evaluate": `{"result":{"type":"object"},"exceptionDetails":{"text":"Uncaught","exception":{"description":"ReferenceError: nope is not defined"}}}`,
		"Page.navigate":    `{"frameId":"F1","errorText":"net::ERR_NAME_NOT_RESOLVED"}`,
	}}
	p := NewCDP(sender, nil)
	ctx := context.Background()

	_, err := p.ExecuteTool(ctx, "cdp.evaluate", map[string]any{"expression": "nope"}, bound("S1"))
	assert.ErrorIs(t, err, errorx.ErrCommandRejected)
	assert.Contains(t, err.Error(), "ReferenceError")

	_, err = p.ExecuteTool(ctx, "cdp.navigate", map[string]any{"url": "http://nowhere.invalid"}, bound("S1"))
	assert.ErrorIs(t, err, errorx.ErrCommandRejected)

	_, err = p.ExecuteTool(ctx, "cdp.evaluate", map[string]any{}, bound("S1"))
	assert.ErrorIs(t, err, errorx.ErrValidation)
}

func TestState_SnapshotRoundTrip(t *testing.T) {
	sender := &fakeSender{responses: map[string]string{
		"Runtime.evaluate": `{"result":{"type":"object","value":{"user":"ana","cart":3}}}`,
	}}
	s := NewState(newStore(t).Namespace("state"), sender)
	ctx := context.Background()

	res, err := s.ExecuteTool(ctx, "state.snapshot", map[string]any{"label": "checkout"}, bound("S1"))
	require.NoError(t, err)
	snap := res.(Snapshot)
	assert.Equal(t, "checkout", snap.Label)
	assert.Equal(t, "S1", snap.SessionID)
	assert.Equal(t, defaultStateExpression, snap.Expression)
	assert.Equal(t, map[string]any{"user": "ana", "cart": float64(3)}, snap.Value)
	assert.JSONEq(t, `{"expression":`+mustJSON(t, defaultStateExpression)+`,"returnByValue":true,"awaitPromise":true}`,
		sender.last().params)

	data, err := s.ReadResource(ctx, StateSnapshotsURI)
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, snap.ID, data.([]any)[0].(Snapshot).ID)

	_, err = s.ExecuteTool(ctx, "state.snapshot", nil, dispatch.Independent{})
	assert.ErrorIs(t, err, errorx.ErrSessionNotFound)
}

type sessionList []cdp.Session

func (l sessionList) Sessions() []cdp.Session { return l }

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}
