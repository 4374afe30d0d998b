package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/drzln/curupira/internal/cdp"
	"github.com/drzln/curupira/internal/common/config"
	"github.com/drzln/curupira/internal/provider"
	"github.com/drzln/curupira/internal/storage"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type eventFeed struct {
	mu   sync.Mutex
	subs map[cdproto.MethodType][]func(cdp.Event)
}

func (f *eventFeed) Subscribe(method cdproto.MethodType, h func(cdp.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[cdproto.MethodType][]func(cdp.Event))
	}
	f.subs[method] = append(f.subs[method], h)
	return func() {}
}

func (f *eventFeed) emit(method cdproto.MethodType, params string) {
	f.mu.Lock()
	hs := append([]func(cdp.Event){}, f.subs[method]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(cdp.Event{Method: method, SessionID: target.SessionID("S1"), Params: json.RawMessage(params)})
	}
}

func testConfig() *config.BridgeConfig {
	cfg := &config.BridgeConfig{}
	cfg.Storage.Type = "memory"
	cfg.Browser.Endpoint = "http://127.0.0.1:1"
	cfg.ApplyDefaults()
	cfg.Pool.ConnectTimeout = time.Second
	cfg.Browser.CommandTimeout = time.Second
	return cfg
}

func resourceCount(a *app, uri string) int64 {
	res := a.registry.ReadResource(context.Background(), uri)
	if !res.Success {
		return -1
	}
	raw, err := json.Marshal(res.Data)
	if err != nil {
		return -1
	}
	return gjson.GetBytes(raw, "#").Int()
}

func TestNewApp_WithoutBrowser(t *testing.T) {
	a, err := newApp(context.Background(), zap.NewNop(), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	assert.Nil(t, a.browser)
	for _, name := range []string{"console.clear", "network.clear"} {
		res := a.registry.ExecuteTool(context.Background(), name, map[string]any{})
		assert.True(t, res.Success, "%s: %s", name, res.Error)
	}

	var uris []string
	for _, r := range a.registry.ListResources(context.Background()) {
		uris = append(uris, r.URI)
	}
	assert.Subset(t, uris, []string{provider.ConsoleLogsURI, provider.NetworkRequestsURI})
}

func TestApp_ProvidersKeepSeparateNamespaces(t *testing.T) {
	cfg := testConfig()
	store, err := storage.New(context.Background(), zap.NewNop(), &cfg.Storage, nil)
	require.NoError(t, err)

	a := &app{logger: zap.NewNop(), store: store}
	feed := &eventFeed{}
	a.registerProviders(feed, nil, nil, nil)
	t.Cleanup(func() {
		a.console.Close()
		a.network.Close()
		_ = store.Close()
	})

	feed.emit(cdproto.EventNetworkRequestWillBeSent,
		`{"requestId":"R1","request":{"url":"https://example.com/","method":"GET"},"type":"Document"}`)
	feed.emit(cdproto.EventRuntimeConsoleAPICalled,
		`{"type":"log","args":[{"type":"string","value":"hello"}],"timestamp":1700000000000}`)

	require.Eventually(t, func() bool {
		return resourceCount(a, provider.ConsoleLogsURI) == 1 &&
			resourceCount(a, provider.NetworkRequestsURI) == 1
	}, 2*time.Second, 10*time.Millisecond)

	res := a.registry.ReadResource(context.Background(), provider.ConsoleLogsURI)
	raw, err := json.Marshal(res.Data)
	require.NoError(t, err)
	assert.Equal(t, "hello", gjson.GetBytes(raw, "0.text").String())
	assert.False(t, gjson.GetBytes(raw, "0.requestId").Exists())

	res = a.registry.ExecuteTool(context.Background(), "console.clear", map[string]any{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(0), resourceCount(a, provider.ConsoleLogsURI))
	assert.Equal(t, int64(1), resourceCount(a, provider.NetworkRequestsURI))

	res = a.registry.ExecuteTool(context.Background(), "network.clear", map[string]any{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(0), resourceCount(a, provider.NetworkRequestsURI))
}
