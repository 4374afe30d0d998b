package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

func TestMCPServer_ExposesRegistry(t *testing.T) {
	ctx := context.Background()
	srv := NewMCPServer(ctx, zap.NewNop(), newTestRegistry())

	call := func(msg string) string {
		t.Helper()
		resp := srv.HandleMessage(ctx, json.RawMessage(msg))
		b, err := json.Marshal(resp)
		require.NoError(t, err)
		return string(b)
	}

	resp := call(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"t","version":"1"},"capabilities":{}}}`)
	assert.Equal(t, "curupira", gjson.Get(resp, "result.serverInfo.name").String())

	resp = call(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.ElementsMatch(t, []any{"echo.say", "echo.fail"}, gjson.Get(resp, "result.tools.#.name").Value())

	resp = call(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo.say","arguments":{"text":"stdio"}}}`)
	assert.Equal(t, "stdio", gjson.Get(resp, "result.content.0.text").String())

	resp = call(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo.fail","arguments":{}}}`)
	assert.True(t, gjson.Get(resp, "result.isError").Bool())

	resp = call(`{"jsonrpc":"2.0","id":5,"method":"resources/read","params":{"uri":"notes://motd"}}`)
	assert.Equal(t, "hello", gjson.Get(resp, "result.contents.0.text").String())
}

func TestToolArgs(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want map[string]any
		err  bool
	}{
		{"nil", nil, map[string]any{}, false},
		{"map", map[string]any{"a": 1}, map[string]any{"a": 1}, false},
		{"raw", json.RawMessage(`{"a":"b"}`), map[string]any{"a": "b"}, false},
		{"raw null", json.RawMessage(`null`), map[string]any{}, false},
		{"array", []any{1}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toolArgs(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatData(t *testing.T) {
	assert.Equal(t, "", formatData(nil))
	assert.Equal(t, "plain", formatData("plain"))
	assert.Equal(t, "{\n  \"a\": 1\n}", formatData(map[string]int{"a": 1}))
}
