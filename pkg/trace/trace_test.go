package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sr),
		sdktrace.WithResource(resource.Empty()),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func attrsOf(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), &Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracing_HTTPExporter(t *testing.T) {
	cfg := &Config{
		Enabled:     true,
		ServiceName: "curupira-test",
		Protocol:    ProtocolHTTP,
		Insecure:    true,
		SamplerRate: 2.5,
		Headers:     map[string]string{"x-test": "1"},
	}
	shutdown, err := InitTracing(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestConfig_Collector(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		protocol string
		endpoint string
	}{
		{"defaults to grpc", Config{}, ProtocolGRPC, defaultGRPCEndpoint},
		{"http default endpoint", Config{Protocol: ProtocolHTTP}, ProtocolHTTP, defaultHTTPEndpoint},
		{"unknown protocol", Config{Protocol: "udp", Endpoint: "otel:4317"}, ProtocolGRPC, "otel:4317"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			protocol, endpoint := tt.cfg.collector()
			assert.Equal(t, tt.protocol, protocol)
			assert.Equal(t, tt.endpoint, endpoint)
		})
	}
}

func TestConfig_SamplerRateClamped(t *testing.T) {
	assert.Equal(t, 0.0, (&Config{SamplerRate: -1}).samplerRate())
	assert.Equal(t, 0.25, (&Config{SamplerRate: 0.25}).samplerRate())
	assert.Equal(t, 1.0, (&Config{SamplerRate: 3}).samplerRate())
}

func TestStartMCP(t *testing.T) {
	sr := recordSpans(t)

	scope := StartMCP(context.Background(), "tools/call", "sse", "sess-1")
	scope.FailCode(-32601, "method not found")
	scope.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, SpanMCPMethodPrefix+"tools/call", s.Name())
	assert.Equal(t, trace.SpanKindServer, s.SpanKind())
	assert.Equal(t, codes.Error, s.Status().Code)

	attrs := attrsOf(s)
	assert.Equal(t, "tools/call", attrs[AttrMCPMethod].AsString())
	assert.Equal(t, "sse", attrs[AttrTransportType].AsString())
	assert.Equal(t, "sess-1", attrs[AttrMCPSessionID].AsString())
	assert.Equal(t, int64(-32601), attrs[AttrMCPErrorCode].AsInt64())
}

func TestStartCDPCommand_NestsUnderToolCall(t *testing.T) {
	sr := recordSpans(t)

	call := StartToolCall(context.Background(), "cdp.evaluate")
	cmd := StartCDPCommand(call.Ctx, "Runtime.evaluate", "S1")
	cmd.Fail(errors.New("target closed"))
	cmd.End()
	call.End()

	spans := sr.Ended()
	require.Len(t, spans, 2)
	child, parent := spans[0], spans[1]
	assert.Equal(t, SpanCDPCommandPrefix+"Runtime.evaluate", child.Name())
	assert.Equal(t, trace.SpanKindClient, child.SpanKind())
	assert.Equal(t, parent.SpanContext().SpanID(), child.Parent().SpanID())
	assert.Equal(t, codes.Error, child.Status().Code)
	assert.Equal(t, "S1", attrsOf(child)[AttrCDPSession].AsString())
	assert.Equal(t, "cdp.evaluate", attrsOf(parent)[AttrToolName].AsString())
	assert.Equal(t, codes.Unset, parent.Status().Code)
}

func TestScope_NilSafe(t *testing.T) {
	var s *Scope
	assert.NotPanics(t, func() {
		s.WithAttrs(AttrToolName.String("x"))
		s.Fail(errors.New("boom"))
		s.FailCode(1, "x")
		s.End()
	})
}

func TestStartResourceRead_IgnoresNilError(t *testing.T) {
	sr := recordSpans(t)

	scope := StartResourceRead(context.Background(), "console://logs")
	scope.Fail(nil)
	scope.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanResourceRead, spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "console://logs", attrsOf(spans[0])[AttrResourceURI].AsString())
}
