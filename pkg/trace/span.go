package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names, one per layer of the bridge
const (
	TracerServer   = "curupira/server"
	TracerDispatch = "curupira/dispatch"
	TracerCDP      = "curupira/cdp"
)

// Span names
const (
	SpanMCPMethodPrefix  = "mcp."
	SpanResourceRead     = "resources/read"
	SpanToolCall         = "tools/call"
	SpanCDPCommandPrefix = "cdp."
)

// Attribute keys
const (
	AttrMCPMethod     = attribute.Key("mcp.method")
	AttrMCPSessionID  = attribute.Key("mcp.session_id")
	AttrMCPErrorCode  = attribute.Key("mcp.error_code")
	AttrTransportType = attribute.Key("transport.type")
	AttrResourceURI   = attribute.Key("resource.uri")
	AttrToolName      = attribute.Key("tool.name")
	AttrCDPMethod     = attribute.Key("cdp.method")
	AttrCDPSession    = attribute.Key("cdp.session")
)

// Scope is a started span together with the context carrying it.
type Scope struct {
	Ctx  context.Context
	Span trace.Span
}

func start(ctx context.Context, tracer, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) *Scope {
	ctx, sp := otel.Tracer(tracer).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
	return &Scope{Ctx: ctx, Span: sp}
}

// StartMCP starts the server span of one assistant request.
func StartMCP(ctx context.Context, method, transport, sessionID string) *Scope {
	return start(ctx, TracerServer, SpanMCPMethodPrefix+method, trace.SpanKindServer,
		AttrMCPMethod.String(method),
		AttrTransportType.String(transport),
		AttrMCPSessionID.String(sessionID))
}

// StartResourceRead starts the span of one resource read.
func StartResourceRead(ctx context.Context, uri string) *Scope {
	return start(ctx, TracerDispatch, SpanResourceRead, trace.SpanKindInternal, AttrResourceURI.String(uri))
}

// StartToolCall starts the span of one tool execution.
func StartToolCall(ctx context.Context, name string) *Scope {
	return start(ctx, TracerDispatch, SpanToolCall, trace.SpanKindInternal, AttrToolName.String(name))
}

// StartCDPCommand starts the client span of one browser command.
func StartCDPCommand(ctx context.Context, method, sessionID string) *Scope {
	attrs := []attribute.KeyValue{AttrCDPMethod.String(method)}
	if sessionID != "" {
		attrs = append(attrs, AttrCDPSession.String(sessionID))
	}
	return start(ctx, TracerCDP, SpanCDPCommandPrefix+method, trace.SpanKindClient, attrs...)
}

// WithAttrs sets attributes on the span.
func (s *Scope) WithAttrs(attrs ...attribute.KeyValue) *Scope {
	if s != nil && s.Span != nil {
		s.Span.SetAttributes(attrs...)
	}
	return s
}

// Fail records err and marks the span failed. A nil err is ignored.
func (s *Scope) Fail(err error) {
	if s == nil || s.Span == nil || err == nil {
		return
	}
	s.Span.RecordError(err)
	s.Span.SetStatus(codes.Error, err.Error())
}

// FailCode marks the span failed with a JSON-RPC error code.
func (s *Scope) FailCode(code int, msg string) {
	if s == nil || s.Span == nil {
		return
	}
	s.Span.SetStatus(codes.Error, msg)
	s.Span.SetAttributes(AttrMCPErrorCode.Int(code))
}

func (s *Scope) End() {
	if s != nil && s.Span != nil {
		s.Span.End()
	}
}
