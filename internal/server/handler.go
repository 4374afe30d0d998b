package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/drzln/curupira/internal/common/cnst"
	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/dispatch"
	"github.com/drzln/curupira/internal/mcp/session"
	"github.com/drzln/curupira/pkg/mcp"
	apptrace "github.com/drzln/curupira/pkg/trace"
	"github.com/drzln/curupira/pkg/version"

	"go.uber.org/zap"
)

var supportedVersions = []string{mcp.ProtocolVersion20250326, mcp.ProtocolVersion20241105}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// handleRequest executes one JSON-RPC message and returns the response to
// write back, or nil for notifications. It never panics.
func (s *Server) handleRequest(ctx context.Context, req mcp.JSONRPCRequest, meta *session.Meta) (resp any) {
	scope := apptrace.StartMCP(ctx, req.Method, meta.Transport, meta.ID)
	defer scope.End()

	start := time.Now()
	s.metrics.McpReqStart(req.Method)
	defer s.metrics.McpReqDone(req.Method, start)

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic while handling request",
				zap.String("method", req.Method),
				zap.Any("error", rec),
				zap.String("stack", string(debug.Stack())))
			resp = errorResponse(req, mcp.JSONRPCError{Code: mcp.ErrorCodeInternalError, Message: "internal error"})
		}
		if e, ok := resp.(mcp.JSONRPCErrorSchema); ok {
			scope.FailCode(e.Error.Code, e.Error.Message)
		}
	}()

	if req.JSONRPC != mcp.JSPNRPCVersion {
		return errorResponse(req, mcp.JSONRPCError{Code: mcp.ErrorCodeInvalidRequest, Message: "jsonrpc must be \"2.0\""})
	}
	ctx = scope.Ctx

	switch req.Method {
	case mcp.Initialize:
		var params mcp.InitializeRequestParams
		if err := decodeParams(req.Params, &params); err != nil {
			return invalidParams(req, "invalid initialize parameters: %v", err)
		}
		return result(req, initializeResult(params.ProtocolVersion))

	case mcp.NotificationInitialized, mcp.NotificationCancelled:
		return nil

	case mcp.Ping:
		return result(req, struct{}{})

	case mcp.ToolsList:
		specs := s.registry.ListTools(ctx)
		tools := make([]mcp.ToolSchema, 0, len(specs))
		for _, spec := range specs {
			schema := spec.InputSchema
			if len(schema) == 0 {
				schema = emptySchema
			}
			tools = append(tools, mcp.ToolSchema{Name: spec.Name, Description: spec.Description, InputSchema: schema})
		}
		return result(req, mcp.ListToolsResult{Tools: tools})

	case mcp.ToolsCall:
		var params mcp.CallToolParams
		if err := decodeParams(req.Params, &params); err != nil || params.Name == "" {
			return invalidParams(req, "invalid tool call parameters")
		}
		args := map[string]any{}
		if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
			if err := json.Unmarshal(params.Arguments, &args); err != nil {
				return invalidParams(req, "tool arguments must be an object: %v", err)
			}
		}
		res := s.registry.ExecuteTool(ctx, params.Name, args)
		if !res.Success {
			return result(req, mcp.NewTextResult(res.Error, true))
		}
		return result(req, mcp.NewTextResult(formatData(res.Data), false))

	case mcp.ResourcesList:
		specs := s.registry.ListResources(ctx)
		resources := make([]mcp.ResourceSchema, 0, len(specs))
		for _, spec := range specs {
			resources = append(resources, mcp.ResourceSchema{
				URI:         spec.URI,
				Name:        spec.Name,
				Description: spec.Description,
				MimeType:    spec.MIMEType,
			})
		}
		return result(req, mcp.ListResourcesResult{Resources: resources})

	case mcp.ResourcesRead:
		var params mcp.ReadResourceParams
		if err := decodeParams(req.Params, &params); err != nil || params.URI == "" {
			return invalidParams(req, "uri is required")
		}
		res := s.registry.ReadResource(ctx, params.URI)
		if !res.Success {
			return errorResponse(req, resultError(res))
		}
		return result(req, mcp.ReadResourceResult{Contents: []mcp.ResourceContents{resourceContents(params.URI, res.Data)}})

	case mcp.PromptsList:
		return result(req, mcp.ListPromptsResult{Prompts: []any{}})

	default:
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req, mcp.JSONRPCError{
			Code:    mcp.ErrorCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		})
	}
}

func initializeResult(requested string) mcp.InitializedResult {
	protocol := mcp.LatestProtocolVersion
	if slices.Contains(supportedVersions, requested) {
		protocol = requested
	}
	return mcp.InitializedResult{
		ProtocolVersion: protocol,
		Capabilities: mcp.ServerCapabilitiesSchema{
			Tools:     mcp.ToolsCapabilitySchema{ListChanged: true},
			Resources: mcp.ResourcesCapabilitySchema{ListChanged: true},
		},
		ServerInfo: mcp.ImplementationSchema{
			Name:    cnst.AppName,
			Version: version.Get(),
		},
		Instructions: "Inspect and drive the attached browser: read console://, network:// and state:// resources, call cdp.* tools.",
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func result(req mcp.JSONRPCRequest, v any) any {
	if req.IsNotification() {
		return nil
	}
	return mcp.NewResponse(req.Id, v)
}

func errorResponse(req mcp.JSONRPCRequest, e mcp.JSONRPCError) any {
	if req.IsNotification() {
		return nil
	}
	return mcp.NewErrorResponse(req.Id, e)
}

func invalidParams(req mcp.JSONRPCRequest, format string, args ...any) any {
	return errorResponse(req, mcp.JSONRPCError{
		Code:    mcp.ErrorCodeInvalidParams,
		Message: fmt.Sprintf(format, args...),
	})
}

// resultError maps an unsuccessful dispatch result onto a JSON-RPC error.
func resultError(res dispatch.Result) mcp.JSONRPCError {
	code := mcp.ErrorCodeInternalError
	switch res.Code {
	case errorx.ErrNoProvider.Code, errorx.ErrResourceNotFound.Code,
		errorx.ErrToolNotFound.Code, errorx.ErrValidation.Code:
		code = mcp.ErrorCodeInvalidParams
	case errorx.ErrRequestTimeout.Code:
		code = mcp.ErrorCodeRequestTimeout
	}
	return mcp.JSONRPCError{
		Code:    code,
		Message: res.Error,
		Data:    map[string]any{"code": res.Code},
	}
}

func resourceContents(uri string, data any) mcp.ResourceContents {
	if text, ok := data.(string); ok {
		return mcp.ResourceContents{URI: uri, MimeType: "text/plain", Text: text}
	}
	return mcp.ResourceContents{URI: uri, MimeType: "application/json", Text: formatData(data)}
}

// formatData renders a dispatch payload as the text shown to the assistant.
func formatData(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}
