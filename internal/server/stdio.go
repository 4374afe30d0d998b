package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/drzln/curupira/internal/common/cnst"
	"github.com/drzln/curupira/internal/dispatch"
	"github.com/drzln/curupira/pkg/version"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// NewMCPServer exposes the tools and resources of registry through an
// mcp-go server, used for the stdio transport.
func NewMCPServer(ctx context.Context, logger *zap.Logger, registry *dispatch.Registry) *mcpserver.MCPServer {
	logger = logger.Named("server.stdio")
	srv := mcpserver.NewMCPServer(cnst.AppName, version.Get(),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
	)

	for _, spec := range registry.ListTools(ctx) {
		schema := spec.InputSchema
		if len(schema) == 0 {
			schema = emptySchema
		}
		srv.AddTool(mcpgo.NewToolWithRawSchema(spec.Name, spec.Description, schema), toolHandler(registry, spec.Name))
	}
	for _, spec := range registry.ListResources(ctx) {
		opts := []mcpgo.ResourceOption{mcpgo.WithResourceDescription(spec.Description)}
		if spec.MIMEType != "" {
			opts = append(opts, mcpgo.WithMIMEType(spec.MIMEType))
		}
		srv.AddResource(mcpgo.NewResource(spec.URI, spec.Name, opts...), resourceHandler(registry))
	}
	logger.Debug("stdio server ready")
	return srv
}

// ServeStdio serves srv on in/out until ctx is done or in is closed.
func ServeStdio(ctx context.Context, logger *zap.Logger, srv *mcpserver.MCPServer, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(srv)
	stdio.SetErrorLogger(zap.NewStdLog(logger.Named("server.stdio")))
	return stdio.Listen(ctx, in, out)
}

func toolHandler(registry *dispatch.Registry, name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		args, err := toolArgs(req.Params.Arguments)
		if err != nil {
			return mcpgo.NewToolResultError(err.Error()), nil
		}
		res := registry.ExecuteTool(ctx, name, args)
		if !res.Success {
			return mcpgo.NewToolResultError(res.Error), nil
		}
		return mcpgo.NewToolResultText(formatData(res.Data)), nil
	}
}

func resourceHandler(registry *dispatch.Registry) mcpserver.ResourceHandlerFunc {
	return func(ctx context.Context, req mcpgo.ReadResourceRequest) ([]mcpgo.ResourceContents, error) {
		uri := req.Params.URI
		res := registry.ReadResource(ctx, uri)
		if !res.Success {
			return nil, fmt.Errorf("%s: %s", res.Code, res.Error)
		}
		c := resourceContents(uri, res.Data)
		return []mcpgo.ResourceContents{mcpgo.TextResourceContents{
			URI:      c.URI,
			MIMEType: c.MimeType,
			Text:     c.Text,
		}}, nil
	}
}

// toolArgs normalizes the decoded arguments of a tool call to an object.
func toolArgs(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case json.RawMessage:
		return decodeArgs(v)
	case []byte:
		return decodeArgs(v)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return decodeArgs(b)
}

func decodeArgs(b []byte) (map[string]any, error) {
	args := map[string]any{}
	if len(b) == 0 || string(b) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(b, &args); err != nil {
		return nil, fmt.Errorf("tool arguments must be an object: %w", err)
	}
	return args, nil
}
