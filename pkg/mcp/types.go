package mcp

import "encoding/json"

type (
	JSONRPCBaseResult struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
	}

	// JSONRPCRequest represents a JSON-RPC request that expects a response.
	// A request without an id is a notification.
	JSONRPCRequest struct {
		// JSONRPC version, must be "2.0"
		JSONRPC string `json:"jsonrpc"`
		// A uniquely identifying ID for a request in JSON-RPC
		Id any `json:"id,omitempty"`
		// The method to be invoked
		Method string `json:"method"`
		// The parameters to be passed to the method
		Params json.RawMessage `json:"params,omitempty"`
	}

	// JSONRPCResponse represents a JSON-RPC response
	JSONRPCResponse struct {
		JSONRPCBaseResult
		Result any `json:"result"`
	}

	// JSONRPCErrorSchema represents a JSON-RPC error response
	JSONRPCErrorSchema struct {
		JSONRPCBaseResult
		Error JSONRPCError `json:"error"`
	}

	// JSONRPCError represents an error in a JSON-RPC response
	JSONRPCError struct {
		// The error type that occurred
		Code int `json:"code"`
		// A short description of the error
		Message string `json:"message"`
		// Additional information about the error
		Data any `json:"data,omitempty"`
	}

	// JSONRPCNotification represents a JSON-RPC notification
	JSONRPCNotification struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	// ToolSchema represents a tool definition
	ToolSchema struct {
		// The name of the tool
		Name string `json:"name"`
		// A human-readable description of the tool
		Description string `json:"description"`
		// A JSON Schema object defining the expected parameters for the tool
		InputSchema json.RawMessage `json:"inputSchema"`
	}

	// ListToolsResult represents the result of a tools/list request
	ListToolsResult struct {
		Tools []ToolSchema `json:"tools"`
	}

	// CallToolParams represents parameters for a tools/call request
	CallToolParams struct {
		// The name of the tool to call
		Name string `json:"name"`
		// The arguments to pass to the tool
		Arguments json.RawMessage `json:"arguments"`
	}

	// TextContent represents a text content item
	TextContent struct {
		// Must be "text"
		Type string `json:"type"`
		// The text content
		Text string `json:"text"`
	}

	// CallToolResult represents the result of a tools/call request
	CallToolResult struct {
		Content []TextContent `json:"content"`
		IsError bool          `json:"isError"`
	}

	// ResourceSchema describes a readable resource
	ResourceSchema struct {
		URI         string `json:"uri"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		MimeType    string `json:"mimeType,omitempty"`
	}

	// ListResourcesResult represents the result of a resources/list request
	ListResourcesResult struct {
		Resources []ResourceSchema `json:"resources"`
	}

	// ReadResourceParams represents parameters for a resources/read request
	ReadResourceParams struct {
		URI string `json:"uri"`
	}

	// ResourceContents is a single text body of a resource
	ResourceContents struct {
		URI      string `json:"uri"`
		MimeType string `json:"mimeType,omitempty"`
		Text     string `json:"text"`
	}

	// ReadResourceResult represents the result of a resources/read request
	ReadResourceResult struct {
		Contents []ResourceContents `json:"contents"`
	}

	// ListPromptsResult represents the result of a prompts/list request
	ListPromptsResult struct {
		Prompts []any `json:"prompts"`
	}

	// ImplementationSchema describes the name and version of an MCP implementation
	ImplementationSchema struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	// InitializeRequestParams represents parameters for initialize request
	InitializeRequestParams struct {
		// The latest version of the Model Context Protocol that the client supports
		ProtocolVersion string `json:"protocolVersion"`
		// Client capabilities
		Capabilities map[string]any `json:"capabilities"`
		// Client implementation information
		ClientInfo ImplementationSchema `json:"clientInfo"`
	}

	// ServerCapabilitiesSchema represents capabilities a server may support
	ServerCapabilitiesSchema struct {
		Logging   struct{}                  `json:"logging"`
		Prompts   PromptsCapabilitySchema   `json:"prompts"`
		Resources ResourcesCapabilitySchema `json:"resources"`
		Tools     ToolsCapabilitySchema     `json:"tools"`
	}

	// PromptsCapabilitySchema represents prompts-related capabilities
	PromptsCapabilitySchema struct {
		ListChanged bool `json:"listChanged"`
	}

	// ResourcesCapabilitySchema represents resources-related capabilities
	ResourcesCapabilitySchema struct {
		Subscribe   bool `json:"subscribe"`
		ListChanged bool `json:"listChanged"`
	}

	// ToolsCapabilitySchema represents tools-related capabilities
	ToolsCapabilitySchema struct {
		ListChanged bool `json:"listChanged"`
	}

	// InitializedResult is the result of an initialize request
	InitializedResult struct {
		// The version of the Model Context Protocol that the server wants to use
		ProtocolVersion string `json:"protocolVersion"`
		// Server capabilities
		Capabilities ServerCapabilitiesSchema `json:"capabilities"`
		// Server implementation information
		ServerInfo ImplementationSchema `json:"serverInfo"`
		// Instructions describing how to use the server and its features
		Instructions string `json:"instructions,omitempty"`
	}
)

// IsNotification reports whether the request carries no id
func (r JSONRPCRequest) IsNotification() bool {
	return r.Id == nil
}

// NewResponse builds a successful response for id
func NewResponse(id any, result any) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPCBaseResult: JSONRPCBaseResult{JSONRPC: JSPNRPCVersion, ID: id},
		Result:            result,
	}
}

// NewErrorResponse builds an error response for id
func NewErrorResponse(id any, e JSONRPCError) JSONRPCErrorSchema {
	return JSONRPCErrorSchema{
		JSONRPCBaseResult: JSONRPCBaseResult{JSONRPC: JSPNRPCVersion, ID: id},
		Error:             e,
	}
}

// NewTextResult wraps text into a tool call result
func NewTextResult(text string, isError bool) CallToolResult {
	return CallToolResult{
		Content: []TextContent{{Type: "text", Text: text}},
		IsError: isError,
	}
}
