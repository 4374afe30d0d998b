package cnst

const (
	// AppName is the name reported to assistants and used as the metrics namespace
	AppName = "curupira"
	// CommandName is the root command of the binary
	CommandName = "curupira"
)

// Endpoints of the assistant HTTP server
const (
	PathMCP         = "/mcp"
	PathWebSocket   = "/ws"
	PathHealthCheck = "/health_check"
)
