package errorx

// Connection errors
var (
	ErrConnectionRefused    = New("CONNECTION_REFUSED", CategoryConnection, "connection refused")
	ErrConnectionTimeout    = New("CONNECTION_TIMEOUT", CategoryTimeout, "connection timed out")
	ErrNotConnected         = New("NOT_CONNECTED", CategoryConnection, "connection is not established")
	ErrConnectionFailed     = New("CONNECTION_FAILED", CategoryConnection, "connection failed after exhausting reconnect attempts")
	ErrConnectionNotFound   = New("CONNECTION_NOT_FOUND", CategoryNotFound, "connection not found")
	ErrNoEligibleConnection = New("NO_ELIGIBLE_CONNECTION", CategoryConnection, "no eligible connection")
	ErrPoolFull             = New("POOL_FULL", CategoryConnection, "connection pool is full")
	ErrPoolClosed           = New("POOL_CLOSED", CategoryConnection, "connection pool is closed")
)

// Session errors
var (
	ErrSessionNotFound = New("SESSION_NOT_FOUND", CategorySession, "session not found")
	ErrSessionClosed   = New("SESSION_CLOSED", CategorySession, "session closed")
	ErrInvalidTarget   = New("INVALID_TARGET", CategorySession, "invalid target")
)

// Protocol errors
var (
	ErrProtocol        = New("PROTOCOL_ERROR", CategoryProtocol, "malformed protocol message")
	ErrCommandRejected = New("COMMAND_REJECTED", CategoryProtocol, "command rejected by browser")
	ErrUnknownDomain   = New("UNKNOWN_DOMAIN", CategoryProtocol, "unknown domain")
	ErrRequestTimeout  = New("REQUEST_TIMEOUT", CategoryTimeout, "request timed out")
	ErrQueueFull       = New("QUEUE_FULL", CategoryProtocol, "message queue is full")
)

// Dispatch errors
var (
	ErrValidation       = New("VALIDATION_ERROR", CategoryValidation, "invalid arguments")
	ErrNoProvider       = New("NO_PROVIDER", CategoryNotFound, "no provider")
	ErrToolNotFound     = New("TOOL_NOT_FOUND", CategoryNotFound, "tool not found")
	ErrResourceNotFound = New("RESOURCE_NOT_FOUND", CategoryNotFound, "resource not found")
)

// ErrInternal is the fallback for anything unexpected
var ErrInternal = New("INTERNAL_ERROR", CategoryInternal, "internal error")
