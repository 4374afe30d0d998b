package dispatch

import (
	"context"
	"encoding/json"

	"github.com/drzln/curupira/internal/cdp"
)

// Mode tells the registry whether a tool needs a live browser session.
type Mode int

const (
	SessionIndependent Mode = iota
	SessionBound
)

func (m Mode) String() string {
	if m == SessionBound {
		return "session-bound"
	}
	return "session-independent"
}

// ExecContext is handed to a tool provider: Independent for tools that need
// no browser, Bound for tools that run against one session.
type ExecContext interface {
	execContext()
}

// Independent is the execution context of a session independent tool.
type Independent struct{}

// Bound is the execution context of a session bound tool. The listed
// domains are enabled on Session before the tool runs.
type Bound struct {
	Session cdp.Session
	Domains []string
}

func (Independent) execContext() {}
func (Bound) execContext()       {}

// ResourceSpec describes one readable resource.
type ResourceSpec struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ToolSpec describes one callable tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Mode        Mode            `json:"-"`
	// Domains must be enabled on the session before a bound tool runs.
	Domains []string `json:"-"`
}

// ResourceProvider serves the resources under one provider key.
type ResourceProvider interface {
	Name() string
	ListResources(ctx context.Context) ([]ResourceSpec, error)
	ReadResource(ctx context.Context, uri string) (any, error)
}

// ToolProvider serves the tools under one provider key.
type ToolProvider interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolSpec, error)
	ExecuteTool(ctx context.Context, name string, args map[string]any, ec ExecContext) (any, error)
}

// SessionResolver resolves browser sessions for bound tools.
type SessionResolver interface {
	ResolveSession(id string) (cdp.Session, error)
	EnableDomains(ctx context.Context, names []string, sessionID string) error
}

// Result is the uniform outcome of a read or an execution.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Code is the stable error code of a failed result.
	Code string `json:"code,omitempty"`
}
