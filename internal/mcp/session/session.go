package session

import (
	"context"
	"time"
)

// Transport kinds an assistant can reach the bridge through
const (
	TransportHTTP  = "http"
	TransportWS    = "ws"
	TransportStdio = "stdio"
)

// Message is an outbound server-initiated message for an assistant session.
type Message struct {
	Event string `json:"event"` // "message" or "close"
	Data  []byte `json:"data"`
}

// Meta holds immutable metadata about an assistant session.
type Meta struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Transport       string    `json:"transport"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	ClientName      string    `json:"client_name,omitempty"`
	ClientVersion   string    `json:"client_version,omitempty"`
	RemoteAddr      string    `json:"remote_addr,omitempty"`
}

// Connection is a registered assistant session able to receive messages.
type Connection interface {
	// EventQueue returns the channel outbound messages are published on.
	EventQueue() <-chan *Message

	// Send pushes a message to the session.
	Send(ctx context.Context, msg *Message) error

	// Close terminates the session.
	Close(ctx context.Context) error

	// Meta returns the session metadata.
	Meta() *Meta
}

// Store manages the lifecycle and lookup of assistant sessions.
type Store interface {
	Register(ctx context.Context, meta *Meta) (Connection, error)
	Get(ctx context.Context, id string) (Connection, error)
	Unregister(ctx context.Context, id string) error
	List(ctx context.Context) ([]Connection, error)
	Close() error
}
