package pool

import (
	"maps"
	"time"

	"github.com/drzln/curupira/internal/common/config"
)

// State is the lifecycle state of a pooled connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// ReconnectPolicy bounds reconnect attempts. Delays grow from InitialDelay by
// BackoffFactor up to MaxDelay, without jitter.
type ReconnectPolicy struct {
	// MaxAttempts is the number of consecutive failed connects tolerated
	// before the connection enters the error state. Values below 1 mean 1.
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// ConnectionConfig configures one pooled connection.
type ConnectionConfig struct {
	URL                 string
	Reconnect           ReconnectPolicy
	ConnectTimeout      time.Duration
	SendTimeout         time.Duration
	HealthCheckInterval time.Duration // 0 disables health checks
	HealthCheckTimeout  time.Duration
	MessageQueueSize    int
	Metadata            map[string]string
}

// NewConnectionConfig builds a connection configuration from the pool section
// of the bridge configuration.
func NewConnectionConfig(cfg config.PoolConfig, url string) ConnectionConfig {
	return ConnectionConfig{
		URL: url,
		Reconnect: ReconnectPolicy{
			MaxAttempts:   cfg.Reconnect.MaxAttempts,
			InitialDelay:  cfg.Reconnect.InitialDelay,
			MaxDelay:      cfg.Reconnect.MaxDelay,
			BackoffFactor: cfg.Reconnect.BackoffFactor,
		},
		ConnectTimeout:      cfg.ConnectTimeout,
		SendTimeout:         cfg.SendTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
		HealthCheckTimeout:  cfg.HealthCheckTimeout,
		MessageQueueSize:    cfg.MessageQueueSize,
	}
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.Reconnect.MaxAttempts < 1 {
		c.Reconnect.MaxAttempts = 1
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = config.DefaultInitialDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = config.DefaultMaxDelay
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		c.Reconnect.MaxDelay = c.Reconnect.InitialDelay
	}
	if c.Reconnect.BackoffFactor < 1 {
		c.Reconnect.BackoffFactor = config.DefaultBackoffFactor
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = config.DefaultConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = config.DefaultSendTimeout
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = config.DefaultHealthCheckTimeout
	}
	if c.MessageQueueSize <= 0 {
		c.MessageQueueSize = config.DefaultMessageQueueSize
	}
	if c.Metadata != nil {
		c.Metadata = maps.Clone(c.Metadata)
	}
	return c
}

// ConnectionInfo is a snapshot of a connection record.
type ConnectionInfo struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	State        State             `json:"state"`
	RegisteredAt time.Time         `json:"registeredAt"`
	ConnectedAt  time.Time         `json:"connectedAt,omitempty"`
	LastActivity time.Time         `json:"lastActivity"`
	LastError    string            `json:"lastError,omitempty"`
	Attempts     int               `json:"attempts"`
	QueueDepth   int               `json:"queueDepth"`
	Dropped      int64             `json:"dropped"`
	Sent         int64             `json:"sent"`
	Received     int64             `json:"received"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Stats aggregates every connection of a pool.
type Stats struct {
	Total    int           `json:"total"`
	ByState  map[State]int `json:"byState"`
	Queued   int           `json:"queued"`
	Dropped  int64         `json:"dropped"`
	Sent     int64         `json:"sent"`
	Received int64         `json:"received"`
}

// StateChange is published whenever a connection changes state.
type StateChange struct {
	ID   string
	From State
	To   State
	Err  error
	At   time.Time
}

// Inbound is a message received on a pooled connection.
type Inbound struct {
	ConnectionID string
	Data         []byte
}

// Outcome reports what happened to one send.
type Outcome struct {
	ConnectionID string
	Sent         bool
	Queued       bool
	Err          error
}

// OK reports whether the message was sent or queued for delivery.
func (o Outcome) OK() bool {
	return o.Err == nil && (o.Sent || o.Queued)
}
