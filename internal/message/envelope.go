package message

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type classifies an envelope.
type Type string

const (
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeEvent        Type = "event"
	TypeNotification Type = "notification"
)

// Envelope is an immutable message travelling between the bridge endpoints.
// The payload is copied on construction and on every read.
type Envelope struct {
	id        string
	typ       Type
	source    string
	target    string
	sessionID string
	payload   []byte
	createdAt time.Time
}

// Option customizes an envelope during construction.
type Option func(*Envelope)

// WithSessionID binds the envelope to a logical session.
func WithSessionID(id string) Option {
	return func(e *Envelope) {
		e.sessionID = id
	}
}

// WithID overrides the generated identifier, e.g. to reuse a request id.
func WithID(id string) Option {
	return func(e *Envelope) {
		e.id = id
	}
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) Option {
	return func(e *Envelope) {
		e.createdAt = t
	}
}

// NewEnvelope builds an envelope with a fresh unique id.
func NewEnvelope(typ Type, source, target string, payload []byte, opts ...Option) *Envelope {
	e := &Envelope{
		id:        uuid.NewString(),
		typ:       typ,
		source:    source,
		target:    target,
		payload:   bytes.Clone(payload),
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Envelope) ID() string           { return e.id }
func (e *Envelope) Type() Type           { return e.typ }
func (e *Envelope) Source() string       { return e.source }
func (e *Envelope) Target() string       { return e.target }
func (e *Envelope) SessionID() string    { return e.sessionID }
func (e *Envelope) CreatedAt() time.Time { return e.createdAt }

// Payload returns a copy of the payload bytes.
func (e *Envelope) Payload() []byte {
	return bytes.Clone(e.payload)
}

// MarshalJSON renders the envelope for logs and diagnostics.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string          `json:"id"`
		Type      Type            `json:"type"`
		Source    string          `json:"source"`
		Target    string          `json:"target"`
		SessionID string          `json:"sessionId,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		CreatedAt time.Time       `json:"createdAt"`
	}{
		ID:        e.id,
		Type:      e.typ,
		Source:    e.source,
		Target:    e.target,
		SessionID: e.sessionID,
		Payload:   rawOrString(e.payload),
		CreatedAt: e.createdAt,
	})
}

func rawOrString(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
