package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/drzln/curupira/internal/cdp/domain"
	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/dispatch"
	"github.com/drzln/curupira/internal/storage"

	"github.com/google/uuid"
)

const (
	StateSnapshotsURI = "state://snapshots"

	defaultStateExpression = `({url: location.href, title: document.title, readyState: document.readyState, ` +
		`localStorage: Object.fromEntries(Object.entries(localStorage))})`
)

// Snapshot is an application state capture taken from one session.
type Snapshot struct {
	ID         string    `json:"id"`
	Label      string    `json:"label,omitempty"`
	SessionID  string    `json:"sessionId"`
	Expression string    `json:"expression"`
	Value      any       `json:"value"`
	TakenAt    time.Time `json:"takenAt"`
}

// State takes and serves application state snapshots.
type State struct {
	store  *storage.Store
	sender domain.CommandSender
}

var (
	_ dispatch.ResourceProvider = (*State)(nil)
	_ dispatch.ToolProvider     = (*State)(nil)
)

// NewState creates the state provider. sender may be nil, which leaves only
// the stored snapshots readable.
func NewState(store *storage.Store, sender domain.CommandSender) *State {
	return &State{store: store, sender: sender}
}

func (s *State) Name() string { return "state" }

func (s *State) ListResources(context.Context) ([]dispatch.ResourceSpec, error) {
	return []dispatch.ResourceSpec{{
		URI:         StateSnapshotsURI,
		Name:        "State snapshots",
		Description: "Application state snapshots taken with state.snapshot",
		MIMEType:    "application/json",
	}}, nil
}

func (s *State) ReadResource(ctx context.Context, uri string) (any, error) {
	if uri != StateSnapshotsURI {
		return nil, errorx.ErrResourceNotFound.WithDetail("uri", uri)
	}
	values, err := s.store.Values(ctx, storage.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v.Data
	}
	return out, nil
}

func (s *State) ListTools(context.Context) ([]dispatch.ToolSpec, error) {
	return []dispatch.ToolSpec{{
		Name:        "state.snapshot",
		Description: "Evaluate an expression in a page and store the result as a state snapshot",
		InputSchema: json.RawMessage(`{"type":"object","properties":{` +
			`"expression":{"type":"string"},"label":{"type":"string"},"sessionId":{"type":"string"}}}`),
		Mode:    dispatch.SessionBound,
		Domains: []string{domain.Runtime},
	}}, nil
}

func (s *State) ExecuteTool(ctx context.Context, name string, args map[string]any, ec dispatch.ExecContext) (any, error) {
	if name != "state.snapshot" {
		return nil, errorx.ErrToolNotFound.WithDetail("tool", name)
	}
	b, ok := ec.(dispatch.Bound)
	if !ok || s.sender == nil {
		return nil, errorx.ErrSessionNotFound.WithMessage("state.snapshot needs a browser session")
	}

	expr, _ := args["expression"].(string)
	if expr == "" {
		expr = defaultStateExpression
	}
	label, _ := args["label"].(string)

	value, err := evaluate(ctx, s.sender, string(b.Session.ID), expr, true)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	snap := Snapshot{
		ID:         uuid.NewString(),
		Label:      label,
		SessionID:  string(b.Session.ID),
		Expression: expr,
		Value:      value,
		TakenAt:    now,
	}
	if err := s.store.Set(ctx, timeKey(now), snap, storage.WithMetadata(map[string]string{"id": snap.ID})); err != nil {
		return nil, err
	}
	return snap, nil
}
