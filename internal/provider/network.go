package provider

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/drzln/curupira/internal/cdp"
	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/dispatch"
	"github.com/drzln/curupira/internal/storage"

	"github.com/chromedp/cdproto"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const NetworkRequestsURI = "network://requests"

// Network records request/response pairs keyed by request id.
type Network struct {
	logger *zap.Logger
	store  *storage.Store
	rec    *recorder
}

var (
	_ dispatch.ResourceProvider = (*Network)(nil)
	_ dispatch.ToolProvider     = (*Network)(nil)
)

// NewNetwork records network events from src into store.
func NewNetwork(logger *zap.Logger, store *storage.Store, src EventSource) *Network {
	n := &Network{
		logger: logger.Named("provider.network"),
		store:  store,
	}
	n.rec = newRecorder(n.logger, src, n.record,
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkResponseReceived,
		cdproto.EventNetworkLoadingFailed)
	return n
}

func (n *Network) Name() string { return "network" }

func (n *Network) record(ctx context.Context, ev cdp.Event) error {
	p := gjson.ParseBytes(ev.Params)
	id := p.Get("requestId").String()
	if id == "" {
		return nil
	}

	// a request and its response arrive as separate events, merge them
	return n.store.Transaction(ctx, func(tx *storage.Tx) error {
		rec := map[string]any{}
		if v, ok, err := tx.Get(ctx, id); err != nil {
			return err
		} else if ok {
			if m, ok := v.Data.(map[string]any); ok {
				rec = maps.Clone(m)
			}
		}

		rec["requestId"] = id
		if ev.SessionID != "" {
			rec["sessionId"] = string(ev.SessionID)
		}
		switch ev.Method {
		case cdproto.EventNetworkRequestWillBeSent:
			rec["url"] = p.Get("request.url").String()
			rec["method"] = p.Get("request.method").String()
			rec["type"] = p.Get("type").String()
			rec["startedAt"] = time.Now().UnixMilli()
			rec["status"] = "pending"
		case cdproto.EventNetworkResponseReceived:
			rec["status"] = "completed"
			rec["statusCode"] = p.Get("response.status").Int()
			rec["mimeType"] = p.Get("response.mimeType").String()
			if _, ok := rec["url"]; !ok {
				rec["url"] = p.Get("response.url").String()
			}
		case cdproto.EventNetworkLoadingFailed:
			rec["status"] = "failed"
			rec["errorText"] = p.Get("errorText").String()
			rec["canceled"] = p.Get("canceled").Bool()
		}
		tx.Set(id, rec)
		return nil
	})
}

func (n *Network) ListResources(context.Context) ([]dispatch.ResourceSpec, error) {
	return []dispatch.ResourceSpec{{
		URI:         NetworkRequestsURI,
		Name:        "Network requests",
		Description: "Requests issued by the attached pages with their responses",
		MIMEType:    "application/json",
	}}, nil
}

// ReadResource returns the recorded requests in the order they started.
func (n *Network) ReadResource(ctx context.Context, uri string) (any, error) {
	if uri != NetworkRequestsURI {
		return nil, errorx.ErrResourceNotFound.WithDetail("uri", uri)
	}
	values, err := n.store.Values(ctx, storage.ListOptions{})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(values, func(i, j int) bool {
		return fieldInt(values[i].Data, "startedAt") < fieldInt(values[j].Data, "startedAt")
	})
	if len(values) > defaultListSize {
		values = values[len(values)-defaultListSize:]
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v.Data
	}
	return out, nil
}

func (n *Network) ListTools(context.Context) ([]dispatch.ToolSpec, error) {
	return []dispatch.ToolSpec{{
		Name:        "network.clear",
		Description: "Delete every recorded network request",
		InputSchema: emptySchema,
		Mode:        dispatch.SessionIndependent,
	}}, nil
}

func (n *Network) ExecuteTool(ctx context.Context, name string, _ map[string]any, _ dispatch.ExecContext) (any, error) {
	if name != "network.clear" {
		return nil, errorx.ErrToolNotFound.WithDetail("tool", name)
	}
	return clearStore(ctx, n.store)
}

// Close stops recording.
func (n *Network) Close() {
	n.rec.close()
}
