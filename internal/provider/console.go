package provider

import (
	"context"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/drzln/curupira/internal/cdp"
	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/dispatch"
	"github.com/drzln/curupira/internal/storage"

	"github.com/chromedp/cdproto"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const ConsoleLogsURI = "console://logs"

// ConsoleEntry is one recorded console message or log entry.
type ConsoleEntry struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	URL       string    `json:"url,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Console records console output of every session and serves it as a resource.
type Console struct {
	logger *zap.Logger
	store  *storage.Store
	rec    *recorder
}

var (
	_ dispatch.ResourceProvider = (*Console)(nil)
	_ dispatch.ToolProvider     = (*Console)(nil)
)

// NewConsole records console events from src into store. src may be nil
// when no browser is attached.
func NewConsole(logger *zap.Logger, store *storage.Store, src EventSource) *Console {
	c := &Console{
		logger: logger.Named("provider.console"),
		store:  store,
	}
	c.rec = newRecorder(c.logger, src, c.record,
		cdproto.EventRuntimeConsoleAPICalled,
		cdproto.EventLogEntryAdded)
	return c
}

func (c *Console) Name() string { return "console" }

func (c *Console) record(ctx context.Context, ev cdp.Event) error {
	entry, ok := parseConsoleEvent(ev)
	if !ok {
		return nil
	}
	return c.store.Set(ctx, timeKey(entry.Timestamp), entry)
}

func parseConsoleEvent(ev cdp.Event) (ConsoleEntry, bool) {
	p := gjson.ParseBytes(ev.Params)
	entry := ConsoleEntry{SessionID: string(ev.SessionID)}

	switch ev.Method {
	case cdproto.EventRuntimeConsoleAPICalled:
		entry.Level = p.Get("type").String()
		entry.Source = "console-api"
		var parts []string
		p.Get("args").ForEach(func(_, arg gjson.Result) bool {
			switch {
			case arg.Get("value").Exists():
				parts = append(parts, arg.Get("value").String())
			case arg.Get("description").Exists():
				parts = append(parts, arg.Get("description").String())
			default:
				parts = append(parts, arg.Get("type").String())
			}
			return true
		})
		entry.Text = strings.Join(parts, " ")
		entry.URL = p.Get("stackTrace.callFrames.0.url").String()
		entry.Timestamp = epochMillis(p.Get("timestamp").Float())
	case cdproto.EventLogEntryAdded:
		e := p.Get("entry")
		entry.Level = e.Get("level").String()
		entry.Text = e.Get("text").String()
		entry.Source = e.Get("source").String()
		entry.URL = e.Get("url").String()
		entry.Timestamp = epochMillis(e.Get("timestamp").Float())
	default:
		return ConsoleEntry{}, false
	}
	return entry, true
}

func epochMillis(ms float64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(int64(ms))
}

func (c *Console) ListResources(context.Context) ([]dispatch.ResourceSpec, error) {
	return []dispatch.ResourceSpec{{
		URI:         ConsoleLogsURI,
		Name:        "Console logs",
		Description: "Console messages and log entries of the attached pages. Supports ?level= and ?limit=.",
		MIMEType:    "application/json",
	}}, nil
}

// ReadResource returns the most recent console entries, oldest first.
func (c *Console) ReadResource(ctx context.Context, uri string) (any, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme+"://"+u.Host+u.Path != ConsoleLogsURI {
		return nil, errorx.ErrResourceNotFound.WithDetail("uri", uri)
	}
	level := u.Query().Get("level")
	limit := defaultListSize
	if s := u.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			return nil, errorx.ErrValidation.WithMessage("invalid limit %q", s)
		}
	}

	values, err := c.store.Values(ctx, storage.ListOptions{Sort: storage.SortDesc})
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, min(limit, len(values)))
	for _, v := range values {
		if len(out) == limit {
			break
		}
		if level != "" && fieldString(v.Data, "level") != level {
			continue
		}
		out = append(out, v.Data)
	}
	slices.Reverse(out)
	return out, nil
}

func (c *Console) ListTools(context.Context) ([]dispatch.ToolSpec, error) {
	return []dispatch.ToolSpec{{
		Name:        "console.clear",
		Description: "Delete every recorded console entry",
		InputSchema: emptySchema,
		Mode:        dispatch.SessionIndependent,
	}}, nil
}

func (c *Console) ExecuteTool(ctx context.Context, name string, _ map[string]any, _ dispatch.ExecContext) (any, error) {
	if name != "console.clear" {
		return nil, errorx.ErrToolNotFound.WithDetail("tool", name)
	}
	return clearStore(ctx, c.store)
}

// Close stops recording.
func (c *Console) Close() {
	c.rec.close()
}
