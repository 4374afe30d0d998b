package provider

import (
	"context"
	"encoding/json"

	"github.com/drzln/curupira/internal/cdp"
	"github.com/drzln/curupira/internal/cdp/domain"
	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/internal/dispatch"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/tidwall/gjson"
)

// SessionLister lists browser sessions. *cdp.Manager implements it.
type SessionLister interface {
	Sessions() []cdp.Session
}

// CDP exposes direct automation-protocol tools.
type CDP struct {
	sender   domain.CommandSender
	sessions SessionLister
}

var _ dispatch.ToolProvider = (*CDP)(nil)

// NewCDP creates the cdp tool provider.
func NewCDP(sender domain.CommandSender, sessions SessionLister) *CDP {
	return &CDP{sender: sender, sessions: sessions}
}

func (p *CDP) Name() string { return "cdp" }

var cdpTools = []dispatch.ToolSpec{
	{
		Name:        "cdp.evaluate",
		Description: "Evaluate a JavaScript expression in a page and return its value",
		InputSchema: json.RawMessage(`{"type":"object","properties":{` +
			`"expression":{"type":"string"},"awaitPromise":{"type":"boolean"},"sessionId":{"type":"string"}},` +
			`"required":["expression"]}`),
		Mode:    dispatch.SessionBound,
		Domains: []string{domain.Runtime},
	},
	{
		Name:        "cdp.navigate",
		Description: "Navigate a page to a URL",
		InputSchema: json.RawMessage(`{"type":"object","properties":{` +
			`"url":{"type":"string"},"sessionId":{"type":"string"}},"required":["url"]}`),
		Mode:    dispatch.SessionBound,
		Domains: []string{domain.Page},
	},
	{
		Name:        "cdp.reload",
		Description: "Reload a page",
		InputSchema: json.RawMessage(`{"type":"object","properties":{` +
			`"ignoreCache":{"type":"boolean"},"sessionId":{"type":"string"}}}`),
		Mode:    dispatch.SessionBound,
		Domains: []string{domain.Page},
	},
	{
		Name:        "cdp.sessions",
		Description: "List the attached browser sessions",
		InputSchema: emptySchema,
		Mode:        dispatch.SessionIndependent,
	},
}

func (p *CDP) ListTools(context.Context) ([]dispatch.ToolSpec, error) {
	return cdpTools, nil
}

func (p *CDP) ExecuteTool(ctx context.Context, name string, args map[string]any, ec dispatch.ExecContext) (any, error) {
	if name == "cdp.sessions" {
		if p.sessions == nil {
			return []cdp.Session{}, nil
		}
		return p.sessions.Sessions(), nil
	}

	b, ok := ec.(dispatch.Bound)
	if !ok {
		return nil, errorx.ErrSessionNotFound.WithMessage("%s needs a browser session", name)
	}
	sid := string(b.Session.ID)

	switch name {
	case "cdp.evaluate":
		expr, _ := args["expression"].(string)
		await, _ := args["awaitPromise"].(bool)
		return evaluate(ctx, p.sender, sid, expr, await)
	case "cdp.navigate":
		url, _ := args["url"].(string)
		if url == "" {
			return nil, errorx.ErrValidation.WithMessage("url must not be empty")
		}
		raw, err := p.sender.Send(ctx, string(cdproto.CommandPageNavigate), page.Navigate(url), sid)
		if err != nil {
			return nil, err
		}
		res := gjson.ParseBytes(raw)
		if text := res.Get("errorText").String(); text != "" {
			return nil, errorx.ErrCommandRejected.WithMessage("navigation failed: %s", text).WithDetail("url", url)
		}
		return map[string]string{
			"frameId":  res.Get("frameId").String(),
			"loaderId": res.Get("loaderId").String(),
			"url":      url,
		}, nil
	case "cdp.reload":
		ignore, _ := args["ignoreCache"].(bool)
		if _, err := p.sender.Send(ctx, string(cdproto.CommandPageReload), page.Reload().WithIgnoreCache(ignore), sid); err != nil {
			return nil, err
		}
		return map[string]bool{"reloaded": true}, nil
	default:
		return nil, errorx.ErrToolNotFound.WithDetail("tool", name)
	}
}

// evaluate runs expr in a session and returns its value by value.
func evaluate(ctx context.Context, sender domain.CommandSender, sessionID, expr string, await bool) (any, error) {
	if expr == "" {
		return nil, errorx.ErrValidation.WithMessage("expression must not be empty")
	}
	params := runtime.Evaluate(expr).
		WithReturnByValue(true).
		WithAwaitPromise(await)
	raw, err := sender.Send(ctx, string(cdproto.CommandRuntimeEvaluate), params, sessionID)
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(raw)
	if ex := res.Get("exceptionDetails"); ex.Exists() {
		msg := ex.Get("exception.description").String()
		if msg == "" {
			msg = ex.Get("text").String()
		}
		return nil, errorx.ErrCommandRejected.WithMessage("evaluation threw: %s", msg)
	}
	value := res.Get("result.value")
	if !value.Exists() {
		return nil, nil
	}
	return value.Value(), nil
}
