package cdp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drzln/curupira/internal/common/errorx"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var discoveryClient = &http.Client{
	Transport: otelhttp.NewTransport(http.DefaultTransport),
	Timeout:   10 * time.Second,
}

// TargetInfo describes a debuggable target listed by the http endpoint.
type TargetInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

func fetch(ctx context.Context, endpoint, path string) ([]byte, error) {
	url := strings.TrimRight(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errorx.ErrValidation.Wrap(err).WithDetail("endpoint", endpoint)
	}
	resp, err := discoveryClient.Do(req)
	if err != nil {
		return nil, errorx.ErrConnectionRefused.Wrap(err).WithDetail("endpoint", endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorx.ErrProtocol.Wrap(err).WithDetail("endpoint", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorx.ErrConnectionRefused.
			Wrap(fmt.Errorf("unexpected status %d", resp.StatusCode)).
			WithDetail("endpoint", endpoint)
	}
	return body, nil
}

// Discover asks a remote-debugging http endpoint for the browser websocket URL.
func Discover(ctx context.Context, endpoint string) (string, error) {
	body, err := fetch(ctx, endpoint, "/json/version")
	if err != nil {
		return "", err
	}
	url := gjson.GetBytes(body, "webSocketDebuggerUrl")
	if !url.Exists() || url.String() == "" {
		return "", errorx.ErrProtocol.WithMessage("webSocketDebuggerUrl missing").WithDetail("endpoint", endpoint)
	}
	return url.String(), nil
}

// ListTargets returns the targets listed by a remote-debugging http endpoint.
func ListTargets(ctx context.Context, endpoint string) ([]TargetInfo, error) {
	body, err := fetch(ctx, endpoint, "/json/list")
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errorx.ErrProtocol.WithMessage("invalid target list").WithDetail("endpoint", endpoint)
	}
	var out []TargetInfo
	gjson.ParseBytes(body).ForEach(func(_, v gjson.Result) bool {
		out = append(out, TargetInfo{
			ID:    v.Get("id").String(),
			Type:  v.Get("type").String(),
			Title: v.Get("title").String(),
			URL:   v.Get("url").String(),
		})
		return true
	})
	return out, nil
}
