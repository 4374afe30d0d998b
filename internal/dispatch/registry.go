package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/drzln/curupira/internal/common/errorx"
	"github.com/drzln/curupira/pkg/metrics"
	apptrace "github.com/drzln/curupira/pkg/trace"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// SessionArg is the tool argument naming the browser session of a bound tool.
const SessionArg = "sessionId"

// Options configures a Registry.
type Options struct {
	// Sessions resolves sessions for bound tools. Without it bound tools fail.
	Sessions SessionResolver
	Metrics  *metrics.Metrics
}

// ToolHandler executes one tool with the registry's guarantees.
type ToolHandler func(ctx context.Context, args map[string]any) Result

// Registry routes resource reads and tool executions to providers keyed by
// the prefix of the identifier.
type Registry struct {
	logger   *zap.Logger
	sessions SessionResolver
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	resources map[string]ResourceProvider
	tools     map[string]ToolProvider
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts Options) *Registry {
	return &Registry{
		logger:    logger.Named("dispatch"),
		sessions:  opts.Sessions,
		metrics:   opts.Metrics,
		resources: make(map[string]ResourceProvider),
		tools:     make(map[string]ToolProvider),
	}
}

// RegisterResourceProvider adds p, replacing a provider with the same name.
func (r *Registry) RegisterResourceProvider(p ResourceProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[p.Name()]; ok {
		r.logger.Warn("overwriting resource provider", zap.String("provider", p.Name()))
	}
	r.resources[p.Name()] = p
}

// RegisterToolProvider adds p, replacing a provider with the same name.
func (r *Registry) RegisterToolProvider(p ToolProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[p.Name()]; ok {
		r.logger.Warn("overwriting tool provider", zap.String("provider", p.Name()))
	}
	r.tools[p.Name()] = p
}

// GetResourceProvider returns the resource provider registered as name.
func (r *Registry) GetResourceProvider(name string) (ResourceProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.resources[name]
	return p, ok
}

// GetToolProvider returns the tool provider registered as name.
func (r *Registry) GetToolProvider(name string) (ToolProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.tools[name]
	return p, ok
}

func (r *Registry) resourceProviders() []ResourceProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ResourceProvider, 0, len(r.resources))
	for _, p := range r.resources {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) toolProviders() []ToolProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolProvider, 0, len(r.tools))
	for _, p := range r.tools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ListResources aggregates every provider's resources. A provider that fails
// is logged and left out.
func (r *Registry) ListResources(ctx context.Context) []ResourceSpec {
	var out []ResourceSpec
	for _, p := range r.resourceProviders() {
		specs, err := guard(func() ([]ResourceSpec, error) { return p.ListResources(ctx) })
		if err != nil {
			r.logger.Error("failed to list resources", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		out = append(out, specs...)
	}
	return out
}

// ListTools aggregates every provider's tools. A provider that fails is
// logged and left out.
func (r *Registry) ListTools(ctx context.Context) []ToolSpec {
	var out []ToolSpec
	for _, p := range r.toolProviders() {
		specs, err := guard(func() ([]ToolSpec, error) { return p.ListTools(ctx) })
		if err != nil {
			r.logger.Error("failed to list tools", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		out = append(out, specs...)
	}
	return out
}

// ReadResource reads uri from the provider owning its key.
func (r *Registry) ReadResource(ctx context.Context, uri string) Result {
	scope := apptrace.StartResourceRead(ctx, uri)
	defer scope.End()

	key := ProviderKey(uri)
	p, ok := r.GetResourceProvider(key)
	if !ok {
		return r.fail(scope, errorx.ErrNoProvider.WithMessage("no provider for resource %q", uri).WithDetail("provider", key),
			zap.String("uri", uri))
	}

	data, err := guard(func() (any, error) { return p.ReadResource(scope.Ctx, uri) })
	if err != nil {
		return r.fail(scope, err, zap.String("uri", uri), zap.String("provider", key))
	}
	return Result{Success: true, Data: data}
}

// ExecuteTool runs tool name with args. It never returns a raw error or
// panics: every failure becomes an unsuccessful Result.
func (r *Registry) ExecuteTool(ctx context.Context, name string, args map[string]any) Result {
	status := "success"
	start := time.Now()
	r.metrics.ToolExecStart(name)
	defer func() { r.metrics.ToolExecDone(name, start, &status) }()

	scope := apptrace.StartToolCall(ctx, name)
	defer scope.End()

	res := r.execute(scope, name, args)
	if !res.Success {
		status = "error"
	}
	return res
}

func (r *Registry) execute(scope *apptrace.Scope, name string, args map[string]any) Result {
	key := ProviderKey(name)
	p, ok := r.GetToolProvider(key)
	if !ok {
		return r.fail(scope, errorx.ErrNoProvider.WithMessage("no provider for tool %q", name).WithDetail("provider", key),
			zap.String("tool", name))
	}

	specs, err := guard(func() ([]ToolSpec, error) { return p.ListTools(scope.Ctx) })
	if err != nil {
		return r.fail(scope, err, zap.String("tool", name), zap.String("provider", key))
	}
	spec, ok := findTool(specs, name)
	if !ok {
		return r.fail(scope, errorx.ErrToolNotFound.WithMessage("tool %q not found", name).WithDetail("provider", key),
			zap.String("tool", name))
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(spec, args); err != nil {
		return r.fail(scope, err, zap.String("tool", name))
	}

	ec, err := r.execContext(scope.Ctx, spec, args)
	if err != nil {
		return r.fail(scope, err, zap.String("tool", name))
	}
	if b, ok := ec.(Bound); ok {
		scope.WithAttrs(apptrace.AttrCDPSession.String(string(b.Session.ID)))
	}

	data, err := guard(func() (any, error) { return p.ExecuteTool(scope.Ctx, name, args, ec) })
	if err != nil {
		return r.fail(scope, err, zap.String("tool", name), zap.String("provider", key))
	}
	return Result{Success: true, Data: data}
}

func (r *Registry) execContext(ctx context.Context, spec ToolSpec, args map[string]any) (ExecContext, error) {
	if spec.Mode != SessionBound {
		return Independent{}, nil
	}
	if r.sessions == nil {
		return nil, errorx.ErrSessionNotFound.WithMessage("no browser attached")
	}
	id, _ := args[SessionArg].(string)
	s, err := r.sessions.ResolveSession(id)
	if err != nil {
		return nil, err
	}
	if err := r.sessions.EnableDomains(ctx, spec.Domains, string(s.ID)); err != nil {
		return nil, err
	}
	return Bound{Session: s, Domains: spec.Domains}, nil
}

// GetToolHandler returns a handler for tool name when a provider offers it.
func (r *Registry) GetToolHandler(ctx context.Context, name string) (ToolHandler, bool) {
	p, ok := r.GetToolProvider(ProviderKey(name))
	if !ok {
		return nil, false
	}
	specs, err := guard(func() ([]ToolSpec, error) { return p.ListTools(ctx) })
	if err != nil {
		return nil, false
	}
	if _, ok := findTool(specs, name); !ok {
		return nil, false
	}
	return func(ctx context.Context, args map[string]any) Result {
		return r.ExecuteTool(ctx, name, args)
	}, true
}

func (r *Registry) fail(scope *apptrace.Scope, err error, fields ...zap.Field) Result {
	scope.Fail(err)

	res := Result{Error: message(err), Code: errorx.CodeOf(err)}
	if errorx.Retryable(err) || res.Code == errorx.ErrInternal.Code {
		r.logger.Error("dispatch failed", append(fields, zap.Error(err))...)
	} else {
		r.logger.Warn("dispatch failed", append(fields, zap.Error(err))...)
	}
	return res
}

func findTool(specs []ToolSpec, name string) (ToolSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return ToolSpec{}, false
}

// validateArgs checks the required properties of the tool's input schema.
func validateArgs(spec ToolSpec, args map[string]any) error {
	if len(spec.InputSchema) == 0 {
		return nil
	}
	var missing []string
	gjson.GetBytes(spec.InputSchema, "required").ForEach(func(_, v gjson.Result) bool {
		if _, ok := args[v.String()]; !ok {
			missing = append(missing, v.String())
		}
		return true
	})
	if len(missing) > 0 {
		return errorx.ErrValidation.WithMessage("missing required arguments: %v", missing).
			WithDetail("tool", spec.Name)
	}
	return nil
}

// message is the text shown to the assistant for a failed call.
func message(err error) string {
	var e *errorx.Error
	if errors.As(err, &e) {
		if cause := e.Unwrap(); cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, cause)
		}
		return e.Message
	}
	return err.Error()
}

// guard runs fn, turning a panic into an internal error.
func guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errorx.ErrInternal.
				WithMessage("provider panic: %v", rec).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	return fn()
}
