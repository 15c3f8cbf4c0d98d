// Package tools routes tool-call names to their executors: built-in
// handlers, declared process routes and subprocess tool servers.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/mcp"
	"github.com/llmadapter/coordinator/pkg/plugins"
)

// DefaultRouteTimeout bounds one invocation when the route sets none.
const DefaultRouteTimeout = 30 * time.Second

// Router resolves tool names for one run. Resolution order is fixed:
// built-ins first, then declared routes in declaration order, then the
// server-prefix fallback against the run's tool servers.
type Router struct {
	routes   []plugins.ProcessRoute
	pool     *mcp.Pool
	servers  []string
	builtins map[string]Handler
	logger   *slog.Logger

	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
}

type RouterOption func(*Router)

func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// NewRouter builds a router over the catalog's declared routes. servers
// names the tool servers this run may fall back to, in spec order.
func NewRouter(routes []plugins.ProcessRoute, pool *mcp.Pool, servers []string, opts ...RouterOption) *Router {
	r := &Router{
		routes:   routes,
		pool:     pool,
		servers:  servers,
		builtins: make(map[string]Handler),
		logger:   logger.GetLogger(),
		regexes:  make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterBuiltin installs a run-scoped handler that outranks every declared
// route.
func (r *Router) RegisterBuiltin(name string, handler Handler) {
	r.builtins[name] = handler
}

// Invoke resolves and executes one tool call. The result is the raw value
// the executor produced, after single-key envelope unwrapping.
func (r *Router) Invoke(ctx context.Context, name string, inv Invocation) (any, error) {
	ctx, span := otel.Tracer("tools").Start(ctx, "tool.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	if inv.Logger == nil {
		inv.Logger = r.logger
	}
	if inv.Progress == nil {
		inv.Progress = func(string) {}
	}

	result, err := r.invoke(ctx, name, inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return unwrapResult(result), nil
}

func (r *Router) invoke(ctx context.Context, name string, inv Invocation) (any, error) {
	if handler, ok := r.builtins[name]; ok {
		return handler(ctx, inv)
	}

	for _, route := range r.routes {
		matched, err := r.matches(route.Match, name)
		if err != nil {
			r.logger.Warn("skipping route with bad pattern",
				"pattern", route.Match.Pattern, "error", err)
			continue
		}
		if matched {
			return r.invokeRoute(ctx, route, name, inv)
		}
	}

	if server, rest, ok := r.splitServerPrefix(name); ok {
		return r.pool.Call(ctx, server, rest, inv.Args)
	}

	return nil, fmt.Errorf("no route for tool %q", name)
}

func (r *Router) matches(match plugins.RouteMatch, name string) (bool, error) {
	switch match.Type {
	case "exact", "":
		return name == match.Pattern, nil
	case "prefix":
		return strings.HasPrefix(name, match.Pattern), nil
	case "glob":
		return path.Match(match.Pattern, name)
	case "regex":
		re, err := r.compiled(match.Pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(name), nil
	default:
		return false, fmt.Errorf("unknown match type %q", match.Type)
	}
}

func (r *Router) compiled(pattern string) (*regexp.Regexp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.regexes[pattern] = re
	return re, nil
}

// splitServerPrefix matches tool names of the form <server>_<rest> or
// <server>.<rest> against the run's tool servers. The longest matching
// server id wins so ids containing separators still resolve.
func (r *Router) splitServerPrefix(name string) (server, rest string, ok bool) {
	for _, id := range r.servers {
		for _, sep := range []string{"_", "."} {
			prefix := id + sep
			if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
				candidate := name[len(prefix):]
				if len(id) > len(server) {
					server, rest, ok = id, candidate, true
				}
			}
		}
	}
	return server, rest, ok
}

func (r *Router) invokeRoute(ctx context.Context, route plugins.ProcessRoute, name string, inv Invocation) (any, error) {
	timeout := DefaultRouteTimeout
	if route.TimeoutMs > 0 {
		timeout = time.Duration(route.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch route.Invoke.Kind {
	case "module":
		handler, err := lookupModuleFunc(route.Invoke.Module, route.Invoke.Function)
		if err != nil {
			return nil, err
		}
		return handler(ctx, inv)
	case "command":
		return invokeCommand(ctx, route.Invoke, name, inv.Args)
	case "http":
		return invokeHTTP(ctx, route.Invoke, name, inv.Args)
	case "mcp":
		return r.pool.Call(ctx, route.Invoke.Server, name, inv.Args)
	default:
		return nil, fmt.Errorf("unknown invoke kind %q", route.Invoke.Kind)
	}
}

// unwrapResult strips the single-key {"result": X} envelope tools commonly
// return, leaving richer shapes untouched.
func unwrapResult(v any) any {
	if m, ok := v.(map[string]any); ok && len(m) == 1 {
		if inner, ok := m["result"]; ok {
			return inner
		}
	}
	return v
}
