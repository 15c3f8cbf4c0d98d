package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmadapter/coordinator/pkg/plugins"
)

func moduleRoute(matchType, pattern string) plugins.ProcessRoute {
	return plugins.ProcessRoute{
		Match:  plugins.RouteMatch{Type: matchType, Pattern: pattern},
		Invoke: plugins.RouteInvoke{Kind: "module", Module: "math", Function: "calculate"},
	}
}

func TestBuiltinOutranksRoutes(t *testing.T) {
	r := NewRouter([]plugins.ProcessRoute{moduleRoute("exact", "calc")}, nil, nil)
	r.RegisterBuiltin("calc", func(ctx context.Context, inv Invocation) (any, error) {
		return "builtin", nil
	})

	result, err := r.Invoke(context.Background(), "calc", Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "builtin", result)
}

func TestMatchTypes(t *testing.T) {
	r := NewRouter(nil, nil, nil)

	cases := []struct {
		match plugins.RouteMatch
		name  string
		want  bool
	}{
		{plugins.RouteMatch{Type: "exact", Pattern: "calc"}, "calc", true},
		{plugins.RouteMatch{Type: "exact", Pattern: "calc"}, "calc2", false},
		{plugins.RouteMatch{Type: "", Pattern: "calc"}, "calc", true},
		{plugins.RouteMatch{Type: "prefix", Pattern: "fs_"}, "fs_read", true},
		{plugins.RouteMatch{Type: "prefix", Pattern: "fs_"}, "net_read", false},
		{plugins.RouteMatch{Type: "glob", Pattern: "net_*"}, "net_fetch", true},
		{plugins.RouteMatch{Type: "glob", Pattern: "net_*"}, "fs_read", false},
		{plugins.RouteMatch{Type: "regex", Pattern: "^db_(read|write)$"}, "db_write", true},
		{plugins.RouteMatch{Type: "regex", Pattern: "^db_(read|write)$"}, "db_drop", false},
	}
	for _, tc := range cases {
		got, err := r.matches(tc.match, tc.name)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s vs %+v", tc.name, tc.match)
	}
}

func TestUnknownMatchTypeErrors(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	_, err := r.matches(plugins.RouteMatch{Type: "fuzzy", Pattern: "x"}, "x")
	assert.Error(t, err)
}

func TestBadRegexRouteIsSkipped(t *testing.T) {
	RegisterModuleFunc("math", "calculate", func(ctx context.Context, inv Invocation) (any, error) {
		return float64(5), nil
	})
	routes := []plugins.ProcessRoute{
		moduleRoute("regex", "(unclosed"),
		moduleRoute("exact", "calculate"),
	}
	r := NewRouter(routes, nil, nil)

	result, err := r.Invoke(context.Background(), "calculate",
		Invocation{Args: map[string]any{"expression": "2+3"}})
	require.NoError(t, err)
	assert.Equal(t, float64(5), result)
}

func TestFirstMatchingRouteWins(t *testing.T) {
	RegisterModuleFunc("math", "calculate", func(ctx context.Context, inv Invocation) (any, error) {
		return "first", nil
	})
	RegisterModuleFunc("other", "noop", func(ctx context.Context, inv Invocation) (any, error) {
		return "second", nil
	})
	r := NewRouter([]plugins.ProcessRoute{
		moduleRoute("prefix", "calc"),
		{
			Match:  plugins.RouteMatch{Type: "exact", Pattern: "calculate"},
			Invoke: plugins.RouteInvoke{Kind: "module", Module: "other", Function: "noop"},
		},
	}, nil, nil)

	result, err := r.Invoke(context.Background(), "calculate", Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "first", result)
}

func TestModuleRouteReceivesInvocationContext(t *testing.T) {
	var got Invocation
	RegisterModuleFunc("audit", "whoami", func(ctx context.Context, inv Invocation) (any, error) {
		got = inv
		inv.Progress("halfway")
		return inv.Provider + "/" + inv.Model, nil
	})
	r := NewRouter([]plugins.ProcessRoute{{
		Match:  plugins.RouteMatch{Type: "exact", Pattern: "whoami"},
		Invoke: plugins.RouteInvoke{Kind: "module", Module: "audit", Function: "whoami"},
	}}, nil, nil)

	result, err := r.Invoke(context.Background(), "whoami", Invocation{
		Args:     map[string]any{"detail": true},
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Metadata: map[string]any{"signature": "sig"},
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4-5", result)
	assert.Equal(t, map[string]any{"detail": true}, got.Args)
	assert.Equal(t, "sig", got.Metadata["signature"])
	// Logger and progress callback are always usable, even when the caller
	// left them unset.
	assert.NotNil(t, got.Logger)
	assert.NotNil(t, got.Progress)
}

func TestModuleRouteMissingFunctionErrors(t *testing.T) {
	r := NewRouter([]plugins.ProcessRoute{{
		Match:  plugins.RouteMatch{Type: "exact", Pattern: "vanish"},
		Invoke: plugins.RouteInvoke{Kind: "module", Module: "nowhere", Function: "gone"},
	}}, nil, nil)

	_, err := r.Invoke(context.Background(), "vanish", Invocation{})
	assert.Error(t, err)
}

func TestUnroutedToolErrors(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	_, err := r.Invoke(context.Background(), "ghost", Invocation{})
	assert.ErrorContains(t, err, "no route for tool")
}

func TestSplitServerPrefixPrefersLongestServer(t *testing.T) {
	r := NewRouter(nil, nil, []string{"files", "files_remote"})

	server, rest, ok := r.splitServerPrefix("files_remote_read")
	require.True(t, ok)
	assert.Equal(t, "files_remote", server)
	assert.Equal(t, "read", rest)

	server, rest, ok = r.splitServerPrefix("files.read")
	require.True(t, ok)
	assert.Equal(t, "files", server)
	assert.Equal(t, "read", rest)

	_, _, ok = r.splitServerPrefix("other_read")
	assert.False(t, ok)

	// A bare server name with no remainder is not a tool call.
	_, _, ok = r.splitServerPrefix("files_")
	assert.False(t, ok)
}

func TestUnwrapResult(t *testing.T) {
	assert.Equal(t, 42, unwrapResult(map[string]any{"result": 42}))
	richer := map[string]any{"result": 1, "extra": 2}
	assert.Equal(t, richer, unwrapResult(richer))
	assert.Equal(t, "plain", unwrapResult("plain"))
}
