package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmadapter/coordinator/pkg/embedders"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
	"github.com/llmadapter/coordinator/pkg/tools"
	"github.com/llmadapter/coordinator/pkg/vector"
)

func emptyManager(t *testing.T) *vector.Manager {
	t.Helper()
	catalog, err := plugins.NewRegistry(t.TempDir())
	require.NoError(t, err)
	return vector.NewManager(catalog, embedders.NewRegistry(catalog))
}

func buildTool(t *testing.T, config *protocol.VectorContextConfig) *SearchTool {
	t.Helper()
	inj := NewInjector(config, nil, emptyManager(t))
	tool, err := BuildSearchTool(inj)
	require.NoError(t, err)
	return tool
}

func properties(tool *SearchTool) map[string]any {
	return tool.Definition.Parameters["properties"].(map[string]any)
}

func TestSearchToolDefaultSchema(t *testing.T) {
	tool := buildTool(t, &protocol.VectorContextConfig{Mode: "tool"})

	assert.Equal(t, DefaultSearchToolName, tool.Definition.Name)
	props := properties(tool)
	for _, param := range canonicalParams {
		assert.Contains(t, props, param)
	}
	assert.Equal(t, []string{"query"}, tool.Definition.Parameters["required"])
}

func TestSearchToolNameOverride(t *testing.T) {
	tool := buildTool(t, &protocol.VectorContextConfig{Mode: "tool", ToolName: "search_docs"})
	assert.Equal(t, "search_docs", tool.Definition.Name)
}

func TestLockedParamsAreHidden(t *testing.T) {
	topK := 3
	store := "notes"
	tool := buildTool(t, &protocol.VectorContextConfig{
		Mode: "tool",
		Locks: &protocol.VectorLocks{
			TopK:  &topK,
			Store: &store,
		},
	})

	props := properties(tool)
	assert.NotContains(t, props, "topK")
	assert.NotContains(t, props, "store")
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "collection")
}

func TestSchemaOverridesRenameAndHide(t *testing.T) {
	tool := buildTool(t, &protocol.VectorContextConfig{
		Mode: "tool",
		ToolSchemaOverrides: &protocol.ToolSchemaOverrides{
			Params: map[string]string{
				"query":  "search_text",
				"filter": "",
			},
		},
	})

	props := properties(tool)
	assert.Contains(t, props, "search_text")
	assert.NotContains(t, props, "query")
	assert.NotContains(t, props, "filter")
	assert.Equal(t, []string{"search_text"}, tool.Definition.Parameters["required"])
}

func TestSchemaOverrideUnknownParam(t *testing.T) {
	inj := NewInjector(&protocol.VectorContextConfig{
		Mode: "tool",
		ToolSchemaOverrides: &protocol.ToolSchemaOverrides{
			Params: map[string]string{"limit": "max"},
		},
	}, nil, emptyManager(t))

	_, err := BuildSearchTool(inj)
	assert.ErrorContains(t, err, "unknown vector_search parameter")
}

func TestSchemaOverrideAliasCollisions(t *testing.T) {
	// Two canonical params aliased to the same exposed name.
	inj := NewInjector(&protocol.VectorContextConfig{
		Mode: "tool",
		ToolSchemaOverrides: &protocol.ToolSchemaOverrides{
			Params: map[string]string{"topK": "limit", "scoreThreshold": "limit"},
		},
	}, nil, emptyManager(t))
	_, err := BuildSearchTool(inj)
	assert.ErrorContains(t, err, "collides")

	// Alias landing on a still-exposed canonical name.
	inj = NewInjector(&protocol.VectorContextConfig{
		Mode: "tool",
		ToolSchemaOverrides: &protocol.ToolSchemaOverrides{
			Params: map[string]string{"topK": "collection"},
		},
	}, nil, emptyManager(t))
	_, err = BuildSearchTool(inj)
	assert.ErrorContains(t, err, "collides")
}

func TestTranslateMapsAliasesToCanonical(t *testing.T) {
	tool := buildTool(t, &protocol.VectorContextConfig{
		Mode: "tool",
		ToolSchemaOverrides: &protocol.ToolSchemaOverrides{
			Params: map[string]string{"query": "search_text"},
		},
	})

	out := tool.translate(map[string]any{
		"search_text": "hello",
		"topK":        float64(2),
	})
	assert.Equal(t, "hello", out["query"])
	assert.Equal(t, float64(2), out["topK"])
}

func TestInvokeMissingQueryReturnsFailureText(t *testing.T) {
	tool := buildTool(t, &protocol.VectorContextConfig{Mode: "tool"})

	result, err := tool.Handler(context.Background(), tools.Invocation{Args: map[string]any{}})
	require.NoError(t, err, "search failures are in-band text, never handler errors")
	assert.Equal(t, "Vector search failed: query is required", result)
}

func TestInvokeSearchFailureReturnsFailureText(t *testing.T) {
	// No stores configured anywhere; the search itself fails.
	tool := buildTool(t, &protocol.VectorContextConfig{Mode: "tool"})

	result, err := tool.Handler(context.Background(), tools.Invocation{
		Args: map[string]any{"query": "hi"},
	})
	require.NoError(t, err)
	assert.Contains(t, result, "Vector search failed:")
}

func TestIntArg(t *testing.T) {
	assert.Equal(t, 3, intArg(float64(3)))
	assert.Equal(t, 4, intArg(4))
	assert.Equal(t, 0, intArg("5"))
	assert.Equal(t, 0, intArg(nil))
}
