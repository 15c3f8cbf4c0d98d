package rag

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmadapter/coordinator/pkg/embedders"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
	"github.com/llmadapter/coordinator/pkg/vector"
)

func catalogWithStore(t *testing.T, manifest string) *vector.Manager {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "vector")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte(manifest), 0o644))
	catalog, err := plugins.NewRegistry(root)
	require.NoError(t, err)
	return vector.NewManager(catalog, embedders.NewRegistry(catalog))
}

func conversation() []protocol.Message {
	return []protocol.Message{
		protocol.TextMessage(protocol.RoleSystem, "You are terse."),
		protocol.TextMessage(protocol.RoleUser, "first question"),
		protocol.TextMessage(protocol.RoleAssistant, "first answer"),
		protocol.TextMessage(protocol.RoleUser, "second question"),
	}
}

func TestActiveAndExposesToolByMode(t *testing.T) {
	for mode, want := range map[string][2]bool{
		"auto": {true, false},
		"tool": {false, true},
		"both": {true, true},
	} {
		inj := NewInjector(&protocol.VectorContextConfig{Mode: mode}, nil, nil)
		assert.Equal(t, want[0], inj.Active(), mode)
		assert.Equal(t, want[1], inj.ExposesTool(), mode)
	}
}

func TestConfigStoresWinOverSpecStores(t *testing.T) {
	inj := NewInjector(&protocol.VectorContextConfig{
		Mode:   "auto",
		Stores: []string{"a"},
	}, []string{"b"}, nil)
	assert.Equal(t, []string{"a"}, inj.effectiveStores(nil))

	inj = NewInjector(&protocol.VectorContextConfig{Mode: "auto"}, []string{"b"}, nil)
	assert.Equal(t, []string{"b"}, inj.effectiveStores(nil))
}

func TestEffectiveStoresLockBeatsCaller(t *testing.T) {
	locked := "pinned"
	inj := NewInjector(&protocol.VectorContextConfig{
		Mode:   "auto",
		Stores: []string{"configured"},
		Locks:  &protocol.VectorLocks{Store: &locked},
	}, nil, nil)

	assert.Equal(t, []string{"pinned"}, inj.effectiveStores(&searchArgs{store: "caller"}))

	inj = NewInjector(&protocol.VectorContextConfig{
		Mode:   "auto",
		Stores: []string{"configured"},
	}, nil, nil)
	assert.Equal(t, []string{"caller"}, inj.effectiveStores(&searchArgs{store: "caller"}))
}

func TestBuildQueryOverrideWins(t *testing.T) {
	inj := NewInjector(&protocol.VectorContextConfig{
		Mode:                   "auto",
		OverrideEmbeddingQuery: "fixed query",
	}, nil, nil)
	assert.Equal(t, "fixed query", inj.buildQuery(conversation()))
}

func TestBuildQueryDefaultsUseUserAndSystem(t *testing.T) {
	inj := NewInjector(&protocol.VectorContextConfig{Mode: "auto"}, nil, nil)
	// Default: all messages in range, assistant excluded, system if-in-range.
	assert.Equal(t, "You are terse.\nfirst question\nsecond question",
		inj.buildQuery(conversation()))
}

func TestBuildQueryWindowAndAssistant(t *testing.T) {
	inj := NewInjector(&protocol.VectorContextConfig{
		Mode: "auto",
		QueryConstruction: &protocol.QueryConstruction{
			MessagesToInclude:        2,
			IncludeAssistantMessages: true,
			Separator:                " | ",
		},
	}, nil, nil)
	assert.Equal(t, "first answer | second question", inj.buildQuery(conversation()))
}

func TestBuildQuerySystemAlways(t *testing.T) {
	inj := NewInjector(&protocol.VectorContextConfig{
		Mode: "auto",
		QueryConstruction: &protocol.QueryConstruction{
			MessagesToInclude:   1,
			IncludeSystemPrompt: "always",
		},
	}, nil, nil)
	// The window misses the system prompt; "always" prepends it.
	assert.Equal(t, "You are terse.\nsecond question", inj.buildQuery(conversation()))
}

func TestBuildQuerySystemNever(t *testing.T) {
	inj := NewInjector(&protocol.VectorContextConfig{
		Mode: "auto",
		QueryConstruction: &protocol.QueryConstruction{
			IncludeSystemPrompt: "never",
		},
	}, nil, nil)
	assert.Equal(t, "first question\nsecond question", inj.buildQuery(conversation()))
}

func TestEffectiveParamsPriorityChain(t *testing.T) {
	manager := catalogWithStore(t,
		`{"id":"notes","kind":"chromem","defaults":{"collection":"kb","topK":7,"scoreThreshold":0.4}}`)

	// Store defaults apply when nothing else is set.
	inj := NewInjector(&protocol.VectorContextConfig{Mode: "tool"}, nil, manager)
	params, err := inj.effectiveParams("notes", nil)
	require.NoError(t, err)
	assert.Equal(t, "kb", params.collection)
	assert.Equal(t, 7, params.topK)
	assert.Equal(t, 0.4, params.scoreThreshold)

	// Config defaults beat store defaults.
	inj = NewInjector(&protocol.VectorContextConfig{
		Mode: "tool", Collection: "cfg", TopK: 2, ScoreThreshold: 0.6,
	}, nil, manager)
	params, err = inj.effectiveParams("notes", nil)
	require.NoError(t, err)
	assert.Equal(t, "cfg", params.collection)
	assert.Equal(t, 2, params.topK)
	assert.Equal(t, 0.6, params.scoreThreshold)

	// Caller args beat config defaults.
	params, err = inj.effectiveParams("notes", &searchArgs{collection: "mine", topK: 9})
	require.NoError(t, err)
	assert.Equal(t, "mine", params.collection)
	assert.Equal(t, 9, params.topK)

	// Locks beat everything.
	topK := 1
	collection := "pinned"
	inj = NewInjector(&protocol.VectorContextConfig{
		Mode:  "tool",
		TopK:  2,
		Locks: &protocol.VectorLocks{TopK: &topK, Collection: &collection},
	}, nil, manager)
	params, err = inj.effectiveParams("notes", &searchArgs{collection: "mine", topK: 9})
	require.NoError(t, err)
	assert.Equal(t, "pinned", params.collection)
	assert.Equal(t, 1, params.topK)
}

func TestEffectiveParamsRequireCollection(t *testing.T) {
	manager := catalogWithStore(t, `{"id":"notes","kind":"chromem"}`)
	inj := NewInjector(&protocol.VectorContextConfig{Mode: "tool"}, nil, manager)

	_, err := inj.effectiveParams("notes", nil)
	assert.ErrorContains(t, err, "no collection configured")
}

func TestInsertAfterSystem(t *testing.T) {
	msgs := conversation()
	out := insertAfterSystem(msgs, protocol.TextMessage(protocol.RoleSystem, "ctx"))

	require.Len(t, out, 5)
	assert.Equal(t, "You are terse.", out[0].TextContent())
	assert.Equal(t, "ctx", out[1].TextContent())
	assert.Equal(t, "first question", out[2].TextContent())
	// input untouched
	assert.Len(t, msgs, 4)
}

func TestInsertBeforeLastUser(t *testing.T) {
	out := insertBeforeLastUser(conversation(), protocol.TextMessage(protocol.RoleUser, "ctx"))

	require.Len(t, out, 5)
	assert.Equal(t, "ctx", out[3].TextContent())
	assert.Equal(t, "second question", out[4].TextContent())

	// No user message at all: append.
	out = insertBeforeLastUser([]protocol.Message{
		protocol.TextMessage(protocol.RoleSystem, "s"),
	}, protocol.TextMessage(protocol.RoleUser, "ctx"))
	require.Len(t, out, 2)
	assert.Equal(t, "ctx", out[1].TextContent())
}
