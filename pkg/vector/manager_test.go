package vector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmadapter/coordinator/pkg/embedders"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

func newTestManager(t *testing.T, manifests map[string]string) *Manager {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "vector")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range manifests {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	catalog, err := plugins.NewRegistry(root)
	require.NoError(t, err)
	return NewManager(catalog, embedders.NewRegistry(catalog))
}

func TestResolveEmbeddingPriorityExplicitWins(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"a.json": `{"id":"a","kind":"chromem","defaults":{"embeddingPriority":[{"provider":"x"}]}}`,
	})

	explicit := []protocol.EmbeddingPriorityEntry{{Provider: "mine", Model: "m"}}
	out, err := m.ResolveEmbeddingPriority(explicit, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, explicit, out)
}

func TestResolveEmbeddingPriorityFromStoreDefaults(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"a.json": `{"id":"a","kind":"chromem","defaults":{"embeddingPriority":[{"provider":"x","model":"s"}]}}`,
		"b.json": `{"id":"b","kind":"chromem","defaults":{"embeddingPriority":[{"provider":"x","model":"s"}]}}`,
	})

	out, err := m.ResolveEmbeddingPriority(nil, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "x", out[0].Provider)
}

func TestResolveEmbeddingPriorityConflictingDefaults(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"a.json": `{"id":"a","kind":"chromem","defaults":{"embeddingPriority":[{"provider":"x"}]}}`,
		"b.json": `{"id":"b","kind":"chromem","defaults":{"embeddingPriority":[{"provider":"y"}]}}`,
	})

	_, err := m.ResolveEmbeddingPriority(nil, []string{"a", "b"})
	assert.ErrorIs(t, err, ErrConflictingDefaults)
}

func TestResolveEmbeddingPriorityNoneConfigured(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"a.json": `{"id":"a","kind":"chromem"}`,
	})

	_, err := m.ResolveEmbeddingPriority(nil, []string{"a"})
	assert.ErrorIs(t, err, ErrNoEmbeddingPriority)
}

func TestSamePriority(t *testing.T) {
	a := []protocol.EmbeddingPriorityEntry{{Provider: "p", Model: "m"}}
	assert.True(t, samePriority(a, []protocol.EmbeddingPriorityEntry{{Provider: "p", Model: "m"}}))
	assert.False(t, samePriority(a, []protocol.EmbeddingPriorityEntry{{Provider: "p", Model: "n"}}))
	assert.False(t, samePriority(a, nil))
}

func TestStoreUnknownID(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Store("ghost")
	assert.Error(t, err)
}

func TestStoreUnsupportedKind(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"a.json": `{"id":"a","kind":"faiss"}`,
	})
	_, err := m.Store("a")
	assert.ErrorContains(t, err, "unsupported vector store kind")
}

func TestRunRequiresStore(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Run(context.Background(), protocol.VectorSpec{Operation: "query"})
	assert.ErrorContains(t, err, "store is required")
}

func TestRunUnknownOperation(t *testing.T) {
	m := newTestManager(t, map[string]string{
		"a.json": `{"id":"a","kind":"chromem","config":{"persistPath":""}}`,
	})
	_, err := m.Run(context.Background(), protocol.VectorSpec{Operation: "teleport", Store: "a"})
	assert.Error(t, err)
}

func TestRunEmbeddingsRequiresInputs(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.RunEmbeddings(context.Background(), protocol.EmbeddingSpec{})
	assert.ErrorContains(t, err, "inputs are required")
}
