package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, root, subdir, name, content string) {
	t.Helper()
	dir := filepath.Join(root, subdir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestNewRegistryRequiresExistingRoot(t *testing.T) {
	_, err := NewRegistry(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestGetProviderResolvesManifest(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "providers", "openai.json",
		`{"id":"openai","kind":"openai","endpoint":{"url":"https://api.openai.com/v1/chat/completions"}}`)

	r, err := NewRegistry(root)
	require.NoError(t, err)

	manifest, err := r.GetProvider("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", manifest.Kind)

	_, err = r.GetProvider("ghost")
	assert.Error(t, err)
}

func TestProviderHeadersExpandEnvironment(t *testing.T) {
	t.Setenv("REGISTRY_TEST_KEY", "sk-123")
	root := t.TempDir()
	writeManifest(t, root, "providers", "p.json",
		`{"id":"p","kind":"openai","endpoint":{"url":"https://x","headers":{"Authorization":"Bearer ${REGISTRY_TEST_KEY}","X-Static":"v"}}}`)

	r, err := NewRegistry(root)
	require.NoError(t, err)

	manifest, err := r.GetProvider("p")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-123", manifest.Endpoint.Headers["Authorization"])
	assert.Equal(t, "v", manifest.Endpoint.Headers["X-Static"])
}

func TestMalformedManifestIsSkipped(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "tools", "bad.json", `{"id":`)
	writeManifest(t, root, "tools", "good.json", `{"id":"search","description":"web search"}`)

	r, err := NewRegistry(root)
	require.NoError(t, err)

	assert.Equal(t, []string{"search"}, r.ToolIDs())
}

func TestManifestWithoutIDIsSkipped(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "tools", "anon.json", `{"description":"no id"}`)

	r, err := NewRegistry(root)
	require.NoError(t, err)
	assert.Empty(t, r.ToolIDs())
}

func TestDeclarationStubsAreIgnored(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "tools", "search.d.json", `{"id":"shadow"}`)
	writeManifest(t, root, "tools", "search.json", `{"id":"search"}`)

	r, err := NewRegistry(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, r.ToolIDs())
}

func TestOverlayShadowsRoot(t *testing.T) {
	root := t.TempDir()
	overlay := t.TempDir()
	writeManifest(t, root, "tools", "search.json",
		`{"id":"search","description":"root copy"}`)
	writeManifest(t, overlay, "tools", "search.json",
		`{"id":"search","description":"overlay copy"}`)

	r, err := NewRegistry(root, WithOverlay(overlay))
	require.NoError(t, err)

	manifest, err := r.GetTool("search")
	require.NoError(t, err)
	assert.Equal(t, "overlay copy", manifest.Description)
}

func TestGetToolsFailsOnFirstUnknown(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "tools", "a.json", `{"id":"a"}`)

	r, err := NewRegistry(root)
	require.NoError(t, err)

	_, err = r.GetTools([]string{"a", "b"})
	assert.Error(t, err)

	out, err := r.GetTools([]string{"a"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestProcessRoutesAcceptObjectAndArray(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "processes", "a_single.json",
		`{"match":{"type":"exact","pattern":"calc"},"invoke":{"kind":"module","module":"math","function":"calc"}}`)
	writeManifest(t, root, "processes", "b_list.json",
		`[{"match":{"type":"prefix","pattern":"fs_"},"invoke":{"kind":"mcp","server":"files"}},
		  {"match":{"type":"regex","pattern":"^net_.*$"},"invoke":{"kind":"http","url":"http://localhost:9"}}]`)

	r, err := NewRegistry(root)
	require.NoError(t, err)

	routes := r.GetProcessRoutes()
	require.Len(t, routes, 3)
	assert.Equal(t, "exact", routes[0].Match.Type)
	assert.Equal(t, "files", routes[1].Invoke.Server)
	assert.Equal(t, "http", routes[2].Invoke.Kind)
}

func TestVectorAndEmbeddingCategories(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "vector", "notes.json",
		`{"id":"notes","kind":"chromem","defaults":{"collection":"notes","topK":3}}`)
	writeManifest(t, root, "embeddings", "small.json",
		`{"id":"small","kind":"openai","config":{"model":"text-embedding-3-small"}}`)

	r, err := NewRegistry(root)
	require.NoError(t, err)

	store, err := r.GetVectorStore("notes")
	require.NoError(t, err)
	assert.Equal(t, 3, store.Defaults.TopK)
	assert.Equal(t, []string{"notes"}, r.VectorStoreIDs())

	embedder, err := r.GetEmbeddingProvider("small")
	require.NoError(t, err)
	assert.Equal(t, "openai", embedder.Kind)
	assert.Equal(t, []string{"small"}, r.EmbeddingProviderIDs())
}
