package plugins

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	categoryProviders  = "providers"
	categoryTools      = "tools"
	categoryMCP        = "mcp"
	categoryVector     = "vector"
	categoryEmbeddings = "embeddings"
	categoryProcesses  = "processes"
)

// category holds one lazily loaded manifest family. The once serializes the
// first miss so a manifest is decoded at most one time per registry.
type category[T any] struct {
	once  sync.Once
	items map[string]T
	order []string
}

// Registry is the plugin catalog. Loading is lazy per category and cached
// for the registry lifetime. When an overlay directory is configured, an
// artifact present in both trees resolves to the overlay copy.
type Registry struct {
	root    string
	overlay string
	logger  *slog.Logger

	providers  category[ProviderManifest]
	tools      category[ToolManifest]
	mcpServers category[MCPServerManifest]
	vectors    category[VectorStoreManifest]
	embeddings category[EmbeddingProviderManifest]

	routesOnce sync.Once
	routes     []ProcessRoute
}

// Option configures a Registry.
type Option func(*Registry)

// WithOverlay layers a second plugin tree over the root; overlay wins.
func WithOverlay(dir string) Option {
	return func(r *Registry) { r.overlay = dir }
}

// WithLogger sets the warning sink for malformed manifests.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry rooted at dir. Construction fails if the
// root does not exist; individual categories load on first access.
func NewRegistry(root string, opts ...Option) (*Registry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("plugin root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugin root %q is not a directory", root)
	}

	r := &Registry{
		root:   root,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// manifestFiles lists candidate manifest files for a category, overlay tree
// first so its artifacts shadow the root. Declaration stubs (*.d.json) and
// non-JSON files are ignored.
func (r *Registry) manifestFiles(subdir string) []string {
	var files []string
	roots := []string{}
	if r.overlay != "" {
		roots = append(roots, r.overlay)
	}
	roots = append(roots, r.root)

	for _, base := range roots {
		dir := filepath.Join(base, subdir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		var names []string
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".d.json") {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			files = append(files, filepath.Join(dir, name))
		}
	}
	return files
}

// loadCategory decodes every manifest file for a category. Malformed files
// are skipped with a warning; duplicate ids keep the first occurrence, which
// is the overlay copy when both trees declare the same id.
func loadCategory[T any](r *Registry, c *category[T], subdir string, idOf func(*T) string, normalize func(*T)) {
	c.once.Do(func() {
		c.items = make(map[string]T)
		for _, path := range r.manifestFiles(subdir) {
			data, err := os.ReadFile(path)
			if err != nil {
				r.logger.Warn("Skipping unreadable manifest", "path", path, "error", err)
				continue
			}

			var manifest T
			if err := json.Unmarshal(data, &manifest); err != nil {
				r.logger.Warn("Skipping malformed manifest", "path", path, "error", err)
				continue
			}

			id := idOf(&manifest)
			if id == "" {
				r.logger.Warn("Skipping manifest without id", "path", path)
				continue
			}
			if _, exists := c.items[id]; exists {
				r.logger.Warn("Skipping duplicate manifest", "category", subdir, "id", id, "path", path)
				continue
			}

			if normalize != nil {
				normalize(&manifest)
			}
			c.items[id] = manifest
			c.order = append(c.order, id)
		}
	})
}

// GetProvider returns the manifest for a provider id.
func (r *Registry) GetProvider(id string) (ProviderManifest, error) {
	loadCategory(r, &r.providers, categoryProviders,
		func(m *ProviderManifest) string { return m.ID },
		func(m *ProviderManifest) {
			m.Endpoint.Headers = ExpandEnvMap(m.Endpoint.Headers)
			m.Endpoint.StreamHeaders = ExpandEnvMap(m.Endpoint.StreamHeaders)
		})

	manifest, ok := r.providers.items[id]
	if !ok {
		return ProviderManifest{}, notFound(categoryProviders, id)
	}
	return manifest, nil
}

// GetTool returns one declared tool manifest.
func (r *Registry) GetTool(id string) (ToolManifest, error) {
	loadCategory(r, &r.tools, categoryTools,
		func(m *ToolManifest) string { return m.ID }, nil)

	manifest, ok := r.tools.items[id]
	if !ok {
		return ToolManifest{}, notFound(categoryTools, id)
	}
	return manifest, nil
}

// GetTools resolves several tool ids, failing on the first unknown id.
func (r *Registry) GetTools(ids []string) ([]ToolManifest, error) {
	out := make([]ToolManifest, 0, len(ids))
	for _, id := range ids {
		manifest, err := r.GetTool(id)
		if err != nil {
			return nil, err
		}
		out = append(out, manifest)
	}
	return out, nil
}

// GetMCPServer returns one subprocess tool-server manifest.
func (r *Registry) GetMCPServer(id string) (MCPServerManifest, error) {
	loadCategory(r, &r.mcpServers, categoryMCP,
		func(m *MCPServerManifest) string { return m.ID },
		func(m *MCPServerManifest) { m.Env = ExpandEnvMap(m.Env) })

	manifest, ok := r.mcpServers.items[id]
	if !ok {
		return MCPServerManifest{}, notFound(categoryMCP, id)
	}
	return manifest, nil
}

// GetMCPServers resolves several server ids, failing on the first unknown id.
func (r *Registry) GetMCPServers(ids []string) ([]MCPServerManifest, error) {
	out := make([]MCPServerManifest, 0, len(ids))
	for _, id := range ids {
		manifest, err := r.GetMCPServer(id)
		if err != nil {
			return nil, err
		}
		out = append(out, manifest)
	}
	return out, nil
}

// MCPServerIDs lists every known tool-server id (used by the routing
// fallback heuristic).
func (r *Registry) MCPServerIDs() []string {
	loadCategory(r, &r.mcpServers, categoryMCP,
		func(m *MCPServerManifest) string { return m.ID },
		func(m *MCPServerManifest) { m.Env = ExpandEnvMap(m.Env) })
	return append([]string(nil), r.mcpServers.order...)
}

// ProviderIDs lists every known provider id in manifest order.
func (r *Registry) ProviderIDs() []string {
	loadCategory(r, &r.providers, categoryProviders,
		func(m *ProviderManifest) string { return m.ID },
		func(m *ProviderManifest) {
			m.Endpoint.Headers = ExpandEnvMap(m.Endpoint.Headers)
			m.Endpoint.StreamHeaders = ExpandEnvMap(m.Endpoint.StreamHeaders)
		})
	return append([]string(nil), r.providers.order...)
}

// ToolIDs lists every declared tool id in manifest order.
func (r *Registry) ToolIDs() []string {
	loadCategory(r, &r.tools, categoryTools,
		func(m *ToolManifest) string { return m.ID }, nil)
	return append([]string(nil), r.tools.order...)
}

// VectorStoreIDs lists every known vector-store id in manifest order.
func (r *Registry) VectorStoreIDs() []string {
	loadCategory(r, &r.vectors, categoryVector,
		func(m *VectorStoreManifest) string { return m.ID }, nil)
	return append([]string(nil), r.vectors.order...)
}

// EmbeddingProviderIDs lists every known embedding-provider id in manifest
// order.
func (r *Registry) EmbeddingProviderIDs() []string {
	loadCategory(r, &r.embeddings, categoryEmbeddings,
		func(m *EmbeddingProviderManifest) string { return m.ID }, nil)
	return append([]string(nil), r.embeddings.order...)
}

// GetVectorStore returns one vector-store manifest.
func (r *Registry) GetVectorStore(id string) (VectorStoreManifest, error) {
	loadCategory(r, &r.vectors, categoryVector,
		func(m *VectorStoreManifest) string { return m.ID }, nil)

	manifest, ok := r.vectors.items[id]
	if !ok {
		return VectorStoreManifest{}, notFound(categoryVector, id)
	}
	return manifest, nil
}

// GetEmbeddingProvider returns one embedding-provider manifest.
func (r *Registry) GetEmbeddingProvider(id string) (EmbeddingProviderManifest, error) {
	loadCategory(r, &r.embeddings, categoryEmbeddings,
		func(m *EmbeddingProviderManifest) string { return m.ID }, nil)

	manifest, ok := r.embeddings.items[id]
	if !ok {
		return EmbeddingProviderManifest{}, notFound(categoryEmbeddings, id)
	}
	return manifest, nil
}

// GetProcessRoutes returns every declared routing rule. Routes keep file
// order (sorted by filename, overlay files first) and in-file declaration
// order.
func (r *Registry) GetProcessRoutes() []ProcessRoute {
	r.routesOnce.Do(func() {
		seen := make(map[string]bool)
		for _, path := range r.manifestFiles(categoryProcesses) {
			name := filepath.Base(path)
			if seen[name] {
				// Overlay shadowed this routes file.
				continue
			}
			seen[name] = true

			data, err := os.ReadFile(path)
			if err != nil {
				r.logger.Warn("Skipping unreadable routes file", "path", path, "error", err)
				continue
			}

			routes, err := decodeRoutes(data)
			if err != nil {
				r.logger.Warn("Skipping malformed routes file", "path", path, "error", err)
				continue
			}
			r.routes = append(r.routes, routes...)
		}
	})
	return r.routes
}

// decodeRoutes accepts either one route object or an array of routes.
func decodeRoutes(data []byte) ([]ProcessRoute, error) {
	var list []ProcessRoute
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var single ProcessRoute
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []ProcessRoute{single}, nil
}
