package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/llmadapter/coordinator/pkg/embedders"
	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

// DefaultTopK applies when neither the caller nor the store defaults name
// a result count.
const DefaultTopK = 5

// ErrNoEmbeddingPriority is returned when neither the caller nor any named
// store configures embedding providers.
var ErrNoEmbeddingPriority = errors.New("no embedding priority configured")

// ErrConflictingDefaults is returned when multiple named stores carry
// different default embedding priorities and the caller sets none.
var ErrConflictingDefaults = errors.New("multiple vector stores specify different default embedding priorities")

// Manager owns the store compats and embedders for one coordinator. Stores
// are constructed lazily per manifest id and live until Close.
type Manager struct {
	catalog   *plugins.Registry
	embedders *embedders.Registry
	logger    *slog.Logger

	mu     sync.Mutex
	stores map[string]Store
}

type ManagerOption func(*Manager)

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func NewManager(catalog *plugins.Registry, embedderRegistry *embedders.Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		catalog:   catalog,
		embedders: embedderRegistry,
		logger:    logger.GetLogger(),
		stores:    make(map[string]Store),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the store compat for a manifest id, connecting on first use.
func (m *Manager) Store(id string) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.stores[id]; ok {
		return store, nil
	}
	manifest, err := m.catalog.GetVectorStore(id)
	if err != nil {
		return nil, err
	}
	store, err := newStore(manifest)
	if err != nil {
		return nil, fmt.Errorf("vector store %s: %w", id, err)
	}
	m.stores[id] = store
	return store, nil
}

// StoreDefaults returns the manifest defaults for a store id.
func (m *Manager) StoreDefaults(id string) (plugins.VectorStoreDefaults, error) {
	manifest, err := m.catalog.GetVectorStore(id)
	if err != nil {
		return plugins.VectorStoreDefaults{}, err
	}
	return manifest.Defaults, nil
}

// ResolveEmbeddingPriority picks the embedding candidates for a run. An
// explicit list wins; otherwise the named stores' defaults are consulted,
// which must agree when more than one store declares them.
func (m *Manager) ResolveEmbeddingPriority(explicit []protocol.EmbeddingPriorityEntry, storeIDs []string) ([]protocol.EmbeddingPriorityEntry, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}

	var resolved []protocol.EmbeddingPriorityEntry
	for _, id := range storeIDs {
		defaults, err := m.StoreDefaults(id)
		if err != nil {
			return nil, err
		}
		if len(defaults.EmbeddingPriority) == 0 {
			continue
		}
		if resolved == nil {
			resolved = defaults.EmbeddingPriority
			continue
		}
		if !samePriority(resolved, defaults.EmbeddingPriority) {
			return nil, ErrConflictingDefaults
		}
	}
	if resolved == nil {
		return nil, ErrNoEmbeddingPriority
	}
	return resolved, nil
}

func samePriority(a, b []protocol.EmbeddingPriorityEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EmbedResult is the outcome of one embedding run.
type EmbedResult struct {
	Vectors    [][]float32 `json:"vectors"`
	Provider   string      `json:"provider"`
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
}

// Embed tries the priority entries in order, advancing past any provider
// failure. The last failure is returned when every entry fails.
func (m *Manager) Embed(ctx context.Context, priority []protocol.EmbeddingPriorityEntry, texts []string) (*EmbedResult, error) {
	if len(priority) == 0 {
		return nil, ErrNoEmbeddingPriority
	}

	var lastErr error
	for _, entry := range priority {
		embedder, err := m.embedders.GetWithModel(entry.Provider, entry.Model)
		if err != nil {
			m.logger.Warn("embedding provider unavailable",
				"provider", entry.Provider, "error", err)
			lastErr = err
			continue
		}
		vectors, err := embedder.Embed(ctx, texts)
		if err != nil {
			m.logger.Warn("embedding attempt failed",
				"provider", entry.Provider, "model", embedder.ModelName(), "error", err)
			lastErr = err
			continue
		}
		return &EmbedResult{
			Vectors:    vectors,
			Provider:   entry.Provider,
			Model:      embedder.ModelName(),
			Dimensions: embedder.Dimensions(),
		}, nil
	}
	return nil, lastErr
}

// QueryText embeds a query string and runs the similarity search, filling
// unset parameters from the store's manifest defaults.
func (m *Manager) QueryText(ctx context.Context, storeID, query string, topK int, scoreThreshold float64, filter map[string]any, priority []protocol.EmbeddingPriorityEntry) ([]protocol.VectorResult, error) {
	defaults, err := m.StoreDefaults(storeID)
	if err != nil {
		return nil, err
	}
	collection := defaults.Collection
	if collection == "" {
		return nil, fmt.Errorf("vector store %s: no default collection configured", storeID)
	}
	if topK <= 0 {
		topK = defaults.TopK
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if scoreThreshold <= 0 {
		scoreThreshold = defaults.ScoreThreshold
	}

	resolved, err := m.ResolveEmbeddingPriority(priority, []string{storeID})
	if err != nil {
		return nil, err
	}
	embedded, err := m.Embed(ctx, resolved, []string{query})
	if err != nil {
		return nil, err
	}

	store, err := m.Store(storeID)
	if err != nil {
		return nil, err
	}
	return store.Query(ctx, collection, embedded.Vectors[0], topK, scoreThreshold, filter)
}

// Run executes one vector-store operation.
func (m *Manager) Run(ctx context.Context, spec protocol.VectorSpec) (any, error) {
	if spec.Store == "" && spec.Operation != "" {
		return nil, fmt.Errorf("vector spec: store is required")
	}

	switch spec.Operation {
	case "query":
		return m.runQuery(ctx, spec)
	case "upsert":
		return m.runUpsert(ctx, spec)
	case "delete":
		store, err := m.Store(spec.Store)
		if err != nil {
			return nil, err
		}
		collection, err := m.effectiveCollection(spec)
		if err != nil {
			return nil, err
		}
		if err := store.DeleteByIDs(ctx, collection, spec.IDs); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": len(spec.IDs)}, nil
	case "createCollection":
		return m.runCreateCollection(ctx, spec)
	case "deleteCollection":
		store, err := m.Store(spec.Store)
		if err != nil {
			return nil, err
		}
		collection, err := m.effectiveCollection(spec)
		if err != nil {
			return nil, err
		}
		if err := store.DeleteCollection(ctx, collection); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": collection}, nil
	case "listCollections":
		store, err := m.Store(spec.Store)
		if err != nil {
			return nil, err
		}
		names, err := store.ListCollections(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"collections": names}, nil
	default:
		return nil, fmt.Errorf("unknown vector operation %q", spec.Operation)
	}
}

func (m *Manager) runQuery(ctx context.Context, spec protocol.VectorSpec) (any, error) {
	store, err := m.Store(spec.Store)
	if err != nil {
		return nil, err
	}
	defaults, err := m.StoreDefaults(spec.Store)
	if err != nil {
		return nil, err
	}

	collection := spec.Collection
	if collection == "" {
		collection = defaults.Collection
	}
	if collection == "" {
		return nil, fmt.Errorf("vector store %s: no collection named", spec.Store)
	}
	topK := spec.TopK
	if topK <= 0 {
		topK = defaults.TopK
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	threshold := spec.ScoreThreshold
	if threshold <= 0 {
		threshold = defaults.ScoreThreshold
	}

	vector := spec.Vector
	if len(vector) == 0 {
		if spec.Query == "" {
			return nil, fmt.Errorf("query operation needs a query string or a vector")
		}
		priority, err := m.ResolveEmbeddingPriority(spec.EmbeddingPriority, []string{spec.Store})
		if err != nil {
			return nil, err
		}
		embedded, err := m.Embed(ctx, priority, []string{spec.Query})
		if err != nil {
			return nil, err
		}
		vector = embedded.Vectors[0]
	}

	results, err := store.Query(ctx, collection, vector, topK, threshold, spec.Filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (m *Manager) runUpsert(ctx context.Context, spec protocol.VectorSpec) (any, error) {
	store, err := m.Store(spec.Store)
	if err != nil {
		return nil, err
	}
	collection, err := m.effectiveCollection(spec)
	if err != nil {
		return nil, err
	}

	// Points carrying text but no vector are embedded in one batch.
	var missing []int
	for i, point := range spec.Points {
		if len(point.Vector) == 0 {
			if point.Text == "" {
				return nil, fmt.Errorf("point %s has neither vector nor text", point.ID)
			}
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		priority, err := m.ResolveEmbeddingPriority(spec.EmbeddingPriority, []string{spec.Store})
		if err != nil {
			return nil, err
		}
		texts := make([]string, len(missing))
		for i, idx := range missing {
			texts[i] = spec.Points[idx].Text
		}
		embedded, err := m.Embed(ctx, priority, texts)
		if err != nil {
			return nil, err
		}
		for i, idx := range missing {
			spec.Points[idx].Vector = embedded.Vectors[i]
		}
	}

	if err := store.Upsert(ctx, collection, spec.Points); err != nil {
		return nil, err
	}
	return map[string]any{"upserted": len(spec.Points)}, nil
}

func (m *Manager) runCreateCollection(ctx context.Context, spec protocol.VectorSpec) (any, error) {
	store, err := m.Store(spec.Store)
	if err != nil {
		return nil, err
	}
	collection, err := m.effectiveCollection(spec)
	if err != nil {
		return nil, err
	}

	dimensions := spec.Dimensions
	if dimensions <= 0 {
		// Fall back to the resolved embedder's dimensionality.
		priority, err := m.ResolveEmbeddingPriority(spec.EmbeddingPriority, []string{spec.Store})
		if err != nil {
			return nil, fmt.Errorf("createCollection needs dimensions or an embedding priority: %w", err)
		}
		embedder, err := m.embedders.GetWithModel(priority[0].Provider, priority[0].Model)
		if err != nil {
			return nil, err
		}
		dimensions = embedder.Dimensions()
	}

	if err := store.CreateCollection(ctx, collection, dimensions); err != nil {
		return nil, err
	}
	return map[string]any{"created": collection, "dimensions": dimensions}, nil
}

func (m *Manager) effectiveCollection(spec protocol.VectorSpec) (string, error) {
	if spec.Collection != "" {
		return spec.Collection, nil
	}
	defaults, err := m.StoreDefaults(spec.Store)
	if err != nil {
		return "", err
	}
	if defaults.Collection == "" {
		return "", fmt.Errorf("vector store %s: no collection named", spec.Store)
	}
	return defaults.Collection, nil
}

// RunEmbeddings executes one embeddings run.
func (m *Manager) RunEmbeddings(ctx context.Context, spec protocol.EmbeddingSpec) (*EmbedResult, error) {
	if len(spec.Inputs) == 0 {
		return nil, fmt.Errorf("embedding spec: inputs are required")
	}
	var storeIDs []string
	if spec.Store != "" {
		storeIDs = []string{spec.Store}
	}
	priority, err := m.ResolveEmbeddingPriority(spec.EmbeddingPriority, storeIDs)
	if err != nil {
		return nil, err
	}
	return m.Embed(ctx, priority, spec.Inputs)
}

// Close shuts down every connected store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, store := range m.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store %s: %w", id, err)
		}
	}
	m.stores = make(map[string]Store)
	return firstErr
}
