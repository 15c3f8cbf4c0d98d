// Package embedders holds the embedding compat adapters. Like the LLM
// compats they are compiled-in and selected by the manifest's kind string.
package embedders

import (
	"context"
	"fmt"

	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/registry"
)

// Embedder is the embedding compat capability set.
type Embedder interface {
	Kind() string

	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	Dimensions() int
	ModelName() string

	// Validate checks the manifest-derived configuration without touching
	// the network.
	Validate() error

	Close() error
}

// New constructs an embedder from its manifest.
func New(manifest plugins.EmbeddingProviderManifest) (Embedder, error) {
	switch manifest.Kind {
	case "openai":
		return newOpenAIEmbedder(manifest)
	case "ollama":
		return newOllamaEmbedder(manifest)
	case "cohere":
		return newCohereEmbedder(manifest)
	default:
		return nil, fmt.Errorf("unsupported embedder kind: %s", manifest.Kind)
	}
}

// Registry caches embedder instances by manifest id, constructing lazily.
type Registry struct {
	base    *registry.BaseRegistry[Embedder]
	catalog *plugins.Registry
}

func NewRegistry(catalog *plugins.Registry) *Registry {
	return &Registry{
		base:    registry.NewBaseRegistry[Embedder](),
		catalog: catalog,
	}
}

// Get returns the embedder for a manifest id, constructing it on first use.
func (r *Registry) Get(id string) (Embedder, error) {
	return r.GetWithModel(id, "")
}

// GetWithModel returns an embedder whose model overrides the manifest's.
// Each (id, model) pair gets its own cached instance.
func (r *Registry) GetWithModel(id, model string) (Embedder, error) {
	key := id
	if model != "" {
		key = id + "@" + model
	}
	return r.base.GetOrCreate(key, func() (Embedder, error) {
		manifest, err := r.catalog.GetEmbeddingProvider(id)
		if err != nil {
			return nil, err
		}
		if model != "" {
			config := make(map[string]any, len(manifest.Config)+1)
			for k, v := range manifest.Config {
				config[k] = v
			}
			config["model"] = model
			manifest.Config = config
		}
		embedder, err := New(manifest)
		if err != nil {
			return nil, err
		}
		if err := embedder.Validate(); err != nil {
			return nil, fmt.Errorf("embedder %s: %w", id, err)
		}
		return embedder, nil
	})
}

// Close shuts down every constructed embedder.
func (r *Registry) Close() error {
	var firstErr error
	for _, embedder := range r.base.List() {
		if err := embedder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
