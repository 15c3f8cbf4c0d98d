// Package vector holds the vector-store compat adapters and the manager that
// pairs them with embedding providers. Store compats are constructed per
// manager, never shared, so backend connections follow the manager's
// lifecycle.
package vector

import (
	"context"
	"fmt"

	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

// Store is the vector-store compat capability set. Implementations receive
// pre-computed vectors; embedding happens in the manager.
type Store interface {
	Kind() string

	Query(ctx context.Context, collection string, vector []float32, topK int, scoreThreshold float64, filter map[string]any) ([]protocol.VectorResult, error)

	// Upsert writes points whose vectors are already populated.
	Upsert(ctx context.Context, collection string, points []protocol.VectorPoint) error

	DeleteByIDs(ctx context.Context, collection string, ids []string) error

	CollectionExists(ctx context.Context, collection string) (bool, error)
	CreateCollection(ctx context.Context, collection string, dimensions int) error
	ListCollections(ctx context.Context) ([]string, error)
	DeleteCollection(ctx context.Context, collection string) error

	Close() error
}

// newStore constructs a store compat from its manifest.
func newStore(manifest plugins.VectorStoreManifest) (Store, error) {
	switch manifest.Kind {
	case "chromem":
		return newChromemStore(manifest)
	case "qdrant":
		return newQdrantStore(manifest)
	default:
		return nil, fmt.Errorf("unsupported vector store kind: %s", manifest.Kind)
	}
}
