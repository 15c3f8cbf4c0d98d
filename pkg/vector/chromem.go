package vector

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

// ChromemStore is the embedded zero-dependency store. Vectors live in
// memory with optional gzip-compressed file persistence.
type ChromemStore struct {
	db          *chromem.DB
	persistPath string
	compress    bool

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func newChromemStore(manifest plugins.VectorStoreManifest) (*ChromemStore, error) {
	persistPath, _ := manifest.Config["persistPath"].(string)
	compress, _ := manifest.Config["compress"].(bool)

	var db *chromem.DB
	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := chromemDBPath(persistPath, compress)
		if _, err := os.Stat(dbPath); err == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, compress)
			if err != nil {
				return nil, fmt.Errorf("failed to load vector database: %w", err)
			}
			db = loaded
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemStore{
		db:          db,
		persistPath: persistPath,
		compress:    compress,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func chromemDBPath(dir string, compress bool) string {
	path := dir + "/vectors.gob"
	if compress {
		path += ".gz"
	}
	return path
}

func (s *ChromemStore) Kind() string { return "chromem" }

// identityEmbed satisfies chromem's embedding hook; vectors always arrive
// pre-computed.
func identityEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding requested but vectors are pre-computed")
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *ChromemStore) Query(ctx context.Context, collection string, vector []float32, topK int, scoreThreshold float64, filter map[string]any) ([]protocol.VectorResult, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects queries asking for more results than stored docs.
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK <= 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for k, v := range filter {
			where[k] = fmt.Sprint(v)
		}
	}

	matches, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	out := make([]protocol.VectorResult, 0, len(matches))
	for _, match := range matches {
		score := float64(match.Similarity)
		if score < scoreThreshold {
			continue
		}
		payload := make(map[string]any, len(match.Metadata)+1)
		for k, v := range match.Metadata {
			payload[k] = v
		}
		if match.Content != "" {
			payload["content"] = match.Content
		}
		out = append(out, protocol.VectorResult{
			ID:      match.ID,
			Score:   score,
			Payload: payload,
		})
	}
	return out, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []protocol.VectorPoint) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(points))
	for _, point := range points {
		metadata := make(map[string]string, len(point.Payload))
		for k, v := range point.Payload {
			metadata[k] = fmt.Sprint(v)
		}
		content := point.Text
		if content == "" {
			if c, ok := point.Payload["content"].(string); ok {
				content = c
			}
		}
		docs = append(docs, chromem.Document{
			ID:        point.ID,
			Content:   content,
			Metadata:  metadata,
			Embedding: point.Vector,
		})
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}
	return s.persist()
}

func (s *ChromemStore) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return s.persist()
}

func (s *ChromemStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.db.ListCollections()[collection]
	return ok, nil
}

func (s *ChromemStore) CreateCollection(ctx context.Context, collection string, dimensions int) error {
	_, err := s.collection(collection)
	return err
}

func (s *ChromemStore) ListCollections(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	for name := range s.db.ListCollections() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *ChromemStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	delete(s.collections, collection)
	return s.persist()
}

func (s *ChromemStore) Close() error {
	return s.persist()
}

func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}
	if err := s.db.Export(chromemDBPath(s.persistPath, s.compress), s.compress, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}
	return nil
}
