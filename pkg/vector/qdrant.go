package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

// QdrantStore talks to a Qdrant server over gRPC. Qdrant only accepts UUID
// or integer point ids, so arbitrary caller ids are mapped to deterministic
// v5 UUIDs and the original id rides along in the payload under "_id".
type QdrantStore struct {
	client *qdrant.Client
}

func newQdrantStore(manifest plugins.VectorStoreManifest) (*QdrantStore, error) {
	host, _ := manifest.Config["host"].(string)
	if host == "" {
		host = "localhost"
	}
	port := 6334
	switch p := manifest.Config["port"].(type) {
	case float64:
		port = int(p)
	case int:
		port = p
	}
	apiKey, _ := manifest.Config["apiKey"].(string)
	useTLS, _ := manifest.Config["useTls"].(bool)

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client for %s:%d: %w", host, port, err)
	}

	return &QdrantStore{client: client}, nil
}

func (s *QdrantStore) Kind() string { return "qdrant" }

// qdrantPointID maps a caller id onto an id Qdrant accepts. Ids that are
// already UUIDs pass through unchanged; everything else gets a deterministic
// v5 UUID so repeated upserts of the same id hit the same point.
func qdrantPointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (s *QdrantStore) Query(ctx context.Context, collection string, vector []float32, topK int, scoreThreshold float64, filter map[string]any) ([]protocol.VectorResult, error) {
	request := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if scoreThreshold > 0 {
		threshold := float32(scoreThreshold)
		request.ScoreThreshold = &threshold
	}
	if len(filter) > 0 {
		request.Filter = buildFilter(filter)
	}

	searchResult, err := s.client.GetPointsClient().Search(ctx, request)
	if err != nil {
		// A missing collection behaves like an empty one, matching chromem.
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("query failed: %w", err)
	}

	results := make([]protocol.VectorResult, 0, len(searchResult.Result))
	for _, point := range searchResult.Result {
		results = append(results, convertScoredPoint(point))
	}
	return results, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []protocol.VectorPoint) error {
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, point := range points {
		payload := make(map[string]*qdrant.Value, len(point.Payload)+2)
		for key, value := range point.Payload {
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("failed to convert payload value for key %s: %w", key, err)
			}
			payload[key] = val
		}
		if point.Text != "" {
			val, err := qdrant.NewValue(point.Text)
			if err != nil {
				return fmt.Errorf("failed to convert point text: %w", err)
			}
			payload["content"] = val
		}

		pointID := qdrantPointID(point.ID)
		if pointID != point.ID {
			val, err := qdrant.NewValue(point.ID)
			if err != nil {
				return fmt.Errorf("failed to convert point id: %w", err)
			}
			payload["_id"] = val
		}

		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID),
			Vectors: qdrant.NewVectors(point.Vector...),
			Payload: payload,
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (s *QdrantStore) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, &qdrant.PointId{
			PointIdOptions: &qdrant.PointId_Uuid{Uuid: qdrantPointID(id)},
		})
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

func (s *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	return exists, nil
}

func (s *QdrantStore) CreateCollection(ctx context.Context, collection string, dimensions int) error {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

func (s *QdrantStore) DeleteCollection(ctx context.Context, collection string) error {
	if err := s.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func buildFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{
							Keyword: val.GetStringValue(),
						},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func convertScoredPoint(point *qdrant.ScoredPoint) protocol.VectorResult {
	var id string
	if point.Id != nil {
		switch idType := point.Id.PointIdOptions.(type) {
		case *qdrant.PointId_Uuid:
			id = idType.Uuid
		case *qdrant.PointId_Num:
			id = fmt.Sprintf("%d", idType.Num)
		}
	}

	payload := make(map[string]any, len(point.Payload))
	for key, value := range point.Payload {
		payload[key] = qdrantValueToAny(value)
	}

	// Restore the caller's original id when the point was stored under a
	// derived UUID.
	if original, ok := payload["_id"].(string); ok {
		id = original
		delete(payload, "_id")
	}

	return protocol.VectorResult{
		ID:      id,
		Score:   float64(point.Score),
		Payload: payload,
	}
}

func qdrantValueToAny(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValueToAny(item)
		}
		return list
	case *qdrant.Value_StructValue:
		if v.StructValue == nil {
			return nil
		}
		m := make(map[string]any, len(v.StructValue.Fields))
		for key, item := range v.StructValue.Fields {
			m[key] = qdrantValueToAny(item)
		}
		return m
	default:
		return nil
	}
}

var _ Store = (*QdrantStore)(nil)
var _ Store = (*ChromemStore)(nil)
