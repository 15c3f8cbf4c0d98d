package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PriorityEntry is one provider candidate. Settings is a partial override
// deep-merged onto the spec-level settings before partitioning.
type PriorityEntry struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Settings map[string]any `json:"settings,omitempty"`
}

// QueryConstruction controls how the RAG embedding query is assembled from
// the conversation when no override query is configured.
type QueryConstruction struct {
	// MessagesToInclude is the number of trailing messages used; 0 means all.
	MessagesToInclude int `json:"messagesToInclude,omitempty"`

	// IncludeSystemPrompt is one of: always, never, if-in-range.
	IncludeSystemPrompt string `json:"includeSystemPrompt,omitempty"`

	IncludeAssistantMessages bool   `json:"includeAssistantMessages,omitempty"`
	Separator                string `json:"separator,omitempty"`
}

// EmbeddingPriorityEntry names one embedding provider candidate.
type EmbeddingPriorityEntry struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// VectorLocks pins vector-search parameters server-side. Locked parameters
// are hidden from the tool schema and override anything the model claims.
type VectorLocks struct {
	Store          *string        `json:"store,omitempty"`
	Collection     *string        `json:"collection,omitempty"`
	TopK           *int           `json:"topK,omitempty"`
	Filter         map[string]any `json:"filter,omitempty"`
	ScoreThreshold *float64       `json:"scoreThreshold,omitempty"`
}

// ToolSchemaOverrides renames or hides vector_search parameters in the
// schema exposed to the model. An empty string hides the parameter.
type ToolSchemaOverrides struct {
	Params map[string]string `json:"params,omitempty"`
}

// VectorContextConfig configures RAG context injection.
type VectorContextConfig struct {
	// Mode is one of: auto, tool, both.
	Mode string `json:"mode"`

	Stores         []string       `json:"stores,omitempty"`
	Collection     string         `json:"collection,omitempty"`
	TopK           int            `json:"topK,omitempty"`
	ScoreThreshold float64        `json:"scoreThreshold,omitempty"`
	Filter         map[string]any `json:"filter,omitempty"`

	// InjectAs is "system" or "user_context" (auto/both modes).
	InjectAs string `json:"injectAs,omitempty"`

	Template     string `json:"template,omitempty"`
	ResultFormat string `json:"resultFormat,omitempty"`

	OverrideEmbeddingQuery string                   `json:"overrideEmbeddingQuery,omitempty"`
	QueryConstruction      *QueryConstruction       `json:"queryConstruction,omitempty"`
	EmbeddingPriority      []EmbeddingPriorityEntry `json:"embeddingPriority,omitempty"`

	Locks               *VectorLocks         `json:"locks,omitempty"`
	ToolSchemaOverrides *ToolSchemaOverrides `json:"toolSchemaOverrides,omitempty"`

	// ToolName overrides the exposed vector-search tool name.
	ToolName string `json:"toolName,omitempty"`
}

// CallSpec is the immutable input to one LLM run.
type CallSpec struct {
	SystemPrompt  string               `json:"systemPrompt,omitempty"`
	Messages      []Message            `json:"messages"`
	Tools         []string             `json:"tools,omitempty"`
	ToolServers   []string             `json:"toolServers,omitempty"`
	VectorStores  []string             `json:"vectorStores,omitempty"`
	VectorContext *VectorContextConfig `json:"vectorContext,omitempty"`
	LLMPriority   []PriorityEntry      `json:"llmPriority"`
	ToolChoice    string               `json:"toolChoice,omitempty"`
	RetryDelaysMs []int                `json:"retryDelaysMs,omitempty"`
	Settings      map[string]any       `json:"settings,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

// ParseCallSpec decodes a spec document, rejecting unknown root keys.
// Unknown keys inside settings are legal (they flow to extras).
func ParseCallSpec(data []byte) (*CallSpec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var spec CallSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("invalid call spec: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate enforces the structural invariants of a call spec.
func (s *CallSpec) Validate() error {
	if len(s.LLMPriority) == 0 {
		return fmt.Errorf("llmPriority must not be empty")
	}
	for i, entry := range s.LLMPriority {
		if entry.Provider == "" {
			return fmt.Errorf("llmPriority[%d]: provider is required", i)
		}
		if entry.Model == "" {
			return fmt.Errorf("llmPriority[%d]: model is required", i)
		}
	}
	for i, msg := range s.Messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, msg.Role)
		}
		if msg.Role == RoleTool && msg.ToolCallID == "" {
			return fmt.Errorf("messages[%d]: tool message requires toolCallId", i)
		}
	}
	if vc := s.VectorContext; vc != nil {
		switch vc.Mode {
		case "auto", "tool", "both":
		default:
			return fmt.Errorf("vectorContext.mode must be auto, tool or both")
		}
	}
	return nil
}

// VectorSpec is the input to one vector-store coordinator run.
type VectorSpec struct {
	Operation  string         `json:"operation"` // query, upsert, delete, createCollection, deleteCollection, listCollections
	Store      string         `json:"store"`
	Collection string         `json:"collection,omitempty"`

	// Query inputs: either an embedding query string or a raw vector.
	Query  string    `json:"query,omitempty"`
	Vector []float32 `json:"vector,omitempty"`
	TopK   int       `json:"topK,omitempty"`

	ScoreThreshold float64        `json:"scoreThreshold,omitempty"`
	Filter         map[string]any `json:"filter,omitempty"`

	Points []VectorPoint `json:"points,omitempty"`
	IDs    []string      `json:"ids,omitempty"`

	Dimensions        int                      `json:"dimensions,omitempty"`
	EmbeddingPriority []EmbeddingPriorityEntry `json:"embeddingPriority,omitempty"`
	Settings          map[string]any           `json:"settings,omitempty"`
}

// VectorPoint is one point to upsert. The ID is an arbitrary caller string;
// store compats map it to whatever id format the backend accepts.
type VectorPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Text    string         `json:"text,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// VectorResult is one similarity match. Score is normalized to [0,1] under
// the collection's metric.
type VectorResult struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
	Vector  []float32      `json:"vector,omitempty"`
}

// EmbeddingSpec is the input to one embeddings run.
type EmbeddingSpec struct {
	Inputs            []string                 `json:"inputs"`
	EmbeddingPriority []EmbeddingPriorityEntry `json:"embeddingPriority,omitempty"`
	Store             string                   `json:"store,omitempty"`
}

// ParseVectorSpec decodes a vector spec document, rejecting unknown keys.
func ParseVectorSpec(data []byte) (*VectorSpec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var spec VectorSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("invalid vector spec: %w", err)
	}
	if spec.Operation == "" {
		return nil, fmt.Errorf("vector spec: operation is required")
	}
	return &spec, nil
}

// ParseEmbeddingSpec decodes an embedding spec document, rejecting unknown
// keys.
func ParseEmbeddingSpec(data []byte) (*EmbeddingSpec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var spec EmbeddingSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("invalid embedding spec: %w", err)
	}
	if len(spec.Inputs) == 0 {
		return nil, fmt.Errorf("embedding spec: inputs are required")
	}
	return &spec, nil
}
