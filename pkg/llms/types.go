// Package llms contains the compat adapter capability set, the compiled-in
// adapter kinds and the single-call LLM manager.
//
// A compat adapter owns every provider-specific byte: payload shapes,
// response parsing and stream chunk framing. Core code selects adapters only
// through the manifest's kind string.
package llms

import (
	"context"
	"fmt"
	"sync"

	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

// ToolDefinition is the provider-agnostic declaration of one callable tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamChunk is the uniform parse result of one provider stream chunk.
type StreamChunk struct {
	Text       string
	ToolEvents []protocol.ToolEvent

	// FinishedWithToolCalls signals a terminal chunk whose finish reason is
	// tool use; any still-pending calls must be finalized.
	FinishedWithToolCalls bool

	Usage     *protocol.Usage
	Reasoning *protocol.ReasoningTrace

	Done         bool
	FinishReason string

	// Err is set only by the manager when the transport or the upstream API
	// fails mid-stream; it is always the final chunk.
	Err error
}

// Compat is the adapter capability set for one provider protocol kind.
type Compat interface {
	Kind() string

	BuildPayload(model string, providerSettings map[string]any, messages []protocol.Message, tools []ToolDefinition, toolChoice string) (map[string]any, error)

	ParseResponse(raw []byte, model string) (*protocol.Response, error)

	// ParseStreamChunk parses one raw chunk as delivered by the manager.
	// A nil result means the chunk carries nothing observable.
	ParseStreamChunk(chunk []byte) (*StreamChunk, error)

	SerializeTools(tools []ToolDefinition) any
	SerializeToolChoice(choice string) any
}

// ExtensionApplier is an optional compat capability: consume leftover extras
// after the payload extension engine ran.
type ExtensionApplier interface {
	ApplyProviderExtensions(payload map[string]any, extras map[string]any)
}

// SDKCaller is an optional compat capability. When present the manager
// prefers the SDK path over raw HTTP. StreamSDK chunks are re-fed through
// the same compat's ParseStreamChunk.
type SDKCaller interface {
	CallSDK(ctx context.Context, manifest plugins.ProviderManifest, model string, providerSettings map[string]any, messages []protocol.Message, tools []ToolDefinition, toolChoice string, extras map[string]any) (*protocol.Response, error)

	StreamSDK(ctx context.Context, manifest plugins.ProviderManifest, model string, providerSettings map[string]any, messages []protocol.Message, tools []ToolDefinition, toolChoice string, extras map[string]any) (<-chan []byte, func(), error)
}

var (
	compatMu        sync.RWMutex
	compatFactories = map[string]func() Compat{}
)

// RegisterCompat installs a compat factory for a kind. Later registrations
// replace earlier ones so tests can stub kinds.
func RegisterCompat(kind string, factory func() Compat) {
	compatMu.Lock()
	defer compatMu.Unlock()
	compatFactories[kind] = factory
}

// CompatKinds lists the registered kind strings.
func CompatKinds() []string {
	compatMu.RLock()
	defer compatMu.RUnlock()
	kinds := make([]string, 0, len(compatFactories))
	for kind := range compatFactories {
		kinds = append(kinds, kind)
	}
	return kinds
}

// CompatCache hands out one adapter instance per kind. Each coordinator owns
// its own cache so adapter state never crosses runs.
type CompatCache struct {
	mu        sync.Mutex
	instances map[string]Compat
}

func NewCompatCache() *CompatCache {
	return &CompatCache{instances: make(map[string]Compat)}
}

// Get returns the cached adapter for kind, constructing it on first use.
func (c *CompatCache) Get(kind string) (Compat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if instance, ok := c.instances[kind]; ok {
		return instance, nil
	}

	compatMu.RLock()
	factory, ok := compatFactories[kind]
	compatMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown compat kind %q", kind)
	}

	instance := factory()
	c.instances[kind] = instance
	return instance, nil
}
