// Package plugins is the lazy, filesystem-backed catalog of provider, tool,
// tool-server, vector-store and embedding manifests.
//
// Layout under the plugin root:
//
//	providers/*.json    LLM provider manifests
//	tools/*.json        tool declarations exposed to the model
//	mcp/*.json          subprocess tool servers
//	vector/*.json       vector stores
//	embeddings/*.json   embedding providers
//	processes/*.json    tool routing rules
//
// Compat adapters are compiled-in and selected by each manifest's "kind"
// discriminator; see pkg/llms, pkg/embedders and pkg/vector for the kind
// tables.
package plugins

import "github.com/llmadapter/coordinator/pkg/protocol"

// PayloadExtension declares one typed injection point for pass-through
// settings in a provider payload.
type PayloadExtension struct {
	Name          string   `json:"name"`
	SettingsKey   string   `json:"settingsKey"`
	TargetPath    []string `json:"targetPath"`
	ValueType     string   `json:"valueType,omitempty"` // object, array, string, number, boolean, any
	MergeStrategy string   `json:"mergeStrategy,omitempty"`
	Default       any      `json:"default,omitempty"`
	Required      bool     `json:"required,omitempty"`
}

// EndpointConfig is the wire-level endpoint of a provider. Header values may
// contain ${NAME} tokens resolved against the environment at load time;
// unresolved tokens stay literal.
type EndpointConfig struct {
	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers,omitempty"`
	StreamURL     string            `json:"streamUrl,omitempty"`
	StreamHeaders map[string]string `json:"streamHeaders,omitempty"`
}

// ProviderManifest describes one LLM provider.
type ProviderManifest struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Endpoint   EndpointConfig `json:"endpoint"`
	RetryWords []string       `json:"retryWords,omitempty"`

	PayloadExtensions []PayloadExtension `json:"payloadExtensions,omitempty"`

	// Config carries adapter-specific knobs verbatim.
	Config map[string]any `json:"config,omitempty"`
}

// ToolManifest declares one tool visible to the model. Parameters is a JSON
// Schema fragment passed through to the provider's tool serialization.
type ToolManifest struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// MCPServerManifest configures one subprocess tool server.
type MCPServerManifest struct {
	ID      string            `json:"id"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// TimeoutMs bounds a single tools/call; 0 uses the pool default.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// VectorStoreDefaults are per-store fallbacks for vector-search parameters.
type VectorStoreDefaults struct {
	Collection        string                            `json:"collection,omitempty"`
	TopK              int                               `json:"topK,omitempty"`
	ScoreThreshold    float64                           `json:"scoreThreshold,omitempty"`
	EmbeddingPriority []protocol.EmbeddingPriorityEntry `json:"embeddingPriority,omitempty"`
}

// VectorStoreManifest describes one vector store binding.
type VectorStoreManifest struct {
	ID       string              `json:"id"`
	Kind     string              `json:"kind"`
	Config   map[string]any      `json:"config,omitempty"`
	Defaults VectorStoreDefaults `json:"defaults,omitempty"`
}

// EmbeddingProviderManifest describes one embedding provider.
type EmbeddingProviderManifest struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// RouteMatch selects tool names for a process route.
type RouteMatch struct {
	Type    string `json:"type"` // exact, prefix, regex, glob
	Pattern string `json:"pattern"`
}

// RouteInvoke names the invocation target for a matched tool.
type RouteInvoke struct {
	Kind string `json:"kind"` // module, command, http, mcp

	// module kind
	Module   string `json:"module,omitempty"`
	Function string `json:"function,omitempty"`

	// command kind
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// http kind
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// mcp kind
	Server string `json:"server,omitempty"`
}

// ProcessRoute is one declared routing rule; first match wins in declaration
// order.
type ProcessRoute struct {
	Match     RouteMatch  `json:"match"`
	Invoke    RouteInvoke `json:"invoke"`
	TimeoutMs int         `json:"timeoutMs,omitempty"`
}
