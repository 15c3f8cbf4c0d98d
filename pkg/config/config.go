// Package config resolves the process defaults for every knob: retry
// sequences, tool-loop budgets, vector-search fallbacks and the server
// limits. Values come from configs/defaults.json with compiled-in fallbacks.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// RetryDefaults control the rate-limit backoff inside one provider call.
type RetryDefaults struct {
	DelaysMs []int `json:"delaysMs"`
}

// ToolDefaults seed the runtime settings partition.
type ToolDefaults struct {
	MaxToolIterations      int  `json:"maxToolIterations"`
	ToolCountdownEnabled   bool `json:"toolCountdownEnabled"`
	ToolFinalPromptEnabled bool `json:"toolFinalPromptEnabled"`
	ParallelToolExecution  bool `json:"parallelToolExecution"`
	ToolResultMaxChars     int  `json:"toolResultMaxChars"`
}

// VectorDefaults apply when neither the spec nor a store manifest names a
// value.
type VectorDefaults struct {
	TopK           int     `json:"topK"`
	ScoreThreshold float64 `json:"scoreThreshold"`
}

// CORSDefaults configure the allow-origin handling.
type CORSDefaults struct {
	AllowedOrigins []string `json:"allowedOrigins"`
	AllowedHeaders []string `json:"allowedHeaders"`
}

// RateLimitDefaults configure the per-client token bucket. The bucket
// refills at requestsPerMinute/60 tokens per second.
type RateLimitDefaults struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerMinute float64 `json:"requestsPerMinute"`
	Burst             int     `json:"burst"`
	TrustProxyHeaders bool    `json:"trustProxyHeaders"`
}

// LimiterDefaults configure one per-route concurrency limiter.
type LimiterDefaults struct {
	MaxConcurrent  int `json:"maxConcurrent"`
	MaxQueueSize   int `json:"maxQueueSize"`
	QueueTimeoutMs int `json:"queueTimeoutMs"`
}

// ServerDefaults are the HTTP server knobs.
type ServerDefaults struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	MaxRequestBytes     int64 `json:"maxRequestBytes"`
	BodyReadTimeoutMs   int   `json:"bodyReadTimeoutMs"`
	RequestTimeoutMs    int   `json:"requestTimeoutMs"`
	StreamIdleTimeoutMs int   `json:"streamIdleTimeoutMs"`

	SecurityHeadersEnabled bool `json:"securityHeadersEnabled"`

	CORS      CORSDefaults      `json:"cors"`
	RateLimit RateLimitDefaults `json:"rateLimit"`
	Limiter   LimiterDefaults   `json:"limiter"`
}

// PathDefaults locate the on-disk plugin layout.
type PathDefaults struct {
	PluginsDir string `json:"pluginsDir"`
}

// Defaults is the full resolved defaults document.
type Defaults struct {
	Retry  RetryDefaults  `json:"retry"`
	Tools  ToolDefaults   `json:"tools"`
	Vector VectorDefaults `json:"vector"`
	Server ServerDefaults `json:"server"`
	Paths  PathDefaults   `json:"paths"`
}

// Builtin returns the compiled-in defaults, used when no defaults file is
// present and as the base every file overlays.
func Builtin() Defaults {
	return Defaults{
		Retry: RetryDefaults{
			DelaysMs: []int{1000, 2000, 4000},
		},
		Tools: ToolDefaults{
			MaxToolIterations:      10,
			ToolCountdownEnabled:   true,
			ToolFinalPromptEnabled: true,
			ParallelToolExecution:  false,
			ToolResultMaxChars:     0,
		},
		Vector: VectorDefaults{
			TopK:           5,
			ScoreThreshold: 0,
		},
		Server: ServerDefaults{
			Host:                   "127.0.0.1",
			Port:                   8080,
			MaxRequestBytes:        10 << 20,
			BodyReadTimeoutMs:      10000,
			RequestTimeoutMs:       300000,
			StreamIdleTimeoutMs:    120000,
			SecurityHeadersEnabled: true,
			CORS: CORSDefaults{
				AllowedOrigins: []string{"*"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
			},
			RateLimit: RateLimitDefaults{
				Enabled:           false,
				RequestsPerMinute: 600,
				Burst:             20,
				TrustProxyHeaders: false,
			},
			Limiter: LimiterDefaults{
				MaxConcurrent:  16,
				MaxQueueSize:   64,
				QueueTimeoutMs: 10000,
			},
		},
		Paths: PathDefaults{
			PluginsDir: "./plugins",
		},
	}
}

// Load overlays a defaults file onto the builtin values. A missing file is
// not an error; a malformed one is.
func Load(path string) (Defaults, error) {
	out := Builtin()
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, fmt.Errorf("failed to read defaults file: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("invalid defaults file %s: %w", path, err)
	}
	return out, nil
}
