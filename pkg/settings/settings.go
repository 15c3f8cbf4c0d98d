// Package settings splits a call-spec settings bag into its runtime,
// provider and extras partitions and implements the per-priority-entry deep
// merge.
package settings

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// runtimeKeys govern the tool loop and context pruning.
var runtimeKeys = map[string]bool{
	"toolCountdownEnabled":   true,
	"toolFinalPromptEnabled": true,
	"maxToolIterations":      true,
	"preserveToolResults":    true,
	"preserveReasoning":      true,
	"parallelToolExecution":  true,
	"toolResultMaxChars":     true,
	"batchId":                true,
}

// providerKeys are the recognized upstream knobs forwarded to compats.
var providerKeys = map[string]bool{
	"temperature":      true,
	"topP":             true,
	"maxTokens":        true,
	"stop":             true,
	"responseFormat":   true,
	"seed":             true,
	"frequencyPenalty": true,
	"presencePenalty":  true,
	"logitBias":        true,
	"logprobs":         true,
	"topLogprobs":      true,
	"reasoning":        true,
	"reasoningBudget":  true,
}

// Partitioned is the three-way split of a settings bag.
type Partitioned struct {
	Runtime  map[string]any
	Provider map[string]any
	Extras   map[string]any
}

// Partition splits a settings bag by the static key sets. Nil values are
// dropped; everything unrecognized (including a nested "provider" key) lands
// in extras. The input map is not mutated.
func Partition(bag map[string]any) Partitioned {
	out := Partitioned{
		Runtime:  make(map[string]any),
		Provider: make(map[string]any),
		Extras:   make(map[string]any),
	}

	for key, value := range bag {
		if value == nil {
			continue
		}
		switch {
		case runtimeKeys[key]:
			out.Runtime[key] = value
		case providerKeys[key]:
			out.Provider[key] = value
		default:
			out.Extras[key] = value
		}
	}

	return out
}

// Merge deep-merges override onto base without mutating either. Primitives
// and arrays overwrite; maps merge recursively; nil override values are
// ignored.
func Merge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if existing, ok := out[k]; ok {
			existingMap, existingIsMap := existing.(map[string]any)
			overrideMap, overrideIsMap := v.(map[string]any)
			if existingIsMap && overrideIsMap {
				out[k] = Merge(existingMap, overrideMap)
				continue
			}
		}
		out[k] = v
	}

	return out
}

// PreserveMode bounds how many tool-result or reasoning blocks survive
// pruning: all of them, none, or the last N.
type PreserveMode struct {
	All  bool
	None bool
	N    int
}

// ParsePreserve accepts "all", "none" or an integer value.
func ParsePreserve(value any) (PreserveMode, error) {
	switch v := value.(type) {
	case nil:
		return PreserveMode{All: true}, nil
	case string:
		switch v {
		case "all":
			return PreserveMode{All: true}, nil
		case "none":
			return PreserveMode{None: true}, nil
		default:
			return PreserveMode{}, fmt.Errorf("invalid preserve value %q", v)
		}
	case float64:
		return PreserveMode{N: int(v)}, nil
	case int:
		return PreserveMode{N: v}, nil
	default:
		return PreserveMode{}, fmt.Errorf("invalid preserve value of type %T", value)
	}
}

// Runtime is the typed view of the runtime partition.
type Runtime struct {
	ToolCountdownEnabled   bool   `mapstructure:"toolCountdownEnabled"`
	ToolFinalPromptEnabled bool   `mapstructure:"toolFinalPromptEnabled"`
	MaxToolIterations      int    `mapstructure:"maxToolIterations"`
	ParallelToolExecution  bool   `mapstructure:"parallelToolExecution"`
	ToolResultMaxChars     int    `mapstructure:"toolResultMaxChars"`
	BatchID                string `mapstructure:"batchId"`

	PreserveToolResults PreserveMode `mapstructure:"-"`
	PreserveReasoning   PreserveMode `mapstructure:"-"`
}

// DecodeRuntime materializes the runtime partition into a Runtime struct,
// applying defaults for absent keys.
func DecodeRuntime(partition map[string]any, defaults Runtime) (Runtime, error) {
	out := defaults

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, err
	}
	if err := decoder.Decode(partition); err != nil {
		return out, fmt.Errorf("invalid runtime settings: %w", err)
	}

	if raw, ok := partition["preserveToolResults"]; ok {
		mode, err := ParsePreserve(raw)
		if err != nil {
			return out, fmt.Errorf("preserveToolResults: %w", err)
		}
		out.PreserveToolResults = mode
	}
	if raw, ok := partition["preserveReasoning"]; ok {
		mode, err := ParsePreserve(raw)
		if err != nil {
			return out, fmt.Errorf("preserveReasoning: %w", err)
		}
		out.PreserveReasoning = mode
	}

	return out, nil
}
