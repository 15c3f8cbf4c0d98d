package llms

import (
	"fmt"

	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/settings"
)

// ApplyPayloadExtensions injects pass-through settings into a built payload
// according to the provider manifest's typed extension points. Consumed keys
// are removed from extras; whatever remains flows to the compat's
// ApplyProviderExtensions untouched.
func ApplyPayloadExtensions(payload map[string]any, extensions []plugins.PayloadExtension, extras map[string]any) error {
	for _, ext := range extensions {
		value, present := extras[ext.SettingsKey]

		if !present {
			if ext.Required {
				return fmt.Errorf("payload extension %q: required settings key %q missing", ext.Name, ext.SettingsKey)
			}
			if ext.Default == nil {
				continue
			}
			value = ext.Default
		}

		if err := checkValueType(ext.ValueType, value); err != nil {
			return fmt.Errorf("payload extension %q: %w", ext.Name, err)
		}

		// An object default acts as a base the supplied value merges onto.
		if present {
			if defMap, ok := ext.Default.(map[string]any); ok {
				if valMap, ok := value.(map[string]any); ok {
					value = settings.Merge(defMap, valMap)
				}
			}
		}

		if err := injectAtPath(payload, ext.TargetPath, value, ext.MergeStrategy); err != nil {
			return fmt.Errorf("payload extension %q: %w", ext.Name, err)
		}

		if present {
			delete(extras, ext.SettingsKey)
		}
	}
	return nil
}

func checkValueType(valueType string, value any) error {
	switch valueType {
	case "", "any":
		return nil
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case "number":
		switch value.(type) {
		case float64, int, int64, float32:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	default:
		return fmt.Errorf("unknown value type %q", valueType)
	}
	return nil
}

// injectAtPath writes value into payload at the target path, creating
// intermediate maps. Maps merge recursively unless the strategy is replace;
// arrays and primitives always overwrite.
func injectAtPath(payload map[string]any, path []string, value any, mergeStrategy string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty target path")
	}

	current := payload
	for _, key := range path[:len(path)-1] {
		next, ok := current[key]
		if !ok {
			child := make(map[string]any)
			current[key] = child
			current = child
			continue
		}
		childMap, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("target path segment %q is not an object", key)
		}
		current = childMap
	}

	leaf := path[len(path)-1]
	if mergeStrategy == "replace" {
		current[leaf] = value
		return nil
	}

	existing, ok := current[leaf]
	if !ok {
		current[leaf] = value
		return nil
	}

	existingMap, existingIsMap := existing.(map[string]any)
	valueMap, valueIsMap := value.(map[string]any)
	if existingIsMap && valueIsMap {
		current[leaf] = settings.Merge(existingMap, valueMap)
		return nil
	}

	current[leaf] = value
	return nil
}
