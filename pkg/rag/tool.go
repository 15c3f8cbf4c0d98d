package rag

import (
	"context"
	"fmt"

	"github.com/llmadapter/coordinator/pkg/llms"
	"github.com/llmadapter/coordinator/pkg/tools"
)

// DefaultSearchToolName is the exposed tool name unless the config renames it.
const DefaultSearchToolName = "vector_search"

// canonicalParams are the tool's parameter names in schema order.
var canonicalParams = []string{"query", "topK", "store", "collection", "scoreThreshold", "filter"}

var paramSchemas = map[string]map[string]any{
	"query": {
		"type":        "string",
		"description": "The search query to embed and match against stored vectors",
	},
	"topK": {
		"type":        "integer",
		"description": "Maximum number of results to return",
	},
	"store": {
		"type":        "string",
		"description": "Vector store id to search",
	},
	"collection": {
		"type":        "string",
		"description": "Collection to search within the store",
	},
	"scoreThreshold": {
		"type":        "number",
		"description": "Minimum similarity score for a result to be included",
	},
	"filter": {
		"type":        "object",
		"description": "Metadata equality filter applied to candidate points",
	},
}

// SearchTool is the built vector_search tool: the schema exposed to the
// model plus the handler enforcing locks and aliases server-side.
type SearchTool struct {
	Definition llms.ToolDefinition
	Handler    tools.Handler

	// aliases maps exposed parameter names to canonical ones.
	aliases map[string]string
}

// BuildSearchTool derives the exposed schema from the injector's config.
// Locked parameters are omitted from the schema entirely; overrides may
// rename parameters or hide them with an empty string.
func BuildSearchTool(inj *Injector) (*SearchTool, error) {
	hidden := make(map[string]bool)
	if locks := inj.config.Locks; locks != nil {
		if locks.Store != nil {
			hidden["store"] = true
		}
		if locks.Collection != nil {
			hidden["collection"] = true
		}
		if locks.TopK != nil {
			hidden["topK"] = true
		}
		if locks.ScoreThreshold != nil {
			hidden["scoreThreshold"] = true
		}
		if locks.Filter != nil {
			hidden["filter"] = true
		}
	}

	aliases := make(map[string]string)
	exposedNames := make(map[string]string)
	if overrides := inj.config.ToolSchemaOverrides; overrides != nil {
		for canonical, exposed := range overrides.Params {
			if paramSchemas[canonical] == nil {
				return nil, fmt.Errorf("unknown vector_search parameter %q in schema overrides", canonical)
			}
			if exposed == "" {
				hidden[canonical] = true
				continue
			}
			if prior, ok := exposedNames[exposed]; ok {
				return nil, fmt.Errorf("schema override alias %q collides between %s and %s", exposed, prior, canonical)
			}
			exposedNames[exposed] = canonical
			aliases[exposed] = canonical
		}
	}

	properties := make(map[string]any)
	var required []string
	for _, canonical := range canonicalParams {
		if hidden[canonical] {
			continue
		}
		name := canonical
		for exposed, target := range aliases {
			if target == canonical {
				name = exposed
				break
			}
		}
		if _, taken := properties[name]; taken {
			return nil, fmt.Errorf("schema override alias %q collides with parameter %q", name, canonical)
		}
		properties[name] = paramSchemas[canonical]
		if canonical == "query" {
			required = append(required, name)
		}
	}

	name := inj.config.ToolName
	if name == "" {
		name = DefaultSearchToolName
	}

	tool := &SearchTool{
		Definition: llms.ToolDefinition{
			Name:        name,
			Description: "Search the configured vector stores for content similar to a query",
			Parameters: map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		},
		aliases: aliases,
	}
	tool.Handler = func(ctx context.Context, inv tools.Invocation) (any, error) {
		return tool.invoke(ctx, inj, inv.Args)
	}
	return tool, nil
}

// invoke translates aliases, applies locks and runs the search. Failures are
// delivered to the model as text, never as handler errors, so the run keeps
// going.
func (t *SearchTool) invoke(ctx context.Context, inj *Injector, rawArgs map[string]any) (any, error) {
	args := t.translate(rawArgs)

	query, _ := args["query"].(string)
	if query == "" {
		return "Vector search failed: query is required", nil
	}

	callerArgs := &searchArgs{}
	if store, ok := args["store"].(string); ok {
		callerArgs.store = store
	}
	if collection, ok := args["collection"].(string); ok {
		callerArgs.collection = collection
	}
	callerArgs.topK = intArg(args["topK"])
	if threshold, ok := args["scoreThreshold"].(float64); ok {
		callerArgs.scoreThreshold = threshold
	}
	if filter, ok := args["filter"].(map[string]any); ok {
		callerArgs.filter = filter
	}

	results, err := inj.search(ctx, query, callerArgs)
	if err != nil {
		return fmt.Sprintf("Vector search failed: %s", err.Error()), nil
	}
	return formatResultsForModel(query, results), nil
}

// translate maps exposed argument names back to canonical ones. Canonical
// names keep working even when an alias exists.
func (t *SearchTool) translate(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for key, value := range args {
		if canonical, ok := t.aliases[key]; ok {
			out[canonical] = value
			continue
		}
		out[key] = value
	}
	return out
}

func intArg(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
