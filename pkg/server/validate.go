package server

import (
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Request schemas. Structural checks only; semantic validation happens in
// the protocol parsers.
const callSpecSchema = `{
  "type": "object",
  "properties": {
    "systemPrompt": {"type": "string"},
    "messages": {"type": "array", "items": {"type": "object"}},
    "tools": {"type": "array", "items": {"type": "string"}},
    "toolServers": {"type": "array", "items": {"type": "string"}},
    "vectorStores": {"type": "array", "items": {"type": "string"}},
    "vectorContext": {"type": "object"},
    "llmPriority": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "provider": {"type": "string", "minLength": 1},
          "model": {"type": "string", "minLength": 1}
        },
        "required": ["provider", "model"]
      }
    },
    "toolChoice": {"type": "string"},
    "retryDelaysMs": {"type": "array", "items": {"type": "integer", "minimum": 0}},
    "settings": {"type": "object"},
    "metadata": {"type": "object"}
  },
  "required": ["llmPriority"],
  "additionalProperties": false
}`

const vectorSpecSchema = `{
  "type": "object",
  "properties": {
    "operation": {
      "type": "string",
      "enum": ["query", "upsert", "delete", "createCollection", "deleteCollection", "listCollections"]
    },
    "store": {"type": "string", "minLength": 1},
    "collection": {"type": "string"},
    "query": {"type": "string"},
    "vector": {"type": "array", "items": {"type": "number"}},
    "topK": {"type": "integer", "minimum": 0},
    "scoreThreshold": {"type": "number"},
    "filter": {"type": "object"},
    "points": {"type": "array", "items": {"type": "object"}},
    "ids": {"type": "array", "items": {"type": "string"}},
    "dimensions": {"type": "integer", "minimum": 0},
    "embeddingPriority": {"type": "array", "items": {"type": "object"}},
    "settings": {"type": "object"}
  },
  "required": ["operation", "store"],
  "additionalProperties": false
}`

const embeddingSpecSchema = `{
  "type": "object",
  "properties": {
    "inputs": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "embeddingPriority": {"type": "array", "items": {"type": "object"}},
    "store": {"type": "string"}
  },
  "required": ["inputs"],
  "additionalProperties": false
}`

// requestSchemas holds the compiled request validators.
type requestSchemas struct {
	call      *jsonschema.Schema
	vector    *jsonschema.Schema
	embedding *jsonschema.Schema
}

func compileSchemas() (*requestSchemas, error) {
	compile := func(name, raw string) (*jsonschema.Schema, error) {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		return schema, nil
	}

	out := &requestSchemas{}
	var err error
	if out.call, err = compile("call.json", callSpecSchema); err != nil {
		return nil, err
	}
	if out.vector, err = compile("vector.json", vectorSpecSchema); err != nil {
		return nil, err
	}
	if out.embedding, err = compile("embedding.json", embeddingSpecSchema); err != nil {
		return nil, err
	}
	return out, nil
}

