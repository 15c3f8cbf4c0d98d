package rag

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/llmadapter/coordinator/pkg/protocol"
)

// DefaultResultFormat renders one result line inside {{results}}.
const DefaultResultFormat = "- {{payload.text}} (score: {{score}})"

// DefaultTemplate wraps the rendered result list for context injection.
const DefaultTemplate = "Relevant context:\n\n{{results}}"

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// renderTemplate expands {{results}} with the per-result format applied to
// every match. Scores render with three decimals; payload fields resolve by
// dotted path.
func renderTemplate(template, resultFormat string, results []protocol.VectorResult) string {
	if template == "" {
		template = DefaultTemplate
	}
	if resultFormat == "" {
		resultFormat = DefaultResultFormat
	}

	var lines []string
	for _, result := range results {
		lines = append(lines, renderResult(resultFormat, result))
	}
	rendered := strings.Join(lines, "\n")

	return placeholderRe.ReplaceAllStringFunc(template, func(token string) string {
		name := placeholderRe.FindStringSubmatch(token)[1]
		if name == "results" {
			return rendered
		}
		return token
	})
}

func renderResult(format string, result protocol.VectorResult) string {
	return placeholderRe.ReplaceAllStringFunc(format, func(token string) string {
		name := placeholderRe.FindStringSubmatch(token)[1]
		switch {
		case name == "score":
			return fmt.Sprintf("%.3f", result.Score)
		case name == "id":
			return result.ID
		case strings.HasPrefix(name, "payload."):
			if value, ok := lookupPath(result.Payload, strings.TrimPrefix(name, "payload.")); ok {
				return fmt.Sprint(value)
			}
			return ""
		default:
			return token
		}
	})
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// resultText extracts the displayable content of one match.
func resultText(result protocol.VectorResult) string {
	for _, key := range []string{"content", "text"} {
		if text, ok := result.Payload[key].(string); ok && text != "" {
			return text
		}
	}
	return result.ID
}

// formatResultsForModel renders the textual block handed back to the model
// after a vector_search invocation.
func formatResultsForModel(query string, results []protocol.VectorResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for query: %q", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d results:", len(results))
	for i, result := range results {
		fmt.Fprintf(&b, "\n[%d] (score: %.3f) %s", i+1, result.Score, resultText(result))
	}
	return b.String()
}
