package mcp

import (
	"fmt"
	"strings"
)

// sanitizeToolName rewrites a server-reported tool name into the character
// set every provider accepts. Anything outside [A-Za-z0-9_-] becomes an
// underscore.
func sanitizeToolName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "tool"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// nameMap is the bidirectional sanitized/original tool-name mapping for one
// session. Sanitization can collide; collisions get numeric suffixes so the
// exposed set stays unambiguous.
type nameMap struct {
	toOriginal map[string]string
	toExposed  map[string]string
}

func newNameMap() *nameMap {
	return &nameMap{
		toOriginal: make(map[string]string),
		toExposed:  make(map[string]string),
	}
}

func (m *nameMap) add(original string) string {
	if exposed, ok := m.toExposed[original]; ok {
		return exposed
	}

	exposed := sanitizeToolName(original)
	if _, taken := m.toOriginal[exposed]; taken {
		for i := 2; ; i++ {
			candidate := fmt.Sprintf("%s_%d", exposed, i)
			if _, taken := m.toOriginal[candidate]; !taken {
				exposed = candidate
				break
			}
		}
	}

	m.toOriginal[exposed] = original
	m.toExposed[original] = exposed
	return exposed
}

// original resolves an exposed name back to the server's name. A name the
// server reported verbatim also resolves to itself.
func (m *nameMap) original(exposed string) (string, bool) {
	if original, ok := m.toOriginal[exposed]; ok {
		return original, true
	}
	if _, ok := m.toExposed[exposed]; ok {
		return exposed, true
	}
	return "", false
}
