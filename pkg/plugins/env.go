package plugins

import (
	"os"
	"regexp"
)

var envTokenRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${NAME} tokens with the corresponding environment
// variable. Tokens whose variable is unset stay literal, so a missing key
// is visible downstream instead of silently becoming empty.
func ExpandEnv(s string) string {
	return envTokenRe.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return token
	})
}

// ExpandEnvMap returns a copy of m with every value env-expanded.
func ExpandEnvMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = ExpandEnv(v)
	}
	return out
}
