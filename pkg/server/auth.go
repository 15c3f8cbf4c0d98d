package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// DefaultAuthHeader is consulted when no Authorization bearer token is
// present.
const DefaultAuthHeader = "X-Api-Key"

// AuthConfig enables API-key authentication. Keys may be plaintext,
// "sha256:<hex>" digests, or bare 64-char hex digests; comparisons are
// constant time either way.
type AuthConfig struct {
	Enabled    bool
	Keys       []string
	HeaderName string

	// Forbid rejects an otherwise authenticated request with 403.
	Forbid func(r *http.Request) bool
}

// NormalizeKeys accepts the key list in either config shape: a JSON array
// of strings or one comma-separated string.
func NormalizeKeys(raw any) []string {
	var out []string
	add := func(s string) {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	switch v := raw.(type) {
	case string:
		add(v)
	case []string:
		for _, s := range v {
			add(s)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}
	return out
}

func (a AuthConfig) headerName() string {
	if a.HeaderName != "" {
		return a.HeaderName
	}
	return DefaultAuthHeader
}

// credential extracts the presented key: Authorization bearer first, then
// the configured key header.
func (a AuthConfig) credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(a.headerName()))
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// matches compares the presented credential against one configured key.
func matches(credential, key string) bool {
	if digest, ok := strings.CutPrefix(key, "sha256:"); ok {
		return digestMatches(credential, digest)
	}
	if isHexDigest(key) {
		return digestMatches(credential, key)
	}
	return subtle.ConstantTimeCompare([]byte(credential), []byte(key)) == 1
}

func digestMatches(credential, digest string) bool {
	sum := sha256.Sum256([]byte(credential))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(strings.ToLower(digest))) == 1
}

// middleware authenticates every request. Missing or unknown credentials get
// 401; an authenticated but forbidden request gets 403.
func (a AuthConfig) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := a.credential(r)
		if credential == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing API key")
			return
		}
		ok := false
		for _, key := range a.Keys {
			if matches(credential, key) {
				ok = true
			}
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid API key")
			return
		}
		if a.Forbid != nil && a.Forbid(r) {
			writeError(w, http.StatusForbidden, CodeForbidden, "access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}
