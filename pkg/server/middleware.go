package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/llmadapter/coordinator/pkg/config"
)

// corsMiddleware answers preflights and stamps allow-origin headers on
// matching requests. A preflight from an origin outside the allow list is
// refused outright; non-preflight requests from such origins pass through
// without CORS headers and the browser enforces the rest.
func corsMiddleware(cfg config.CORSDefaults) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}
	headerList := strings.Join(cfg.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			originAllowed := origin != "" && (allowAll || allowed[origin])
			if originAllowed {
				value := origin
				if allowAll {
					value = "*"
				}
				w.Header().Set("Access-Control-Allow-Origin", value)
				w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				if headerList != "" {
					w.Header().Set("Access-Control-Allow-Headers", headerList)
				}
			}
			if r.Method == http.MethodOptions && origin != "" {
				if !originAllowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// readRequestBody enforces the content type, size cap and read deadline for
// one request body. It writes the error response itself and reports success.
func readRequestBody(w http.ResponseWriter, r *http.Request, maxBytes int64, readTimeout time.Duration) ([]byte, bool) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, CodeUnsupportedMediaType,
				"content type must be application/json")
			return nil, false
		}
	}

	if readTimeout > 0 {
		_ = http.NewResponseController(w).SetReadDeadline(time.Now().Add(readTimeout))
	}

	body := r.Body
	if maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
				"request body too large")
			return nil, false
		}
		writeError(w, http.StatusRequestTimeout, CodeRequestTimeout,
			"failed to read request body")
		return nil, false
	}
	return data, true
}
