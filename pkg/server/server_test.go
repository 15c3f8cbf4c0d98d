package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmadapter/coordinator/pkg/config"
	"github.com/llmadapter/coordinator/pkg/plugins"
)

func configRate(rpm float64, burst int) config.RateLimitDefaults {
	return config.RateLimitDefaults{Enabled: true, RequestsPerMinute: rpm, Burst: burst}
}

func newTestServer(t *testing.T, mutate func(*config.Defaults)) *Server {
	t.Helper()
	catalog, err := plugins.NewRegistry(t.TempDir())
	require.NoError(t, err)

	defaults := config.Builtin()
	defaults.Server.RequestTimeoutMs = 2000
	if mutate != nil {
		mutate(&defaults)
	}
	srv, err := New(catalog, defaults)
	require.NoError(t, err)
	return srv
}

func postJSON(handler http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "error", env.Type)
	return env
}

func TestUnknownRouteReturnsEnvelope(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := postJSON(srv.Handler(), "/nope", "{}")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, rec).Error.Code)
}

func TestWrongMethodReturnsEnvelope(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, CodeMethodNotAllowed, decodeError(t, rec).Error.Code)
}

func TestRunRejectsWrongContentType(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("hi"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, CodeUnsupportedMediaType, decodeError(t, rec).Error.Code)
}

func TestRunRejectsOversizedBody(t *testing.T) {
	srv := newTestServer(t, func(d *config.Defaults) {
		d.Server.MaxRequestBytes = 16
	})
	rec := postJSON(srv.Handler(), "/run", `{"llmPriority":[{"provider":"p","model":"m"}]}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, CodePayloadTooLarge, decodeError(t, rec).Error.Code)
}

func TestRunRejectsMalformedJSON(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := postJSON(srv.Handler(), "/run", "{not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeError(t, rec)
	assert.Equal(t, CodeValidationError, env.Error.Code)
	assert.Equal(t, "Invalid JSON", env.Error.Message)
}

func TestRunRejectsSchemaViolations(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, body := range []string{
		`{}`,
		`{"llmPriority":[]}`,
		`{"llmPriority":[{"provider":"p"}]}`,
		`{"llmPriority":[{"provider":"p","model":"m"}],"bogus":1}`,
	} {
		rec := postJSON(srv.Handler(), "/run", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
		assert.Equal(t, CodeValidationError, decodeError(t, rec).Error.Code)
	}
}

func TestRunUnknownProviderFails(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := postJSON(srv.Handler(), "/run",
		`{"llmPriority":[{"provider":"ghost","model":"m"}],"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeInternalError, decodeError(t, rec).Error.Code)
}

func TestVectorRunRequiresOperationAndStore(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := postJSON(srv.Handler(), "/vector/run", `{"operation":"query"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(srv.Handler(), "/vector/run", `{"operation":"teleport","store":"s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmbeddingsRequireInputs(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := postJSON(srv.Handler(), "/vector/embeddings/run", `{"inputs":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var env responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "response", env.Type)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	postJSON(srv.Handler(), "/run", "{not json")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coordinator_http_requests_total")
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := postJSON(srv.Handler(), "/run", "{not json")

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/run", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSExplicitOriginList(t *testing.T) {
	srv := newTestServer(t, func(d *config.Defaults) {
		d.Server.CORS.AllowedOrigins = []string{"https://ok.example"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/run", nil)
	req.Header.Set("Origin", "https://ok.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://ok.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/run", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightDisallowedOriginRefused(t *testing.T) {
	srv := newTestServer(t, func(d *config.Defaults) {
		d.Server.CORS.AllowedOrigins = []string{"https://ok.example"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/run", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// An allowed origin still gets the preflight success.
	req = httptest.NewRequest(http.MethodOptions, "/run", nil)
	req.Header.Set("Origin", "https://ok.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthMissingKey(t *testing.T) {
	catalog, err := plugins.NewRegistry(t.TempDir())
	require.NoError(t, err)
	srv, err := New(catalog, config.Builtin(),
		WithAuth(AuthConfig{Enabled: true, Keys: []string{"secret"}}))
	require.NoError(t, err)

	rec := postJSON(srv.Handler(), "/run", "{}")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, decodeError(t, rec).Error.Code)
}

func TestAuthAcceptsBearerAndHeader(t *testing.T) {
	catalog, err := plugins.NewRegistry(t.TempDir())
	require.NoError(t, err)
	srv, err := New(catalog, config.Builtin(),
		WithAuth(AuthConfig{Enabled: true, Keys: []string{"secret"}}))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	// Past auth; fails later at JSON parsing.
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHashedKeys(t *testing.T) {
	sum := sha256.Sum256([]byte("secret"))
	digest := hex.EncodeToString(sum[:])

	assert.True(t, matches("secret", "sha256:"+digest))
	assert.True(t, matches("secret", digest), "bare hex digest")
	assert.False(t, matches("wrong", "sha256:"+digest))
	assert.True(t, matches("plain", "plain"))
	assert.False(t, matches("plain", "other"))
}

func TestNormalizeKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, NormalizeKeys("a, b"))
	assert.Equal(t, []string{"a", "b"}, NormalizeKeys([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, NormalizeKeys([]any{"a", "b"}))
	assert.Nil(t, NormalizeKeys(""))
	assert.Nil(t, NormalizeKeys(42))
}

func TestRateLimitedRequestGets429(t *testing.T) {
	srv := newTestServer(t, func(d *config.Defaults) {
		d.Server.RateLimit = configRate(60, 1)
	})

	rec := postJSON(srv.Handler(), "/run", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(srv.Handler(), "/run", "{not json")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, decodeError(t, rec).Error.Code)
}

func TestVectorRunUnknownStore(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := postJSON(srv.Handler(), "/vector/run",
		`{"operation":"listCollections","store":"ghost"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestTimeoutZeroDisablesDeadline(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "vector"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "vector", "mem.json"),
		[]byte(`{"id":"mem","kind":"chromem"}`), 0o644))
	catalog, err := plugins.NewRegistry(root)
	require.NoError(t, err)

	defaults := config.Builtin()
	defaults.Server.RequestTimeoutMs = 0
	srv, err := New(catalog, defaults)
	require.NoError(t, err)

	// A zero timeout must not produce an already-expired context.
	ctx, cancel := srv.requestContext(httptest.NewRequest(http.MethodPost, "/run", nil))
	defer cancel()
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)
	assert.NoError(t, ctx.Err())

	rec := postJSON(srv.Handler(), "/vector/run",
		`{"operation":"listCollections","store":"mem"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
