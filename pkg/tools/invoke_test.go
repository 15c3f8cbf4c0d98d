package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmadapter/coordinator/pkg/httpclient"
	"github.com/llmadapter/coordinator/pkg/plugins"
)

func TestInvokeHTTPDecodesJSONResult(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": 42}`))
	}))
	defer backend.Close()

	result, err := invokeHTTP(context.Background(),
		plugins.RouteInvoke{Kind: "http", URL: backend.URL}, "calc", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": float64(42)}, result)
}

func TestInvokeHTTPSurfacesRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer backend.Close()

	_, err := invokeHTTP(context.Background(),
		plugins.RouteInvoke{Kind: "http", URL: backend.URL}, "calc", nil)
	require.Error(t, err)
	var rle *httpclient.RateLimitError
	assert.True(t, errors.As(err, &rle))
}

func TestInvokeHTTPNonOKStatusErrors(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad args"))
	}))
	defer backend.Close()

	_, err := invokeHTTP(context.Background(),
		plugins.RouteInvoke{Kind: "http", URL: backend.URL}, "calc", nil)
	assert.ErrorContains(t, err, "status 400")
}

func TestDecodeResult(t *testing.T) {
	assert.Equal(t, "", decodeResult(nil))
	assert.Equal(t, "plain text", decodeResult([]byte("plain text\n")))
	assert.Equal(t, map[string]any{"ok": true}, decodeResult([]byte(`{"ok": true}`)))
}
