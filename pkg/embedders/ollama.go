package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/llmadapter/coordinator/pkg/httpclient"
	"github.com/llmadapter/coordinator/pkg/plugins"
)

// Concurrent embedding requests crash ollama's llama runner, so every
// request across all OllamaEmbedder instances is serialized.
var ollamaEmbedMu sync.Mutex

type OllamaEmbedder struct {
	client     *httpclient.Client
	baseURL    string
	model      string
	dimensions int
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func newOllamaEmbedder(manifest plugins.EmbeddingProviderManifest) (*OllamaEmbedder, error) {
	timeout := time.Duration(configInt(manifest.Config, "timeoutSeconds", 30)) * time.Second
	return &OllamaEmbedder{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		),
		baseURL:    strings.TrimSuffix(configString(manifest.Config, "baseUrl", "http://localhost:11434"), "/"),
		model:      configString(manifest.Config, "model", "nomic-embed-text"),
		dimensions: configInt(manifest.Config, "dimensions", 768),
	}, nil
}

func (e *OllamaEmbedder) Kind() string      { return "ollama" }
func (e *OllamaEmbedder) Dimensions() int   { return e.dimensions }
func (e *OllamaEmbedder) ModelName() string { return e.model }
func (e *OllamaEmbedder) Close() error      { return nil }

func (e *OllamaEmbedder) Validate() error {
	if e.model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// Embed runs one request per input; the ollama embeddings endpoint has no
// batch form.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vector)
	}
	return out, nil
}

func (e *OllamaEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed ollamaEmbedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("embedding API error: %s", parsed.Error)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding")
	}
	return parsed.Embedding, nil
}
