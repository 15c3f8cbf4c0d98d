package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/llmadapter/coordinator/pkg/httpclient"
	"github.com/llmadapter/coordinator/pkg/plugins"
)

type CohereEmbedder struct {
	client     *httpclient.Client
	apiKey     string
	baseURL    string
	model      string
	inputType  string
	dimensions int
	batchSize  int
}

type cohereEmbedRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model,omitempty"`
	InputType string   `json:"input_type,omitempty"`
}

type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Message    string      `json:"message,omitempty"`
}

func newCohereEmbedder(manifest plugins.EmbeddingProviderManifest) (*CohereEmbedder, error) {
	model := configString(manifest.Config, "model", "embed-english-v3.0")

	dimensions := configInt(manifest.Config, "dimensions", 0)
	if dimensions == 0 {
		switch model {
		case "embed-english-light-v3.0", "embed-multilingual-light-v3.0":
			dimensions = 384
		default:
			dimensions = 1024
		}
	}

	timeout := time.Duration(configInt(manifest.Config, "timeoutSeconds", 30)) * time.Second

	apiKey, _ := manifest.Config["apiKey"].(string)
	return &CohereEmbedder{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		),
		apiKey:     apiKey,
		baseURL:    configString(manifest.Config, "baseUrl", "https://api.cohere.ai/v1"),
		model:      model,
		inputType:  configString(manifest.Config, "inputType", "search_query"),
		dimensions: dimensions,
		batchSize:  configInt(manifest.Config, "batchSize", 96),
	}, nil
}

func (e *CohereEmbedder) Kind() string      { return "cohere" }
func (e *CohereEmbedder) Dimensions() int   { return e.dimensions }
func (e *CohereEmbedder) ModelName() string { return e.model }
func (e *CohereEmbedder) Close() error      { return nil }

func (e *CohereEmbedder) Validate() error {
	if e.apiKey == "" {
		return fmt.Errorf("apiKey is required")
	}
	return nil
}

func (e *CohereEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *CohereEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(cohereEmbedRequest{
		Texts:     texts,
		Model:     e.model,
		InputType: e.inputType,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed cohereEmbedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Message != "" {
			return nil, fmt.Errorf("embedding API error: %s", parsed.Message)
		}
		return nil, fmt.Errorf("embedding API returned status %d", resp.StatusCode)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Embeddings))
	}
	return parsed.Embeddings, nil
}
