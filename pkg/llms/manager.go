package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/llmadapter/coordinator/pkg/httpclient"
	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

// CallRequest is one fully-resolved provider invocation.
type CallRequest struct {
	Manifest         plugins.ProviderManifest
	Model            string
	ProviderSettings map[string]any
	Extras           map[string]any
	Messages         []protocol.Message
	Tools            []ToolDefinition
	ToolChoice       string

	// RetryDelays is the wait sequence applied on rate-limit failures before
	// the call is given up to the caller's fallback policy.
	RetryDelays []time.Duration
}

// Manager executes single provider calls. It knows nothing about tool loops
// or priority fallback; it builds the payload, moves bytes and classifies
// failures.
type Manager struct {
	compats *CompatCache
	client  *httpclient.Client
	logger  *slog.Logger
}

type ManagerOption func(*Manager)

func WithHTTPTransport(client *httpclient.Client) ManagerOption {
	return func(m *Manager) {
		m.client = client
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		compats: NewCompatCache(),
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseStandardRateLimitHeaders),
		),
		logger: logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Compat resolves the adapter for a manifest kind.
func (m *Manager) Compat(kind string) (Compat, error) {
	return m.compats.Get(kind)
}

// Call executes one non-streaming request, walking the retry-delay sequence
// on rate limits before surfacing the failure.
func (m *Manager) Call(ctx context.Context, req CallRequest) (*protocol.Response, error) {
	ctx, span := otel.Tracer("llms").Start(ctx, "llm.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", req.Manifest.ID),
		attribute.String("llm.model", req.Model),
	)

	var resp *protocol.Response
	err := m.withRetryDelays(ctx, req, func() error {
		var err error
		resp, err = m.callOnce(ctx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.Usage != nil {
		span.SetAttributes(attribute.Int("llm.tokens.total", resp.Usage.TotalTokens))
	}
	resp.Provider = req.Manifest.ID
	return resp, nil
}

// withRetryDelays walks the wait sequence on rate-limit failures before
// giving the error up to the caller's fallback policy.
func (m *Manager) withRetryDelays(ctx context.Context, req CallRequest, attempt func() error) error {
	err := attempt()
	for i := 0; err != nil && IsRateLimit(err) && i < len(req.RetryDelays); i++ {
		m.logger.Warn("rate limited, waiting before retry",
			"provider", req.Manifest.ID,
			"delay", req.RetryDelays[i],
			"attempt", i+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(req.RetryDelays[i]):
		}
		err = attempt()
	}
	return err
}

func (m *Manager) callOnce(ctx context.Context, req CallRequest) (*protocol.Response, error) {
	compat, err := m.compats.Get(req.Manifest.Kind)
	if err != nil {
		return nil, err
	}

	extras := cloneExtras(req.Extras)

	if sdk, ok := compat.(SDKCaller); ok && preferSDK(req.Manifest) {
		resp, err := sdk.CallSDK(ctx, req.Manifest, req.Model, req.ProviderSettings, req.Messages, req.Tools, req.ToolChoice, extras)
		if err != nil {
			return nil, m.classify(req.Manifest, err, 0, "")
		}
		return resp, nil
	}

	payload, err := m.buildPayload(compat, req, extras, false)
	if err != nil {
		return nil, err
	}

	raw, err := m.post(ctx, req.Manifest, req.Model, payload, false)
	if err != nil {
		return nil, err
	}

	resp, err := compat.ParseResponse(raw, req.Model)
	if err != nil {
		return nil, m.classify(req.Manifest, err, 0, string(raw))
	}
	return resp, nil
}

// Stream opens one streaming request, walking the retry-delay sequence when
// the provider rate-limits the attempt. Chunks arrive already parsed; the
// returned cancel stops the producer and closes the transport.
func (m *Manager) Stream(ctx context.Context, req CallRequest) (<-chan StreamChunk, func(), error) {
	var chunks <-chan StreamChunk
	var cancel func()
	err := m.withRetryDelays(ctx, req, func() error {
		var err error
		chunks, cancel, err = m.streamOnce(ctx, req)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return chunks, cancel, nil
}

func (m *Manager) streamOnce(ctx context.Context, req CallRequest) (<-chan StreamChunk, func(), error) {
	compat, err := m.compats.Get(req.Manifest.Kind)
	if err != nil {
		return nil, nil, err
	}

	extras := cloneExtras(req.Extras)

	if sdk, ok := compat.(SDKCaller); ok && preferSDK(req.Manifest) {
		raw, cancel, err := sdk.StreamSDK(ctx, req.Manifest, req.Model, req.ProviderSettings, req.Messages, req.Tools, req.ToolChoice, extras)
		if err != nil {
			return nil, nil, m.classify(req.Manifest, err, 0, "")
		}
		return m.parseStream(compat, req.Manifest, raw), cancel, nil
	}

	payload, err := m.buildPayload(compat, req, extras, true)
	if err != nil {
		return nil, nil, err
	}

	body, cancel, err := m.openStream(ctx, req.Manifest, req.Model, payload)
	if err != nil {
		return nil, nil, err
	}

	raw := make(chan []byte, 64)
	go func() {
		defer close(raw)
		defer body.Close()

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case raw <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					m.logger.Warn("stream read failed", "provider", req.Manifest.ID, "error", err)
				}
				return
			}
		}
	}()

	return m.parseStream(compat, req.Manifest, raw), cancel, nil
}

// parseStream feeds raw transport chunks through the compat. Parse failures
// on individual chunks are logged and skipped; API errors end the stream
// with an Err chunk.
func (m *Manager) parseStream(compat Compat, manifest plugins.ProviderManifest, raw <-chan []byte) <-chan StreamChunk {
	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		for chunk := range raw {
			parsed, err := compat.ParseStreamChunk(chunk)
			if err != nil {
				out <- StreamChunk{Err: m.classify(manifest, err, 0, string(chunk))}
				return
			}
			if parsed == nil {
				continue
			}
			out <- *parsed
			if parsed.Done {
				return
			}
		}
	}()
	return out
}

func (m *Manager) buildPayload(compat Compat, req CallRequest, extras map[string]any, stream bool) (map[string]any, error) {
	payload, err := compat.BuildPayload(req.Model, req.ProviderSettings, req.Messages, req.Tools, req.ToolChoice)
	if err != nil {
		return nil, fmt.Errorf("provider %s: build payload: %w", req.Manifest.ID, err)
	}
	if stream {
		payload["stream"] = true
	}

	if err := ApplyPayloadExtensions(payload, req.Manifest.PayloadExtensions, extras); err != nil {
		return nil, fmt.Errorf("provider %s: %w", req.Manifest.ID, err)
	}
	if applier, ok := compat.(ExtensionApplier); ok && len(extras) > 0 {
		applier.ApplyProviderExtensions(payload, extras)
	}
	return payload, nil
}

func (m *Manager) post(ctx context.Context, manifest plugins.ProviderManifest, model string, payload map[string]any, stream bool) ([]byte, error) {
	httpReq, err := m.newRequest(ctx, manifest, model, payload, stream)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		var rle *httpclient.RateLimitError
		if errors.As(err, &rle) {
			body, _ := io.ReadAll(resp.Body)
			return nil, &ProviderError{
				Provider:   manifest.ID,
				Kind:       ErrKindRateLimit,
				StatusCode: rle.StatusCode,
				Message:    apiErrorMessage(body, "rate limited"),
				Err:        err,
			}
		}
		return nil, &ProviderError{
			Provider: manifest.ID,
			Kind:     ErrKindTransport,
			Message:  err.Error(),
			Err:      err,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{
			Provider: manifest.ID,
			Kind:     ErrKindTransport,
			Message:  fmt.Sprintf("read response: %v", err),
			Err:      err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, m.statusError(manifest, resp.StatusCode, body)
	}
	return body, nil
}

func (m *Manager) openStream(ctx context.Context, manifest plugins.ProviderManifest, model string, payload map[string]any) (io.ReadCloser, func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := m.newStreamRequest(streamCtx, manifest, model, payload)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		if resp != nil {
			var rle *httpclient.RateLimitError
			if errors.As(err, &rle) {
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				cancel()
				return nil, nil, &ProviderError{
					Provider:   manifest.ID,
					Kind:       ErrKindRateLimit,
					StatusCode: rle.StatusCode,
					Message:    apiErrorMessage(body, "rate limited"),
					Err:        err,
				}
			}
			resp.Body.Close()
		}
		cancel()
		return nil, nil, &ProviderError{
			Provider: manifest.ID,
			Kind:     ErrKindTransport,
			Message:  err.Error(),
			Err:      err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, nil, m.statusError(manifest, resp.StatusCode, body)
	}

	return resp.Body, cancel, nil
}

func (m *Manager) newRequest(ctx context.Context, manifest plugins.ProviderManifest, model string, payload map[string]any, stream bool) (*http.Request, error) {
	url := manifest.Endpoint.URL
	headers := manifest.Endpoint.Headers
	if stream {
		if manifest.Endpoint.StreamURL != "" {
			url = manifest.Endpoint.StreamURL
		}
		if len(manifest.Endpoint.StreamHeaders) > 0 {
			headers = manifest.Endpoint.StreamHeaders
		}
	}
	url = strings.ReplaceAll(url, "{model}", model)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider %s: marshal payload: %w", manifest.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", manifest.ID, err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

func (m *Manager) newStreamRequest(ctx context.Context, manifest plugins.ProviderManifest, model string, payload map[string]any) (*http.Request, error) {
	req, err := m.newRequest(ctx, manifest, model, payload, true)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	return req, nil
}

// statusError classifies a non-200 response. Besides 429, a body matching
// one of the manifest's retry words counts as a rate limit; some gateways
// report quota exhaustion with other status codes.
func (m *Manager) statusError(manifest plugins.ProviderManifest, status int, body []byte) error {
	kind := ErrKindProvider
	if status == http.StatusTooManyRequests || matchesRetryWords(manifest.RetryWords, body) {
		kind = ErrKindRateLimit
	}
	return &ProviderError{
		Provider:   manifest.ID,
		Kind:       kind,
		StatusCode: status,
		Message:    apiErrorMessage(body, fmt.Sprintf("request failed with status %d", status)),
	}
}

// classify wraps an adapter or SDK failure, sniffing for rate limits in the
// message when no status code is available.
func (m *Manager) classify(manifest plugins.ProviderManifest, err error, status int, body string) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}

	kind := ErrKindProvider
	text := err.Error()
	if status == http.StatusTooManyRequests ||
		strings.Contains(text, "429") ||
		strings.Contains(strings.ToLower(text), "rate limit") ||
		matchesRetryWords(manifest.RetryWords, []byte(text)) ||
		matchesRetryWords(manifest.RetryWords, []byte(body)) {
		kind = ErrKindRateLimit
	}

	return &ProviderError{
		Provider:   manifest.ID,
		Kind:       kind,
		StatusCode: status,
		Message:    text,
		Err:        err,
	}
}

func matchesRetryWords(words []string, body []byte) bool {
	if len(words) == 0 || len(body) == 0 {
		return false
	}
	haystack := strings.ToLower(string(body))
	for _, word := range words {
		if word != "" && strings.Contains(haystack, strings.ToLower(word)) {
			return true
		}
	}
	return false
}

func apiErrorMessage(body []byte, fallback string) string {
	var envelope struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch e := envelope.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if msg, ok := e["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	if len(body) > 0 && len(body) <= 512 {
		return string(bytes.TrimSpace(body))
	}
	return fallback
}

func preferSDK(manifest plugins.ProviderManifest) bool {
	if transport, ok := manifest.Config["transport"].(string); ok {
		return transport != "http"
	}
	return true
}

func cloneExtras(extras map[string]any) map[string]any {
	out := make(map[string]any, len(extras))
	for key, value := range extras {
		out[key] = value
	}
	return out
}
