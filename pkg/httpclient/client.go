// Package httpclient is a thin retrying HTTP client shared by compat
// adapters, the HTTP tool kind and the embedding providers.
//
// Transient server errors (5xx) are retried with a short backoff. Rate
// limiting (429) is never retried here: the LLM manager owns the retry-delay
// sequence and priority fallback, so 429 responses surface immediately as a
// typed error carrying whatever the provider's rate-limit headers said.
package httpclient

import (
	"net/http"
	"time"
)

type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

// RateLimitHeaderParser extracts provider rate-limit hints from headers.
type RateLimitHeaderParser func(http.Header) RateLimitInfo

type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func retryable(statusCode int) bool {
	switch statusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Do executes the request, retrying transient 5xx failures. A 429 response
// is returned together with a *RateLimitError so callers can run their own
// backoff policy.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			req.Body = body
		}

		resp, err = c.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			var info RateLimitInfo
			if c.headerParser != nil {
				info = c.headerParser(resp.Header)
			}
			return resp, &RateLimitError{
				StatusCode: resp.StatusCode,
				Info:       info,
			}
		}

		if !retryable(resp.StatusCode) || attempt >= c.maxRetries {
			return resp, nil
		}

		resp.Body.Close()
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(c.baseDelay * time.Duration(attempt+1)):
		}
	}
}
