package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RateLimitError marks an HTTP 429 from an upstream service.
type RateLimitError struct {
	StatusCode int
	Info       RateLimitInfo
}

func (e *RateLimitError) Error() string {
	if e.Info.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: rate limited (retry after %v)", e.StatusCode, e.Info.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: rate limited", e.StatusCode)
}

// ParseStandardRateLimitHeaders reads the widely used Retry-After and
// x-ratelimit-* headers. Works for OpenAI-compatible endpoints.
func ParseStandardRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining-requests"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.RequestsRemaining)
	}
	if remaining := headers.Get("x-ratelimit-remaining-tokens"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.TokensRemaining)
	}

	return info
}
