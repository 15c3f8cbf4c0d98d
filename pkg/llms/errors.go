package llms

import (
	"errors"
	"fmt"
)

// Error kinds for provider failures. Rate limits are distinguished because
// they trigger priority fallback in the coordinator.
const (
	ErrKindRateLimit = "rate_limit"
	ErrKindTransport = "transport"
	ErrKindProvider  = "provider"
)

// ProviderError wraps any upstream failure with its provider id and kind.
type ProviderError struct {
	Provider   string
	Kind       string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: %s (HTTP %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRateLimit reports whether err is a provider rate-limit failure.
func IsRateLimit(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Kind == ErrKindRateLimit
}
