package server

import (
	"encoding/json"
	"net/http"
)

// Error codes of the HTTP envelope.
const (
	CodeValidationError      = "validation_error"
	CodeUnsupportedMediaType = "unsupported_media_type"
	CodePayloadTooLarge      = "payload_too_large"
	CodeRequestTimeout       = "request_timeout"
	CodeTimeout              = "timeout"
	CodeServerBusy           = "server_busy"
	CodeQueueTimeout         = "queue_timeout"
	CodeClientAborted        = "client_aborted"
	CodeUnauthorized         = "unauthorized"
	CodeForbidden            = "forbidden"
	CodeRateLimited          = "rate_limited"
	CodeNotFound             = "not_found"
	CodeMethodNotAllowed     = "method_not_allowed"
	CodeInternalError        = "internal_error"
	CodeProviderError        = "provider_error"
	CodeStreamIdleTimeout    = "stream_idle_timeout"
)

// StatusClientClosedRequest is the nginx convention for an aborted client.
const StatusClientClosedRequest = 499

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Type  string    `json:"type"`
	Error errorBody `json:"error"`
}

type responseEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Type:  "error",
		Error: errorBody{Code: code, Message: message},
	})
}

func writeResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(responseEnvelope{Type: "response", Data: data})
}
