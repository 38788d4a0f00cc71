// Package proberr defines typed errors for health probe failures.
// Gateway-specific failures are mapped to a small set of kinds so the
// monitor can label metrics and messages consistently.
package proberr

import (
	"fmt"
	"net/http"
)

// Kind classifies a probe failure.
type Kind string

const (
	KindTimeout        = Kind("timeout")
	KindConnection     = Kind("connection_error")
	KindAuthentication = Kind("authentication_error")
	KindRateLimit      = Kind("rate_limit_error")
	KindUpstream       = Kind("upstream_error")
	KindInvalidRequest = Kind("invalid_request_error")
	KindUnknownGateway = Kind("unknown_gateway")
)

// ProbeError is a classified health probe failure.
type ProbeError struct {
	Gateway    string `json:"gateway"`
	Model      string `json:"model"`
	Kind       Kind   `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %s (gateway=%s, model=%s, code=%d)",
			e.Kind, e.Message, e.Gateway, e.Model, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s (gateway=%s, model=%s)",
		e.Kind, e.Message, e.Gateway, e.Model)
}

// Outcome is the metric label for this failure.
func (e *ProbeError) Outcome() string {
	switch e.Kind {
	case KindTimeout:
		return "timeout"
	case KindConnection, KindUnknownGateway:
		return "error"
	default:
		return "failure"
	}
}

// Timeout creates a probe timeout error.
func Timeout(gateway, model string) *ProbeError {
	return &ProbeError{
		Gateway: gateway,
		Model:   model,
		Kind:    KindTimeout,
		Message: "request timeout",
	}
}

// Connection wraps a transport-level failure.
func Connection(gateway, model string, err error) *ProbeError {
	return &ProbeError{
		Gateway: gateway,
		Model:   model,
		Kind:    KindConnection,
		Message: fmt.Sprintf("request error: %v", err),
	}
}

// UnknownGateway reports a gateway missing from the endpoint table.
func UnknownGateway(gateway, model string) *ProbeError {
	return &ProbeError{
		Gateway: gateway,
		Model:   model,
		Kind:    KindUnknownGateway,
		Message: fmt.Sprintf("unknown gateway: %s", gateway),
	}
}

// FromStatus classifies a non-200 probe response.
func FromStatus(gateway, model string, statusCode int, body string) *ProbeError {
	var kind Kind
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = KindAuthentication
	case statusCode == http.StatusTooManyRequests:
		kind = KindRateLimit
	case statusCode == http.StatusRequestTimeout:
		kind = KindTimeout
	case statusCode >= 500:
		kind = KindUpstream
	default:
		kind = KindInvalidRequest
	}
	return &ProbeError{
		Gateway:    gateway,
		Model:      model,
		Kind:       kind,
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, body),
	}
}
