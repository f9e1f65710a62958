package llm

import (
	"errors"
	"fmt"
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 4096

// UpstreamError is returned when the chat endpoint answers with a non-2xx
// status. Rate limits and auth failures both land here.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (err *UpstreamError) Error() string {
	return fmt.Sprintf("llm: upstream HTTP %d: %s", err.StatusCode, err.Body)
}

// IsRateLimited returns true for HTTP 429.
func (err *UpstreamError) IsRateLimited() bool {
	return err.StatusCode == 429
}

// TransportError wraps network-level failures: timeouts, DNS, resets.
type TransportError struct {
	Err error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("llm: transport: %v", err.Err)
}

func (err *TransportError) Unwrap() error { return err.Err }

// MalformedResponseError means the endpoint returned 2xx with a payload that
// does not carry a usable completion.
type MalformedResponseError struct {
	Reason string
}

func (err *MalformedResponseError) Error() string {
	return "llm: malformed response: " + err.Reason
}

// Kind names the error class for logs and stored messages.
func Kind(err error) string {
	var upstream *UpstreamError
	var transport *TransportError
	var malformed *MalformedResponseError
	switch {
	case errors.As(err, &upstream):
		return "upstream"
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &malformed):
		return "malformed_response"
	default:
		return "internal"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
