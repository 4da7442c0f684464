package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// ErrUnavailable marks a transport-level failure reaching the provider
// (connection refused, DNS failure, broken pipe). Wrapped errors carry the
// underlying cause.
var ErrUnavailable = errors.New("upstream unavailable")

// Error is a structured non-2xx response from the provider. The gateway does
// not invent its own status mapping: StatusCode is surfaced outward as-is,
// and Body (the upstream "error" sub-object, or the whole response body when
// no such field exists) becomes the outward error detail.
type Error struct {
	StatusCode int
	Body       json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// HTTPStatus returns the provider's own status code.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// NoEligibleModelError reports that the catalog scan found no model
// supporting the requested capability.
type NoEligibleModelError struct {
	Capability string
}

func (e *NoEligibleModelError) Error() string {
	return fmt.Sprintf("upstream: no model in the catalog supports %q", e.Capability)
}

// newError builds an *Error from a non-2xx response body. When the body
// holds a JSON object with an "error" field, that sub-object becomes the
// detail, matching how the provider structures its failures.
func newError(status int, body []byte) *Error {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && len(probe.Error) > 0 {
		return &Error{StatusCode: status, Body: probe.Error}
	}
	if !json.Valid(body) {
		raw, _ := json.Marshal(string(body))
		return &Error{StatusCode: status, Body: raw}
	}
	return &Error{StatusCode: status, Body: body}
}

// IsTimeout reports whether err is an upstream deadline, either from the
// request context or the transport.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
