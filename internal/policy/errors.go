// Package policy holds the shared failure taxonomy and retry decisions.
// Transport and stream both consult this package so retry semantics stay
// consistent system-wide; no other component does its own backoff math.
package policy

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnauthenticated is the terminal auth failure: a 401 whose follow-up
// refresh also failed (or no refresh token was available). The credential
// store has been cleared by the time callers see it.
var ErrUnauthenticated = errors.New("unauthenticated")

// NetworkError means no response was received at all (dial failure,
// timeout, connection reset). Always retryable.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// HTTPError is a server-acknowledged failure. Retryable only for 5xx;
// 4xx is fatal except 401, which is handled by the refresh path before it
// ever becomes an HTTPError.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// StreamDisconnected is surfaced only after the multiplexer exhausts its
// reconnect budget; transient drops are recovered internally.
type StreamDisconnected struct {
	Cause error
}

func (e *StreamDisconnected) Error() string {
	return fmt.Sprintf("stream disconnected: %v", e.Cause)
}

func (e *StreamDisconnected) Unwrap() error { return e.Cause }
