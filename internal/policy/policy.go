package policy

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
)

// Class 故障分类
type Class int

const (
	// Retryable failures may succeed on a later attempt.
	Retryable Class = iota
	// Fatal failures will not improve with retries.
	Fatal
	// Unauthenticated means credentials are gone; retrying without a new
	// login is pointless.
	Unauthenticated
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	case Unauthenticated:
		return "unauthenticated"
	}
	return "unknown"
}

// Classify maps an error onto the retry taxonomy.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, ErrUnauthenticated) {
		return Unauthenticated
	}
	// Context cancellation is the caller abandoning the operation, not a
	// transient condition.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return Retryable
	}
	var streamErr *StreamDisconnected
	if errors.As(err, &streamErr) {
		return Retryable
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusUnauthorized:
			return Unauthenticated
		case httpErr.Status >= 500:
			return Retryable
		default:
			return Fatal
		}
	}
	return Fatal
}
