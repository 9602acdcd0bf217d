package policy

import "time"

const (
	// DefaultBaseDelay 基础退避延迟
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxDelay 退避延迟上限
	DefaultMaxDelay = 10 * time.Second
)

// Backoff computes linear-growth retry delays: base * attempt, capped at
// Max. Attempt numbering starts at 1.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the backoff used when the config does not
// override it.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBaseDelay, Max: DefaultMaxDelay}
}

// NextDelay returns the delay before the given attempt (1-based).
// Non-positive attempts are treated as the first attempt.
func (b Backoff) NextDelay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := b.Max
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt)
	if d > max || d < 0 {
		return max
	}
	return d
}
