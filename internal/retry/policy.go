// Package retry decides whether a failed delivery attempt should be tried
// again and how long to wait before it is.
package retry

import (
	"strings"
	"time"
)

const (
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = 15 * time.Minute
	DefaultMaxAttempts = 5

	// Attempts below this threshold are retried when policy evaluation
	// itself goes wrong.
	failOpenAttempts = 3
)

// Error texts matched case-insensitively; a hit makes the failure terminal.
var nonRetryable = []string{
	"file not found",
	"access denied",
	"authentication failed",
	"invalid blob name",
	"file too large",
}

// Policy computes retry delays and retryability. The zero value is not
// usable; construct with New or Default.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func Default() *Policy {
	return &Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func New(base, max time.Duration, maxAttempts int) *Policy {
	p := &Policy{BaseDelay: base, MaxDelay: max, MaxAttempts: maxAttempts}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// DelayFor returns the backoff before attempt attemptCount+1 may run:
// base * 2^(attemptCount-1), capped at MaxDelay. Attempt 1 waits the
// unscaled base delay.
func (p *Policy) DelayFor(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	shift := attemptCount - 1
	// 2^shift overflows a Duration well before shift reaches 63.
	if shift > 32 {
		return p.MaxDelay
	}
	d := p.BaseDelay << shift
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether another attempt is permitted after
// attemptCount failures, the most recent of which produced errText.
// Evaluation failures fail open for early attempts.
func (p *Policy) ShouldRetry(attemptCount int, errText string) (retry bool) {
	defer func() {
		if r := recover(); r != nil {
			retry = attemptCount < failOpenAttempts
		}
	}()

	if attemptCount >= p.MaxAttempts {
		return false
	}
	lower := strings.ToLower(errText)
	for _, marker := range nonRetryable {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
