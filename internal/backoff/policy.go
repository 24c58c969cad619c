// Package backoff decides whether a failed provider call is retried and how
// long to wait first. The policy is a pure function of the failure category
// and the attempt count; it keeps no state of its own.
package backoff

import (
	"time"

	"batchgen/internal/domain"
)

// Decision is the outcome of consulting the policy for one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy maps (category, attempt) to a retry decision. Attempt counts are
// 1-based: attempt 1 is the first provider call.
type Policy struct {
	// MaxAttempts bounds total provider calls per item, retries included.
	MaxAttempts int
	// Base is the delay after the first transient failure; subsequent
	// failures double it up to Max.
	Base time.Duration
	Max  time.Duration
}

// Decide returns the retry decision for a failure of the given category on
// the given attempt. retryAfter is the server-supplied delay for rate
// limiting, zero when the provider sent none.
func (p Policy) Decide(category domain.Category, attempt int, retryAfter time.Duration) Decision {
	if !category.Retryable() {
		return Decision{}
	}
	if attempt >= p.MaxAttempts {
		return Decision{}
	}

	switch category {
	case domain.CategoryRateLimited:
		delay := retryAfter
		if delay <= 0 {
			delay = p.exponential(attempt)
		}
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
		return Decision{Retry: true, Delay: delay}
	default:
		return Decision{Retry: true, Delay: p.exponential(attempt)}
	}
}

func (p Policy) exponential(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}
