package api

import (
	"errors"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultMaxAttempts is used when an activity is registered without a policy.
const DefaultMaxAttempts = 3

// RetryPolicy controls how an activity invocation is retried.
//
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries
//	MaxAttempts = 3 => initial call + up to 2 retries
//	MaxAttempts = 0 => unbounded
//
// The delay after failed attempt n is InitialBackoff * BackoffMultiplier^(n-1),
// capped at MaxBackoff when MaxBackoff > 0.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// NonRetryableErrors stop retrying when matched with errors.Is.
	NonRetryableErrors []error
}

// DefaultRetryPolicy returns the policy used for activities registered
// without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       DefaultMaxAttempts,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        time.Minute,
	}
}

// Validate rejects negative values.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("retry: MaxAttempts must be >= 0")
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return errors.New("retry: backoff durations must be >= 0")
	}
	if p.BackoffMultiplier < 0 {
		return errors.New("retry: BackoffMultiplier must be >= 0")
	}
	return nil
}

func (p RetryPolicy) multiplier() float64 {
	switch {
	case p.BackoffMultiplier == 0:
		return 2.0
	case p.BackoffMultiplier < 1:
		// A shrinking delay would break the non-decreasing guarantee.
		return 1.0
	default:
		return p.BackoffMultiplier
	}
}

// Delay returns the wait after failed attempt n (n >= 1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialBackoff <= 0 {
		return 0
	}

	limit := time.Duration(math.MaxInt64)
	if p.MaxBackoff > 0 {
		limit = p.MaxBackoff
	}

	d := float64(p.InitialBackoff) * math.Pow(p.multiplier(), float64(attempt-1))
	// float64(MaxInt64) rounds up to 2^63, so compare with >= before converting.
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// Backoff exposes the policy's retry delays as a go-retry sequence. Next
// reports stop once the policy allows no further attempt.
func (p RetryPolicy) Backoff() retry.Backoff {
	var failed int
	b := retry.Backoff(retry.BackoffFunc(func() (time.Duration, bool) {
		failed++
		return p.Delay(failed), false
	}))
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}
	return b
}

// Retryable reports whether err may be retried under this policy.
func (p RetryPolicy) Retryable(err error) bool {
	if IsNonRetryable(err) {
		return false
	}
	for _, nr := range p.NonRetryableErrors {
		if errors.Is(err, nr) {
			return false
		}
	}
	return true
}
