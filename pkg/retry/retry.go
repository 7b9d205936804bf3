// Package retry provides exponential-backoff policies shared by the event
// poller (unbounded, ceiling-then-hold) and the notification dispatcher
// (bounded attempts).
package retry

import (
	"context"
	"time"
)

// Policy defines how failures are handled.
type Policy struct {
	MaxAttempts int           `json:"max_attempts"` // 0 = unbounded
	Initial     time.Duration `json:"initial"`      // delay after the first failure
	Multiplier  float64       `json:"multiplier"`
	Ceiling     time.Duration `json:"ceiling"`
}

// DefaultPolicy returns a sensible default for bounded delivery retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Initial:     2 * time.Second,
		Multiplier:  2.0,
		Ceiling:     30 * time.Second,
	}
}

// Delay returns the backoff delay after the given number of consecutive
// failures (1-based). The sequence grows geometrically from Initial and
// clamps at Ceiling, where it holds.
func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := p.Initial
	if d <= 0 {
		d = time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	for i := 1; i < failures; i++ {
		d = time.Duration(float64(d) * mult)
		if p.Ceiling > 0 && d >= p.Ceiling {
			return p.Ceiling
		}
	}
	if p.Ceiling > 0 && d > p.Ceiling {
		return p.Ceiling
	}
	return d
}

// Do runs fn until it succeeds, MaxAttempts is exhausted, or ctx is done.
// Between attempts it sleeps per Delay. When retryable is non-nil, a false
// return stops further attempts and surfaces the error as-is; use it to cut
// retries short on permanent failures.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if p.MaxAttempts > 0 && attempt == p.MaxAttempts {
			break
		}
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// Backoff tracks consecutive failures and yields the next hold-off delay.
// Not safe for concurrent use; the poller owns one per loop.
type Backoff struct {
	policy   Policy
	failures int
}

// NewBackoff creates a failure tracker over the given policy.
func NewBackoff(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// Next records one more failure and returns the delay to hold before the
// next attempt.
func (b *Backoff) Next() time.Duration {
	b.failures++
	return b.policy.Delay(b.failures)
}

// Reset clears the failure streak after a success.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures returns the current consecutive-failure count.
func (b *Backoff) Failures() int {
	return b.failures
}
