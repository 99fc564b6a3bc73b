package supervisor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryHandler applies a RetryPolicy. It holds no mutable state; the retry
// count is passed in by the caller.
type RetryHandler struct {
	policy RetryPolicy
	clock  Clock
}

// NewRetryHandler constructs a RetryHandler. A nil clock uses wall time.
func NewRetryHandler(policy RetryPolicy, clock Clock) *RetryHandler {
	if clock == nil {
		clock = RealClock()
	}
	return &RetryHandler{policy: policy.withDefaults(), clock: clock}
}

// Policy returns the effective policy after defaults.
func (r *RetryHandler) Policy() RetryPolicy { return r.policy }

// CanRetry reports whether another attempt is allowed after retries attempts.
func (r *RetryHandler) CanRetry(retries int) bool {
	return retries < r.policy.MaxRetries
}

// BackoffDelay returns min(BaseDelay * Multiplier^retries, MaxDelay).
func (r *RetryHandler) BackoffDelay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	b := r.newBackOff()
	var d time.Duration
	for i := 0; i <= retries; i++ {
		d = b.NextBackOff()
		if d >= r.policy.MaxDelay {
			return r.policy.MaxDelay
		}
	}
	return d
}

// WaitForRetry blocks for BackoffDelay(retries) or until ctx is done.
func (r *RetryHandler) WaitForRetry(ctx context.Context, retries int) error {
	d := r.BackoffDelay(retries)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(d):
		return nil
	}
}

func (r *RetryHandler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BaseDelay
	b.Multiplier = r.policy.Multiplier
	b.MaxInterval = r.policy.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
