// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/nvela/conduit/pkg/errors"
)

// RetryPolicy computes whether and when a failed operation should be
// retried. It is consulted with the failure's category so non-retryable
// failures short-circuit immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int

	// BaseDelay is the first backoff delay; subsequent delays double.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the stock policy: 3 attempts total,
// 500ms base doubling up to 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// NextDelay returns the backoff before the next attempt, given the
// 1-based index of the attempt that just failed and its failure
// category. The second return is false when no retry should happen:
// attempts exhausted, category not retryable, or cancelled.
//
// ResourceExhaustion backs off from a doubled base so a struggling
// server gets more room to recover.
func (rp RetryPolicy) NextDelay(attempt int, category errors.Category) (time.Duration, bool) {
	if category == errors.CategoryCancelled || !category.Retryable() {
		return 0, false
	}

	max := rp.MaxAttempts
	if max < 1 {
		max = 1
	}
	if attempt >= max {
		return 0, false
	}

	base := rp.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if category == errors.CategoryResourceExhaustion {
		base *= 2
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if rp.MaxDelay > 0 && delay > rp.MaxDelay {
		delay = rp.MaxDelay
	}

	// Full jitter in [0, base) to avoid synchronized retries.
	delay += time.Duration(rand.Int63n(int64(base)))
	if rp.MaxDelay > 0 && delay > rp.MaxDelay {
		delay = rp.MaxDelay
	}

	return delay, true
}

// Sleep waits for the computed delay, aborting early on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.New(errors.CategoryCancelled, "cancelled during retry wait", ctx.Err())
	case <-timer.C:
		return nil
	}
}
