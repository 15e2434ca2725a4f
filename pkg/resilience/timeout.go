// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/nvela/conduit/pkg/errors"
)

// WithTimeout executes fn under a deadline. Expiry is classified as
// CategoryTimeout and follows the same retry/circuit path as any other
// failure. A zero duration disables the deadline.
func WithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case <-ctx.Done():
		if goerrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.New(errors.CategoryTimeout, "operation exceeded timeout", ctx.Err()).
				WithContext("timeout", d.String())
		}
		return errors.New(errors.CategoryCancelled, "operation cancelled", ctx.Err())
	case err := <-done:
		return err
	}
}
