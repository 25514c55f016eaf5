// Package retry implements capped exponential backoff for notification
// redelivery and idempotent API reads.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks a failure that retrying cannot fix, such as a
// rejected payload.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do and the notification worker stop
// retrying it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err wraps a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff is the delay before retry number attempt, counting from 1.
// The delay starts at base, doubles each attempt up to ceiling (zero
// means uncapped) and is spread by up to 25% either way.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		if ceiling > 0 && d >= ceiling {
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}

// Do runs fn until it succeeds, returns a permanent error, or has been
// tried attempts times. A permanent error is returned unwrapped.
// Cancelling ctx during a wait returns ctx.Err().
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	attempts = max(attempts, 1)

	var err error
	for n := 1; ; n++ {
		if err = fn(); err == nil {
			return nil
		}
		if pe := (*PermanentError)(nil); errors.As(err, &pe) {
			return pe.Err
		}
		if n == attempts {
			return err
		}

		wait := time.NewTimer(Backoff(n, base, 0))
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}
	}
}
