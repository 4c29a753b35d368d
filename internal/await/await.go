// Package await provides bounded waiting primitives: fixed-cadence polling for
// a condition and exponential-backoff retry of transient failures. Both sleep
// between attempts and honour context cancellation.
package await

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when the attempt budget runs out before the
// condition holds.
var ErrExhausted = errors.New("await: attempt budget exhausted")

// errNotYet marks a poll attempt whose condition did not hold.
var errNotYet = errors.New("await: condition not met")

// Policy bounds a polling loop. The first check happens one Interval after
// the call, matching a venue that needs time to settle an order.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Budget is the worst-case wall time of the policy.
func (p Policy) Budget() time.Duration {
	return p.Interval * time.Duration(p.MaxAttempts)
}

// Condition reports whether the awaited state has been reached. Returning a
// plain error counts as a failed attempt and polling continues; wrap the
// error with Stop to end polling immediately.
type Condition func(ctx context.Context) (bool, error)

type stopError struct{ err error }

func (s *stopError) Error() string { return s.err.Error() }
func (s *stopError) Unwrap() error { return s.err }

// Stop marks err as terminal for Poll.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Poll evaluates cond up to p.MaxAttempts times, sleeping p.Interval before
// each attempt. It returns nil once cond holds, the unwrapped error passed to
// Stop, the context error, or ErrExhausted.
func Poll(ctx context.Context, p Policy, cond Condition) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("await: max attempts must be >= 1, got %d", p.MaxAttempts)
	}

	if err := Sleep(ctx, p.Interval); err != nil {
		return err
	}

	var lastErr, stopped error
	op := func() error {
		done, err := cond(ctx)
		var stop *stopError
		switch {
		case errors.As(err, &stop):
			stopped = stop.err
			return backoff.Permanent(stop.err)
		case err != nil:
			lastErr = err
			return err
		case done:
			return nil
		default:
			return errNotYet
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.MaxAttempts-1)),
		ctx,
	)

	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return nil
	case stopped != nil:
		return stopped
	case ctx.Err() != nil:
		return ctx.Err()
	case lastErr != nil && !errors.Is(err, errNotYet):
		return fmt.Errorf("%w (last error: %v)", ErrExhausted, lastErr)
	default:
		return ErrExhausted
	}
}

// RetryPolicy bounds an exponential backoff retry loop.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retry runs op until it succeeds, returns an error that retryable rejects, or
// MaxRetries retries have been spent. onRetry, when non-nil, is called before
// each sleep.
func Retry(
	ctx context.Context,
	p RetryPolicy,
	op func(ctx context.Context) error,
	retryable func(error) bool,
	onRetry func(err error, next time.Duration),
) error {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	// Attempt count bounds the loop, not elapsed time.
	eb.MaxElapsedTime = 0

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	wrapped := func() error {
		err := op(ctx)
		if err != nil && retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if onRetry != nil {
		notify = onRetry
	}

	err := backoff.RetryNotify(wrapped, b, notify)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
