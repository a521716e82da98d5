package bdgd

import (
	"context"
	"errors"
	"time"
)

// transientError marks a failure worth retrying, such as a timeout or a
// 5xx response. Anything unwrapped fails immediately.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// do runs fn until it succeeds, fails permanently, or the policy's attempt
// or elapsed-time caps run out. Backoff between attempts grows by
// Multiplier.
func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	start := time.Now()
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return err
		}
		if p.MaxElapsed > 0 && time.Since(start)+delay > p.MaxElapsed {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
}
