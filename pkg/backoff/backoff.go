package backoff

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

const (
	DefaultMaxAttempts   = 3
	DefaultInitialDelay  = 2 * time.Second
	DefaultBackoffFactor = 2
)

// Policy describes how often an operation may be retried, and how
// long to wait before each retry. The first attempt is always made
// immediately; the delay before attempt n (n >= 2) is
// InitialDelay * BackoffFactor^(n-2).
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64

	// sleep is swapped out in tests
	sleep func(context.Context, time.Duration) error
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = DefaultBackoffFactor
	}
	if p.sleep == nil {
		p.sleep = sleep
	}
	return p
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable. Errors not marked this way
// abort the retry loop immediately.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient,
// directly or somewhere along a causer chain.
func IsTransient(err error) bool {
	for err != nil {
		if _, ok := err.(*transientError); ok {
			return true
		}
		cause, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = cause.Unwrap()
	}
	return false
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// policy's attempts are exhausted. The last error is returned with
// its transient marker stripped, so exhausting the policy converts a
// retryable failure into a permanent one.
func (p Policy) Do(ctx context.Context, logger log.Logger, op string, fn func() error) error {
	p = p.withDefaults()

	var lastErr error
	delay := p.InitialDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			logger.Log("op", op, "attempt", attempt, "delay", delay.String(), "err", lastErr)
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * p.BackoffFactor)
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	if t, ok := lastErr.(*transientError); ok {
		lastErr = t.err
	}
	return errors.Wrapf(lastErr, "%s: giving up after %d attempts", op, p.MaxAttempts)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
