/**
 * @description
 * This package implements the bounded retry policy used for every outbound
 * call to a peer service or to the payment gateway's refund endpoint. Retries
 * use exponential backoff with a ceiling plus random jitter, so that a burst
 * of concurrent settlements failing against the same peer does not produce a
 * synchronized retry storm.
 *
 * The delay before retry k (1-indexed) is:
 *
 *	min(base * 2^(k-1), cap) + random(0, jitter)
 *
 * @dependencies
 * - context, math/rand, time: Standard Go libraries.
 */
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy controls retry behaviour. It is passed explicitly into each client
// constructor rather than read from process-wide globals, so tests can inject
// a distinct policy per case.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultPolicy returns the production defaults: 3 attempts, 1s base delay,
// 8s delay ceiling, up to 1s of jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Jitter:      time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 8 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// delayFor computes the backoff before retry attempt k (1-indexed), including
// jitter. Exposed to tests through delayBoundsFor.
func (p Policy) delayFor(attempt int) time.Duration {
	base, _ := p.delayBoundsFor(attempt)
	if p.Jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(p.Jitter)+1))
}

// delayBoundsFor returns the [min, max] window the delay before retry
// attempt k must fall into.
func (p Policy) delayBoundsFor(attempt int) (time.Duration, time.Duration) {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, d + p.Jitter
}

// permanentError marks an error that must not be retried (e.g. a 404 from the
// Course Registry, or a signature rejection). Do unwraps and returns it
// immediately.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do stops retrying and returns it as-is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op up to p.MaxAttempts times, sleeping per the backoff policy
// between attempts. The final attempt's error is returned unwrapped so the
// originating failure reason is preserved for diagnostics. Context
// cancellation interrupts the backoff sleep.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := op()
		if err == nil {
			return result, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-time.After(p.delayFor(attempt)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
