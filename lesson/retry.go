/*
retry.go - Retry policy for transient store failures

PURPOSE:
  Wraps a store call so brief connection blips are invisible to callers.
  Only errors classified as transient are retried; precondition and
  authorization failures fail fast.

POLICY:
  attempt 1 ── fail (transient) ── sleep 100ms ── reconnect ── attempt 2
  attempt 2 ── fail (transient) ── sleep 200ms ── reconnect ── attempt 3
  attempt 3 ── fail (transient) ── return *TransientError

  The schedule is a jitter-free backoff.ExponentialBackOff capped with
  WithMaxRetries. Non-transient errors are returned unchanged on the
  first failure.
  Exhausted retries return *TransientError, which unwraps both to
  ErrTransientStore and to the last underlying error.

TRANSIENT SIGNATURES:
  IsTransientMessage is the pure predicate over an error message. Drivers
  may also classify errors themselves by wrapping them in *TransientError
  (see store/sqlerr).

SEE ALSO:
  - statistics.go: Statistics read path
  - lifecycle.go: Wraps reads and conditional updates
*/
package lesson

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// transientSignatures are lower-cased substrings of connection-level failures.
var transientSignatures = []string{
	"econnreset",
	"connection reset",
	"connection closed",
	"connection was closed",
	"connection terminated",
	"forcibly closed",
	"server closed the connection",
	"server has closed the connection",
	"broken pipe",
	"bad connection",
	"database is locked",
}

// IsTransientMessage reports whether an error message matches a known
// transient-disconnect signature.
func IsTransientMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, sig := range transientSignatures {
		if strings.Contains(m, sig) {
			return true
		}
	}
	return false
}

// IsTransient classifies err as a connectivity failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientStore) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if IsClientError(err) || IsNotFound(err) {
		return false
	}
	return IsTransientMessage(err.Error())
}

// =============================================================================
// RETRY POLICY
// =============================================================================

type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// BaseDelay is doubled for every retry: 100ms, 200ms, 400ms...
	BaseDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	Retryable func(error) bool

	// Reconnect runs before every retry. Optional.
	Reconnect func(ctx context.Context) error

	// OnRetry is called before each retry with the 1-based retry number.
	OnRetry func(retry int, delay time.Duration, err error)
}

// DefaultRetryPolicy retries twice with 100ms/200ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  100 * time.Millisecond,
	}
}

// NoRetry runs operations exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Delay returns the backoff before the given 1-based retry.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	return p.BaseDelay * time.Duration(1<<(retry-1))
}

// backOff builds the deterministic exponential schedule, capped at
// MaxRetries and bound to ctx.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.Delay(retries)
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do runs fn under the policy.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry runs fn under p and returns its result.
func Retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var (
		zero      T
		attempts  int
		lastErr   error
		permanent bool
	)
	classify := func(err error) error {
		if !retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}

	operation := func() (T, error) {
		attempts++
		if attempts > 1 && p.Reconnect != nil {
			if err := p.Reconnect(ctx); err != nil {
				return zero, classify(err)
			}
		}
		result, err := fn(ctx)
		if err != nil {
			return zero, classify(err)
		}
		return result, nil
	}

	notify := func(err error, delay time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, delay, err)
		}
	}

	result, err := backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
	switch {
	case err == nil:
		return result, nil
	case permanent:
		return zero, err
	default:
		// exhausted, or the context ended between attempts
		return zero, &TransientError{Op: op, Attempts: attempts, Err: lastErr}
	}
}
