package lesson_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/lesson"
)

func TestIsTransientMessage(t *testing.T) {
	transient := []string{
		"read tcp 10.0.0.1:5432: read: connection reset by peer",
		"ECONNRESET",
		"Connection terminated unexpectedly",
		"server closed the connection unexpectedly",
		"write: broken pipe",
		"database is locked",
	}
	for _, msg := range transient {
		assert.True(t, lesson.IsTransientMessage(msg), msg)
	}

	permanent := []string{
		"UNIQUE constraint failed: lessons.id",
		"syntax error at or near \"SELEC\"",
		"no such table: lessons",
	}
	for _, msg := range permanent {
		assert.False(t, lesson.IsTransientMessage(msg), msg)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, lesson.IsTransient(driver.ErrBadConn))
	assert.True(t, lesson.IsTransient(&lesson.TransientError{Op: "x", Err: errors.New("boom")}))
	assert.False(t, lesson.IsTransient(nil))
	assert.False(t, lesson.IsTransient(&lesson.NotFoundError{Kind: "lesson", ID: "connection reset"}))
	assert.False(t, lesson.IsTransient(&lesson.ValidationError{Field: "f", Message: "broken pipe"}))
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := lesson.DefaultRetryPolicy()

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Duration(0), p.Delay(0))
}

func TestRetry_ReconnectsBeforeEachRetry(t *testing.T) {
	// GIVEN: An operation failing once with a bad connection
	ctx := context.Background()
	var events []string
	p := lesson.DefaultRetryPolicy()
	p.OnRetry = func(retry int, d time.Duration, _ error) {
		events = append(events, fmt.Sprintf("retry %d in %s", retry, d))
	}
	p.Reconnect = func(context.Context) error {
		events = append(events, "reconnect")
		return nil
	}

	calls := 0
	got, err := lesson.Retry(ctx, p, "op", func(context.Context) (int, error) {
		calls++
		events = append(events, "call")
		if calls == 1 {
			return 0, driver.ErrBadConn
		}
		return 42, nil
	})

	// THEN: Back off, reconnect, then the second attempt succeeds
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, []string{"call", "retry 1 in 100ms", "reconnect", "call"}, events)
}

func TestRetry_DoublesTheDelay(t *testing.T) {
	p := lesson.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
	var delays []time.Duration
	p.OnRetry = func(_ int, d time.Duration, _ error) { delays = append(delays, d) }

	calls := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("broken pipe")
	})

	var te *lesson.TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 4, te.Attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)
}

func TestRetry_FailedReconnectCountsAsAttempt(t *testing.T) {
	ctx := context.Background()
	p := lesson.DefaultRetryPolicy()
	p.BaseDelay = time.Millisecond
	p.Reconnect = func(context.Context) error { return errors.New("connection refused: connection reset") }

	calls := 0
	err := p.Do(ctx, "op", func(context.Context) error {
		calls++
		return errors.New("connection reset by peer")
	})

	assert.ErrorIs(t, err, lesson.ErrTransientStore)
	assert.Equal(t, 1, calls)
}

func TestRetry_PermanentErrorIsReturnedUnwrapped(t *testing.T) {
	boom := &lesson.ValidationError{Field: "id", Message: "is required"}

	calls := 0
	err := lesson.DefaultRetryPolicy().Do(context.Background(), "op", func(context.Context) error {
		calls++
		return boom
	})

	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := lesson.DefaultRetryPolicy()

	calls := 0
	err := p.Do(ctx, "op", func(context.Context) error {
		calls++
		cancel()
		return errors.New("broken pipe")
	})

	assert.ErrorIs(t, err, lesson.ErrTransientStore)
	assert.Equal(t, 1, calls)
}

func TestRetry_NoRetry(t *testing.T) {
	calls := 0
	err := lesson.NoRetry().Do(context.Background(), "op", func(context.Context) error {
		calls++
		return driver.ErrBadConn
	})

	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Equal(t, 1, calls)
}
