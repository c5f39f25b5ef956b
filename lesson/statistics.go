/*
statistics.go - Lesson Statistics Aggregator

PURPOSE:
  Dashboard counts per status for a teacher and/or date range.

READ PATH:
  1. EnsureConnected
  2. Five counts run concurrently: total, completed, cancelled, missed, in progress
  3. scheduled = total - completed - cancelled - missed - inProgress
     (derived, never queried)
  4. completionRate = round(100 * completed / total), 0 when total == 0

  The whole batch runs under the retry policy, so a connection blip on any
  of the five queries reconnects and re-issues all of them. Partial results
  from a failed batch are never combined with a later attempt.

SEE ALSO:
  - retry.go: Backoff and transient classification
*/
package lesson

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/lesson-engine/logging"
)

// StatisticsFilter restricts the lessons counted. Nil fields do not restrict.
type StatisticsFilter struct {
	TeacherID *TeacherID
	DateFrom  *time.Time
	DateTo    *time.Time
}

type Statistics struct {
	Total          int
	Completed      int
	Cancelled      int
	Missed         int
	InProgress     int
	Scheduled      int
	CompletionRate int // percent, 0-100
}

// ComputeStatistics derives the scheduled count and completion rate from
// the five queried counts.
func ComputeStatistics(total, completed, cancelled, missed, inProgress int) Statistics {
	s := Statistics{
		Total:      total,
		Completed:  completed,
		Cancelled:  cancelled,
		Missed:     missed,
		InProgress: inProgress,
		Scheduled:  total - completed - cancelled - missed - inProgress,
	}
	if total > 0 {
		s.CompletionRate = int(math.Round(100 * float64(completed) / float64(total)))
	}
	return s
}

type StatisticsService struct {
	Store Reader
	// EnsureConnected runs before the first batch. Retries reconnect
	// through Retry.Reconnect.
	EnsureConnected func(ctx context.Context) error
	Retry           RetryPolicy
	Log             logging.Logger
}

func NewStatisticsService(store Store) *StatisticsService {
	svc := &StatisticsService{
		Store:           store,
		EnsureConnected: store.EnsureConnected,
		Retry:           DefaultRetryPolicy(),
		Log:             logging.New("statistics"),
	}
	svc.Retry.Reconnect = store.EnsureConnected
	svc.Retry.OnRetry = func(retry int, delay time.Duration, err error) {
		svc.Log.Warnf("statistics query failed, retry %d in %s: %v", retry, delay, err)
	}
	return svc
}

// Statistics returns the lesson counts per status for the filter.
func (s *StatisticsService) Statistics(ctx context.Context, f StatisticsFilter) (Statistics, error) {
	if s.EnsureConnected != nil {
		if err := s.EnsureConnected(ctx); err != nil && !s.retryable(err) {
			return Statistics{}, err
		}
	}

	base := Filter{TeacherID: f.TeacherID, From: f.DateFrom, To: f.DateTo}

	return Retry(ctx, s.Retry, "lesson statistics", func(ctx context.Context) (Statistics, error) {
		var total, completed, cancelled, missed, inProgress int

		g, gctx := errgroup.WithContext(ctx)
		count := func(dst *int, filter Filter) {
			g.Go(func() error {
				n, err := s.Store.CountLessons(gctx, filter)
				if err != nil {
					return err
				}
				*dst = n
				return nil
			})
		}
		count(&total, base)
		count(&completed, base.WithStatus(StatusCompleted))
		count(&cancelled, base.WithStatus(StatusCancelled))
		count(&missed, base.WithStatus(StatusMissed))
		count(&inProgress, base.WithStatus(StatusInProgress))

		if err := g.Wait(); err != nil {
			return Statistics{}, err
		}
		return ComputeStatistics(total, completed, cancelled, missed, inProgress), nil
	})
}

func (s *StatisticsService) retryable(err error) bool {
	if s.Retry.Retryable != nil {
		return s.Retry.Retryable(err)
	}
	return IsTransient(err)
}
