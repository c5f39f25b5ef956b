/*
calculator.go - Obligation-weighted salary calculator

PURPOSE:
  Recomputes a teacher's SalaryRecord for one month from scratch: every
  call reloads the month's completed lessons, the current weights and the
  teacher's rate, then replaces the stored record. Calling it twice with
  no lesson changes in between yields the same record.

TRIGGERS:
  - Lifecycle.Complete       → LessonCompleted (best effort)
  - SalaryScheduler rollup   → RecalculateMonth for current/previous month
  - Admin or teacher request → Recalculate

ATOMICITY:
  Read lessons + config, compute, and upsert run inside one store
  transaction. Concurrent runs for the same month are serialized by the
  store and the last writer wins.

PAID RECORDS:
  Once PAID a record is immutable. Recalculating returns it unchanged.

SEE ALSO:
  - record.go: The arithmetic
  - weights.go: Obligation weights
*/
package compensation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/identity"
	"github.com/warp/lesson-engine/lesson"
	"github.com/warp/lesson-engine/logging"
)

type Calculator struct {
	Store     TxStore
	Rates     RateProvider
	Directory identity.Directory
	Clock     lesson.Clock
	Retry     lesson.RetryPolicy
	Log       logging.Logger
}

func NewCalculator(store TxStore, rates RateProvider, dir identity.Directory, clock lesson.Clock) *Calculator {
	return &Calculator{
		Store:     store,
		Rates:     rates,
		Directory: dir,
		Clock:     clock,
		Retry:     lesson.DefaultRetryPolicy(),
		Log:       logging.New("salary"),
	}
}

// RecalculateSalaryForMonth recomputes and persists the teacher's record
// for the month.
func (c *Calculator) RecalculateSalaryForMonth(ctx context.Context, teacherID lesson.TeacherID, p Period) (*SalaryRecord, error) {
	if teacherID == "" {
		return nil, &lesson.ValidationError{Field: "teacher_id", Message: "is required"}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	rate, err := lesson.Retry(ctx, c.Retry, "load lesson rate", func(ctx context.Context) (decimal.Decimal, error) {
		return c.Rates.LessonRate(ctx, teacherID)
	})
	if err != nil {
		return nil, err
	}

	now := c.Clock.Now()
	from, to := p.Range(now.Location())

	return lesson.Retry(ctx, c.Retry, "recalculate salary", func(ctx context.Context) (*SalaryRecord, error) {
		var result *SalaryRecord
		err := c.Store.WithTx(ctx, func(tx Store) error {
			existing, err := tx.GetSalaryRecord(ctx, teacherID, p.Year, p.Month)
			if err != nil {
				return fmt.Errorf("failed to load salary record: %w", err)
			}
			if existing != nil && existing.Status == SalaryPaid {
				result = existing
				return nil
			}

			cfg, err := tx.GetObligationConfig(ctx)
			if err != nil {
				return fmt.Errorf("failed to load obligation config: %w", err)
			}
			weights := DefaultWeights()
			if cfg != nil {
				weights = cfg.Weights
			}

			lessons, err := tx.QueryLessons(ctx, lesson.Filter{
				TeacherID: &teacherID,
				From:      &from,
				To:        &to,
				Statuses:  []lesson.Status{lesson.StatusCompleted},
			})
			if err != nil {
				return fmt.Errorf("failed to load lessons: %w", err)
			}

			comp := Compute(lessons, rate, weights)
			rec := SalaryRecord{
				ID:              uuid.NewString(),
				TeacherID:       teacherID,
				Year:            p.Year,
				Month:           p.Month,
				LessonsCount:    comp.LessonsCount,
				LessonRate:      rate,
				GrossAmount:     comp.GrossAmount,
				Deductions:      comp.Deductions,
				TotalDeductions: comp.TotalDeductions,
				NetAmount:       comp.NetAmount,
				ActionBreakdown: comp.ActionBreakdown,
				ObligationsInfo: comp.ObligationsInfo,
				Weights:         weights,
				Status:          SalaryPending,
				CalculatedAt:    now,
			}
			if existing != nil {
				rec.ID = existing.ID
			}
			if err := tx.UpsertSalaryRecord(ctx, rec); err != nil {
				return fmt.Errorf("failed to save salary record: %w", err)
			}
			result = &rec
			return nil
		})
		return result, err
	})
}

// LessonCompleted recomputes the month of a freshly completed lesson.
func (c *Calculator) LessonCompleted(ctx context.Context, l lesson.Lesson) error {
	p := PeriodOf(l.ScheduledAt.In(c.Clock.Now().Location()))
	rec, err := c.RecalculateSalaryForMonth(ctx, l.TeacherID, p)
	if err != nil {
		return err
	}
	c.logger().Debugf("teacher %s %s: %d lessons, net %s", rec.TeacherID, p, rec.LessonsCount, rec.NetAmount.StringFixed(2))
	return nil
}

// RecalculateMonth recomputes the month for every teacher with lessons in
// it. Failures for one teacher do not stop the others; all failures are
// returned joined. Returns how many records were recomputed.
func (c *Calculator) RecalculateMonth(ctx context.Context, p Period) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	from, to := p.Range(c.Clock.Now().Location())

	teachers, err := lesson.Retry(ctx, c.Retry, "list teachers", func(ctx context.Context) ([]lesson.TeacherID, error) {
		return c.Store.TeacherIDs(ctx, lesson.Filter{From: &from, To: &to})
	})
	if err != nil {
		return 0, err
	}

	done := 0
	var errs []error
	for _, teacherID := range teachers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := c.RecalculateSalaryForMonth(ctx, teacherID, p); err != nil {
			errs = append(errs, fmt.Errorf("teacher %s: %w", teacherID, err))
			continue
		}
		done++
	}
	c.logger().Infof("salary rollup %s: %d/%d teachers recalculated", p, done, len(teachers))
	return done, errors.Join(errs...)
}

// =============================================================================
// CALLER-FACING OPERATIONS
// =============================================================================

// Get returns the stored record. Teachers may only read their own.
func (c *Calculator) Get(ctx context.Context, caller identity.Caller, teacherID lesson.TeacherID, p Period) (*SalaryRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, caller, teacherID, "view salary"); err != nil {
		return nil, err
	}
	rec, err := lesson.Retry(ctx, c.Retry, "get salary record", func(ctx context.Context) (*SalaryRecord, error) {
		return c.Store.GetSalaryRecord(ctx, teacherID, p.Year, p.Month)
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, salaryNotFound(teacherID, p)
	}
	return rec, nil
}

// Recalculate recomputes on request. Teachers may only recalculate their own.
func (c *Calculator) Recalculate(ctx context.Context, caller identity.Caller, teacherID lesson.TeacherID, p Period) (*SalaryRecord, error) {
	if err := c.authorize(ctx, caller, teacherID, "recalculate salary"); err != nil {
		return nil, err
	}
	return c.RecalculateSalaryForMonth(ctx, teacherID, p)
}

// MarkPaid moves the month's record from PENDING to PAID. Admin only.
func (c *Calculator) MarkPaid(ctx context.Context, caller identity.Caller, teacherID lesson.TeacherID, p Period) (*SalaryRecord, error) {
	if !caller.IsAdmin() {
		return nil, &lesson.ForbiddenError{Action: "pay salary", Reason: fmt.Sprintf("role %s is not allowed", caller.Role)}
	}
	rec, err := c.Get(ctx, caller, teacherID, p)
	if err != nil {
		return nil, err
	}
	if rec.Status == SalaryPaid {
		return nil, &AlreadyPaidError{RecordID: rec.ID, PaidAt: rec.PaidAt}
	}

	now := c.Clock.Now()
	attempts := 0
	err = c.Retry.Do(ctx, "mark salary paid", func(ctx context.Context) error {
		attempts++
		return c.Store.MarkSalaryPaid(ctx, rec.ID, now)
	})
	if errors.Is(err, lesson.ErrConcurrentModification) {
		current, gerr := c.Get(ctx, caller, teacherID, p)
		if gerr != nil {
			return nil, gerr
		}
		// A retried payment that lost its acknowledgement finds its own paidAt.
		if attempts < 2 || current.Status != SalaryPaid || current.PaidAt == nil || !current.PaidAt.Equal(now) {
			return nil, &AlreadyPaidError{RecordID: rec.ID, PaidAt: current.PaidAt}
		}
		c.logger().Warnf("salary %s: payment was applied before the connection dropped", rec.ID)
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark salary %s paid: %w", rec.ID, err)
	}

	rec.Status = SalaryPaid
	rec.PaidAt = &now
	c.logger().Infof("salary %s of teacher %s for %s paid: %s", rec.ID, teacherID, p, rec.NetAmount.StringFixed(2))
	return rec, nil
}

func (c *Calculator) authorize(ctx context.Context, caller identity.Caller, teacherID lesson.TeacherID, action string) error {
	switch {
	case caller.IsAdmin(), caller.IsSystem():
		return nil
	case caller.IsTeacher():
		own, err := lesson.Retry(ctx, c.Retry, "resolve teacher profile", func(ctx context.Context) (string, error) {
			return c.Directory.TeacherIDForUser(ctx, caller.UserID)
		})
		if errors.Is(err, identity.ErrNoTeacherProfile) {
			return &lesson.ForbiddenError{Action: action, Reason: "caller has no teacher profile"}
		}
		if err != nil {
			return err
		}
		if lesson.TeacherID(own) != teacherID {
			return &lesson.ForbiddenError{Action: action, Reason: "salary belongs to another teacher"}
		}
		return nil
	}
	return &lesson.ForbiddenError{Action: action, Reason: fmt.Sprintf("role %s is not allowed", caller.Role)}
}

func (c *Calculator) logger() logging.Logger {
	if c.Log == nil {
		c.Log = logging.Discard()
	}
	return c.Log
}

var _ lesson.CompletionListener = (*Calculator)(nil)
