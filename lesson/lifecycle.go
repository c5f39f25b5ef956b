/*
lifecycle.go - Lesson Status State Machine

PURPOSE:
  Governs the legal status transitions of a lesson, who may perform them,
  and the fields written with each transition.

STATE DIAGRAM:
  ┌───────────┐  start   ┌─────────────┐  complete  ┌───────────┐
  │ SCHEDULED │ ───────▶ │ IN_PROGRESS │ ─────────▶ │ COMPLETED │
  └───────────┘          └─────────────┘            └───────────┘
     │     │                    │ cancel                 ▲
     │     │ markMissed         ▼                        │ complete
     │     ▼              ┌───────────┐                  │ (retroactive)
     │  ┌────────┐ cancel │ CANCELLED │ ─────────────────┤
     │  │ MISSED │ ─────▶ └───────────┘                  │
     │  └────────┘ ──────────────────────────────────────┘
     │ cancel / complete
     └──────────────▶ CANCELLED / COMPLETED

TRANSITION TABLE:
  start       SCHEDULED                              ADMIN, assigned TEACHER
  complete    SCHEDULED, IN_PROGRESS, CANCELLED, MISSED ADMIN, assigned TEACHER
  cancel      SCHEDULED, IN_PROGRESS, MISSED         ADMIN
  markMissed  SCHEDULED                              ADMIN, SYSTEM

  Completing from CANCELLED or MISSED lets staff correct records after the
  fact without a separate reopen operation.

ORDER OF CHECKS:
  1. Load lesson           → NotFound
  2. Authorize caller      → Forbidden
  3. Check source status   → InvalidState
  4. Conditional update    → InvalidState if another request won the race

SIDE EFFECTS:
  A successful complete notifies every CompletionListener (the salary
  calculator). Listener failures are logged, never returned: the lesson
  stays COMPLETED and the monthly rollup recomputes the salary later.

SEE ALSO:
  - store.go: UpdateLessonStatus conditional update
  - compensation/calculator.go: CompletionListener implementation
*/
package lesson

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/lesson-engine/identity"
	"github.com/warp/lesson-engine/logging"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

type Transition string

const (
	TransitionStart      Transition = "start"
	TransitionComplete   Transition = "complete"
	TransitionCancel     Transition = "cancel"
	TransitionMarkMissed Transition = "markMissed"
)

type transitionRule struct {
	from         []Status
	to           Status
	action       string // past participle, for error messages
	allowTeacher bool   // assigned teacher may perform it
	allowSystem  bool
}

var transitions = map[Transition]transitionRule{
	TransitionStart: {
		from:         []Status{StatusScheduled},
		to:           StatusInProgress,
		action:       "started",
		allowTeacher: true,
	},
	TransitionComplete: {
		from:         []Status{StatusScheduled, StatusInProgress, StatusCancelled, StatusMissed},
		to:           StatusCompleted,
		action:       "completed",
		allowTeacher: true,
	},
	TransitionCancel: {
		from:   []Status{StatusScheduled, StatusInProgress, StatusMissed},
		to:     StatusCancelled,
		action: "cancelled",
	},
	TransitionMarkMissed: {
		from:        []Status{StatusScheduled},
		to:          StatusMissed,
		action:      "marked as missed",
		allowSystem: true,
	},
}

func (r transitionRule) allows(s Status) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether t is legal from status s.
func CanTransition(t Transition, s Status) bool {
	rule, ok := transitions[t]
	return ok && rule.allows(s)
}

// =============================================================================
// LIFECYCLE SERVICE
// =============================================================================

// CompletionListener is notified after a lesson becomes COMPLETED and
// whenever a completed lesson's obligations change.
type CompletionListener interface {
	LessonCompleted(ctx context.Context, l Lesson) error
}

type Lifecycle struct {
	Store     Store
	Directory identity.Directory
	Clock     Clock
	Retry     RetryPolicy
	Listeners []CompletionListener
	Log       logging.Logger
}

// NewLifecycle creates a lifecycle with the default retry policy.
func NewLifecycle(store Store, dir identity.Directory, clock Clock) *Lifecycle {
	retry := DefaultRetryPolicy()
	retry.Reconnect = store.EnsureConnected
	return &Lifecycle{
		Store:     store,
		Directory: dir,
		Clock:     clock,
		Retry:     retry,
		Log:       logging.New("lifecycle"),
	}
}

// Start moves a SCHEDULED lesson to IN_PROGRESS.
func (lc *Lifecycle) Start(ctx context.Context, caller identity.Caller, id ID) (*Lesson, error) {
	return lc.transition(ctx, caller, id, TransitionStart, nil)
}

// Complete marks a lesson COMPLETED, stamps CompletedAt and optionally
// replaces the notes. The owning teacher's salary for the lesson's month is
// recalculated afterwards on a best-effort basis.
func (lc *Lifecycle) Complete(ctx context.Context, caller identity.Caller, id ID, notes *string) (*Lesson, error) {
	l, err := lc.transition(ctx, caller, id, TransitionComplete, func(upd *StatusUpdate) {
		if notes != nil {
			n := strings.TrimSpace(*notes)
			upd.Notes = &n
		}
	})
	if err != nil {
		return nil, err
	}

	for _, listener := range lc.Listeners {
		if err := listener.LessonCompleted(ctx, *l); err != nil {
			lc.logger().Errorf("post-completion hook failed for lesson %s (teacher %s): %v", l.ID, l.TeacherID, err)
		}
	}
	return l, nil
}

// Cancel moves a lesson to CANCELLED, recording the reason in the notes.
func (lc *Lifecycle) Cancel(ctx context.Context, caller identity.Caller, id ID, reason string) (*Lesson, error) {
	return lc.transition(ctx, caller, id, TransitionCancel, func(upd *StatusUpdate) {
		notes := "Cancelled"
		if r := strings.TrimSpace(reason); r != "" {
			notes = "Cancelled: " + r
		}
		upd.Notes = &notes
	})
}

// MarkMissed moves a SCHEDULED lesson to MISSED.
func (lc *Lifecycle) MarkMissed(ctx context.Context, caller identity.Caller, id ID) (*Lesson, error) {
	return lc.transition(ctx, caller, id, TransitionMarkMissed, nil)
}

func (lc *Lifecycle) transition(
	ctx context.Context,
	caller identity.Caller,
	id ID,
	t Transition,
	mutate func(*StatusUpdate),
) (*Lesson, error) {
	rule := transitions[t]

	// 1. Load
	l, err := lc.find(ctx, id)
	if err != nil {
		return nil, err
	}

	// 2. Authorize
	if err := lc.authorize(ctx, caller, l, t, rule); err != nil {
		return nil, err
	}

	// 3. Precondition
	if !rule.allows(l.Status) {
		return nil, &InvalidStateError{LessonID: id, Action: rule.action, Current: l.Status}
	}

	// 4. Conditional update against the status we just checked
	now := lc.Clock.Now()
	upd := StatusUpdate{Status: rule.to, UpdatedAt: now}
	if rule.to == StatusCompleted {
		upd.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&upd)
	}

	attempts := 0
	err = lc.Retry.Do(ctx, "update lesson status", func(ctx context.Context) error {
		attempts++
		return lc.Store.UpdateLessonStatus(ctx, id, l.Status, upd)
	})
	from := l.Status
	if errors.Is(err, ErrConcurrentModification) {
		current, ferr := lc.find(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		// A retried update that lost its acknowledgement finds its own write.
		if attempts < 2 || !appliedBy(current, upd) {
			return nil, &InvalidStateError{LessonID: id, Action: rule.action, Current: current.Status}
		}
		lc.logger().Warnf("lesson %s: update was applied before the connection dropped", id)
		l = current
	} else if err != nil {
		return nil, fmt.Errorf("failed to update lesson %s: %w", id, err)
	} else {
		l.Status = upd.Status
		l.CompletedAt = upd.CompletedAt
		if upd.Notes != nil {
			l.Notes = *upd.Notes
		}
		l.UpdatedAt = now
	}

	lc.logger().Infof("lesson %s %s by %s %s (%s → %s)", id, rule.action, caller.Role, caller.UserID, from, l.Status)
	return l, nil
}

// appliedBy reports whether l carries exactly the write described by upd.
func appliedBy(l *Lesson, upd StatusUpdate) bool {
	return l.Status == upd.Status && l.UpdatedAt.Equal(upd.UpdatedAt)
}

func (lc *Lifecycle) authorize(ctx context.Context, caller identity.Caller, l *Lesson, t Transition, rule transitionRule) error {
	switch {
	case caller.IsAdmin():
		return nil
	case caller.IsSystem() && rule.allowSystem:
		return nil
	case caller.IsTeacher() && rule.allowTeacher:
		return authorizeAssignedTeacher(ctx, lc.Directory, lc.Retry, caller, l, string(t))
	}
	return &ForbiddenError{
		LessonID: l.ID,
		Action:   string(t),
		Reason:   fmt.Sprintf("role %s is not allowed", caller.Role),
	}
}

// authorizeAssignedTeacher resolves the caller's teacher profile and
// compares it with the lesson's teacher.
func authorizeAssignedTeacher(
	ctx context.Context,
	dir identity.Directory,
	retry RetryPolicy,
	caller identity.Caller,
	l *Lesson,
	action string,
) error {
	teacherID, err := Retry(ctx, retry, "resolve teacher profile", func(ctx context.Context) (string, error) {
		return dir.TeacherIDForUser(ctx, caller.UserID)
	})
	if errors.Is(err, identity.ErrNoTeacherProfile) {
		return &ForbiddenError{LessonID: l.ID, Action: action, Reason: "caller has no teacher profile"}
	}
	if err != nil {
		return fmt.Errorf("failed to resolve teacher profile of user %s: %w", caller.UserID, err)
	}
	if TeacherID(teacherID) != l.TeacherID {
		return &ForbiddenError{LessonID: l.ID, Action: action, Reason: "lesson is assigned to another teacher"}
	}
	return nil
}

// =============================================================================
// SCHEDULING AND READS
// =============================================================================

// Schedule creates a single SCHEDULED lesson. Only admins may schedule.
func (lc *Lifecycle) Schedule(ctx context.Context, caller identity.Caller, in NewLesson) (*Lesson, error) {
	if !caller.IsAdmin() {
		return nil, &ForbiddenError{Action: "schedule", Reason: fmt.Sprintf("role %s is not allowed", caller.Role)}
	}
	switch {
	case in.TeacherID == "":
		return nil, &ValidationError{Field: "teacher_id", Message: "is required"}
	case in.GroupID == "":
		return nil, &ValidationError{Field: "group_id", Message: "is required"}
	case in.ScheduledAt.IsZero():
		return nil, &ValidationError{Field: "scheduled_at", Message: "is required"}
	case in.Duration <= 0:
		return nil, &ValidationError{Field: "duration", Message: "must be positive"}
	}

	now := lc.Clock.Now()
	l := Lesson{
		ID:          ID(uuid.NewString()),
		GroupID:     in.GroupID,
		TeacherID:   in.TeacherID,
		ScheduledAt: in.ScheduledAt,
		Duration:    in.Duration,
		Status:      StatusScheduled,
		Notes:       in.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := lc.Retry.Do(ctx, "save lesson", func(ctx context.Context) error {
		return lc.Store.SaveLesson(ctx, l)
	}); err != nil {
		return nil, fmt.Errorf("failed to save lesson: %w", err)
	}
	return &l, nil
}

// View returns the lesson with its lock indicators evaluated now.
func (lc *Lifecycle) View(ctx context.Context, id ID) (View, error) {
	l, err := lc.find(ctx, id)
	if err != nil {
		return View{}, err
	}
	return NewView(*l, lc.Clock.Now()), nil
}

// List returns lessons matching the filter.
func (lc *Lifecycle) List(ctx context.Context, f Filter) ([]Lesson, error) {
	return Retry(ctx, lc.Retry, "query lessons", func(ctx context.Context) ([]Lesson, error) {
		return lc.Store.QueryLessons(ctx, f)
	})
}

// SweepMissed marks every SCHEDULED lesson whose slot has ended and whose
// calendar day has elapsed as MISSED. Lessons moved concurrently by someone else are skipped.
// Returns how many lessons were marked.
func (lc *Lifecycle) SweepMissed(ctx context.Context) (int, error) {
	now := lc.Clock.Now()
	cutoff := StartOfDay(now)
	f := Filter{To: &cutoff, Statuses: []Status{StatusScheduled}}

	candidates, err := lc.List(ctx, f)
	if err != nil {
		return 0, err
	}

	marked := 0
	var errs []error
	for _, l := range candidates {
		if !IsLessonPast(l.ScheduledAt, l.Duration, now) || !IsLockedForTeacher(l.ScheduledAt, now) {
			continue
		}
		_, err := lc.MarkMissed(ctx, identity.System(), l.ID)
		switch {
		case err == nil:
			marked++
		case errors.Is(err, ErrInvalidState):
			// someone else moved it first
		default:
			errs = append(errs, err)
		}
	}
	if marked > 0 {
		lc.logger().Infof("marked %d elapsed lessons as missed", marked)
	}
	return marked, errors.Join(errs...)
}

func (lc *Lifecycle) find(ctx context.Context, id ID) (*Lesson, error) {
	return Retry(ctx, lc.Retry, "find lesson", func(ctx context.Context) (*Lesson, error) {
		return lc.Store.FindLesson(ctx, id)
	})
}

func (lc *Lifecycle) logger() logging.Logger {
	if lc.Log == nil {
		lc.Log = logging.Discard()
	}
	return lc.Log
}
