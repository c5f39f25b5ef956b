/*
store.go - Persistence interface for lessons

PURPOSE:
  Defines what the lifecycle needs from the lesson record store. The store
  owns atomicity of single-row updates; this package never locks rows itself.

CONDITIONAL UPDATES:
  UpdateLessonStatus only applies when the row's status still equals the
  status the caller checked. If another request moved the lesson first,
  the store returns ErrConcurrentModification and the lifecycle re-reads
  the lesson to report the real current status. A concurrent start and
  cancel can therefore never both succeed.

MONOTONIC FLAGS:
  MarkObligation only ever sets a flag to true. There is no operation that
  clears an obligation flag.

IMPLEMENTATIONS:
  - store/sqlite: SQLite, conditional UPDATE ... WHERE status = ?
  - store/memory: In-memory, for tests and dev

SEE ALSO:
  - lifecycle.go: Uses UpdateLessonStatus
  - statistics.go: Uses CountLessons and EnsureConnected
*/
package lesson

import (
	"context"
	"time"
)

// Filter selects lessons. Nil/empty fields do not restrict.
// From and To are inclusive bounds on ScheduledAt.
type Filter struct {
	TeacherID *TeacherID
	GroupID   *GroupID
	From      *time.Time
	To        *time.Time
	Statuses  []Status
}

// WithStatus returns a copy of f restricted to a single status.
func (f Filter) WithStatus(s Status) Filter {
	f.Statuses = []Status{s}
	return f
}

// Matches reports whether l passes the filter.
func (f Filter) Matches(l Lesson) bool {
	if f.TeacherID != nil && l.TeacherID != *f.TeacherID {
		return false
	}
	if f.GroupID != nil && l.GroupID != *f.GroupID {
		return false
	}
	if f.From != nil && l.ScheduledAt.Before(*f.From) {
		return false
	}
	if f.To != nil && l.ScheduledAt.After(*f.To) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if l.Status == s {
			return true
		}
	}
	return false
}

// StatusUpdate describes the fields written alongside a status change.
// Nil pointers leave the stored value untouched, except CompletedAt which
// is always written (nil clears it) to keep the CompletedAt/status invariant.
type StatusUpdate struct {
	Status      Status
	CompletedAt *time.Time
	Notes       *string
	UpdatedAt   time.Time
}

// Reader is the read side of the lesson store.
type Reader interface {
	// FindLesson returns the lesson or an error matching ErrNotFound.
	FindLesson(ctx context.Context, id ID) (*Lesson, error)

	// QueryLessons returns lessons matching the filter ordered by ScheduledAt.
	QueryLessons(ctx context.Context, filter Filter) ([]Lesson, error)

	// CountLessons returns how many lessons match the filter.
	CountLessons(ctx context.Context, filter Filter) (int, error)

	// TeacherIDs returns the distinct teachers having lessons matching the filter.
	TeacherIDs(ctx context.Context, filter Filter) ([]TeacherID, error)
}

// Store is the full lesson record store.
type Store interface {
	Reader

	// SaveLesson inserts a new lesson.
	SaveLesson(ctx context.Context, l Lesson) error

	// UpdateLessonStatus applies upd only if the stored status equals from.
	// Returns ErrConcurrentModification otherwise.
	UpdateLessonStatus(ctx context.Context, id ID, from Status, upd StatusUpdate) error

	// MarkObligation sets the obligation flag and its timestamp if not yet set.
	MarkObligation(ctx context.Context, id ID, ob Obligation, at time.Time) error

	// EnsureConnected verifies (and if needed re-establishes) the connection.
	EnsureConnected(ctx context.Context) error
}
