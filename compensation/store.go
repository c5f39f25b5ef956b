package compensation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/lesson"
)

// ConfigStore persists the single active obligation config.
type ConfigStore interface {
	// GetObligationConfig returns nil, nil when no config exists yet.
	GetObligationConfig(ctx context.Context) (*ObligationPercentConfig, error)
	SetObligationConfig(ctx context.Context, cfg ObligationPercentConfig) error
}

// SalaryStore persists one SalaryRecord per (teacher, year, month).
type SalaryStore interface {
	// GetSalaryRecord returns nil, nil when no record exists.
	GetSalaryRecord(ctx context.Context, teacherID lesson.TeacherID, year int, month time.Month) (*SalaryRecord, error)

	// UpsertSalaryRecord inserts or replaces the record for its
	// (teacher, year, month).
	UpsertSalaryRecord(ctx context.Context, r SalaryRecord) error

	// MarkSalaryPaid moves a PENDING record to PAID. Returns
	// lesson.ErrConcurrentModification if the record is not PENDING.
	MarkSalaryPaid(ctx context.Context, id string, paidAt time.Time) error
}

// Teacher is a teacher profile owned by a user account.
type Teacher struct {
	ID     lesson.TeacherID
	UserID string
	Name   string
	// LessonRate overrides the default per-lesson rate when set.
	LessonRate *decimal.Decimal
}

// RateStore supplies per-teacher lesson rates.
type RateStore interface {
	// TeacherLessonRate returns nil, nil when the teacher has no explicit rate.
	TeacherLessonRate(ctx context.Context, teacherID lesson.TeacherID) (*decimal.Decimal, error)
}

// Store is everything the calculator reads and writes.
type Store interface {
	lesson.Reader
	ConfigStore
	SalaryStore
}

// TxStore runs a recalculation atomically so concurrent runs for the same
// month are serialized and never observe each other's partial writes.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
