package compensation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/lesson"
)

// RateProvider supplies the per-lesson rate of a teacher.
type RateProvider interface {
	LessonRate(ctx context.Context, teacherID lesson.TeacherID) (decimal.Decimal, error)
}

// FixedRate pays every teacher the same rate.
type FixedRate decimal.Decimal

func (r FixedRate) LessonRate(context.Context, lesson.TeacherID) (decimal.Decimal, error) {
	return decimal.Decimal(r), nil
}

// TeacherRates reads per-teacher rates and falls back to Default.
type TeacherRates struct {
	Store   RateStore
	Default decimal.Decimal
}

func (r *TeacherRates) LessonRate(ctx context.Context, teacherID lesson.TeacherID) (decimal.Decimal, error) {
	rate, err := r.Store.TeacherLessonRate(ctx, teacherID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load rate of teacher %s: %w", teacherID, err)
	}
	if rate == nil {
		return r.Default, nil
	}
	if rate.IsNegative() {
		return decimal.Zero, &lesson.ValidationError{
			Field:   "lesson_rate",
			Message: fmt.Sprintf("teacher %s has a negative rate %s", teacherID, rate),
		}
	}
	return *rate, nil
}
