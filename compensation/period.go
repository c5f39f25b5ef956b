package compensation

import (
	"fmt"
	"time"

	"github.com/warp/lesson-engine/lesson"
)

// Period is a calendar month.
type Period struct {
	Year  int
	Month time.Month
}

func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) Validate() error {
	if p.Month < time.January || p.Month > time.December {
		return &lesson.ValidationError{Field: "month", Message: fmt.Sprintf("must be 1-12, got %d", int(p.Month))}
	}
	if p.Year < 1 {
		return &lesson.ValidationError{Field: "year", Message: fmt.Sprintf("must be positive, got %d", p.Year)}
	}
	return nil
}

// Range returns the first and last instant of the month in loc.
func (p Period) Range(loc *time.Location) (time.Time, time.Time) {
	return lesson.MonthRange(p.Year, p.Month, loc)
}

func (p Period) Previous() Period {
	first := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return PeriodOf(first)
}

// PeriodsToRecalculate returns the months a rollup at now should cover:
// the current month, plus the previous month during its first graceDays
// days so late corrections still land in the closed month.
func PeriodsToRecalculate(now time.Time, graceDays int) []Period {
	current := PeriodOf(now)
	if now.Day() <= graceDays {
		return []Period{current.Previous(), current}
	}
	return []Period{current}
}
