/*
record.go - Salary record and the pure deduction arithmetic

FORMULA (per teacher, per month):
  lessonsCount = completed lessons scheduled in the month
  gross        = lessonsCount × rate

  for each obligation o with weight w_o:
    required_o  = lessonsCount
    completed_o = lessons with o done
    deduction_o = gross × (w_o / 100) × (required_o - completed_o) / required_o
                  (0 when required_o == 0)

  totalDeductions = Σ deduction_o
  net             = max(0, gross - totalDeductions)

EXAMPLE:
  rate 1000, 4 lessons, weights 25/25/25/25, one lesson without voice
    gross            = 4000
    deduction_voice  = 4000 × 0.25 × 1/4 = 250
    net              = 3750

ROUNDING:
  Each deduction is rounded to 2 decimal places (half away from zero)
  before summing, so the persisted parts always add up to the total.

SEE ALSO:
  - calculator.go: Loads lessons, config and rate, then persists the record
*/
package compensation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/lesson"
)

type SalaryStatus string

const (
	SalaryPending SalaryStatus = "PENDING"
	SalaryPaid    SalaryStatus = "PAID"
)

// ObligationTally counts how many lessons fulfilled an obligation out of
// how many required it.
type ObligationTally struct {
	Completed int `json:"completed"`
	Required  int `json:"required"`
}

type SalaryRecord struct {
	ID        string
	TeacherID lesson.TeacherID
	Year      int
	Month     time.Month

	LessonsCount    int
	LessonRate      decimal.Decimal
	GrossAmount     decimal.Decimal
	Deductions      map[lesson.Obligation]decimal.Decimal
	TotalDeductions decimal.Decimal
	NetAmount       decimal.Decimal

	ActionBreakdown map[lesson.Obligation]ObligationTally
	ObligationsInfo ObligationTally
	Weights         Weights

	Status       SalaryStatus
	PaidAt       *time.Time
	CalculatedAt time.Time
}

// Computation is the result of applying weights to a month of lessons.
type Computation struct {
	LessonsCount    int
	GrossAmount     decimal.Decimal
	Deductions      map[lesson.Obligation]decimal.Decimal
	TotalDeductions decimal.Decimal
	NetAmount       decimal.Decimal
	ActionBreakdown map[lesson.Obligation]ObligationTally
	ObligationsInfo ObligationTally
}

var hundred = decimal.NewFromInt(100)

// Compute applies w to the given lessons at rate. Every lesson passed in
// counts; callers select the completed lessons of the month.
func Compute(lessons []lesson.Lesson, rate decimal.Decimal, w Weights) Computation {
	n := len(lessons)
	gross := rate.Mul(decimal.NewFromInt(int64(n)))

	c := Computation{
		LessonsCount:    n,
		GrossAmount:     gross,
		Deductions:      make(map[lesson.Obligation]decimal.Decimal, len(lesson.AllObligations)),
		TotalDeductions: decimal.Zero,
		ActionBreakdown: make(map[lesson.Obligation]ObligationTally, len(lesson.AllObligations)),
	}

	for _, ob := range lesson.AllObligations {
		completed := 0
		for _, l := range lessons {
			if l.Obligations.Done(ob) {
				completed++
			}
		}
		tally := ObligationTally{Completed: completed, Required: n}
		c.ActionBreakdown[ob] = tally
		c.ObligationsInfo.Completed += tally.Completed
		c.ObligationsInfo.Required += tally.Required

		// Each deduction is cent-rounded; the total is the sum of the rounded parts.
		deduction := decimal.Zero
		if missing := n - completed; n > 0 && missing > 0 {
			deduction = gross.
				Mul(decimal.NewFromInt(int64(w.Of(ob)))).
				Mul(decimal.NewFromInt(int64(missing))).
				Div(hundred.Mul(decimal.NewFromInt(int64(n)))).
				Round(2)
		}
		c.Deductions[ob] = deduction
		c.TotalDeductions = c.TotalDeductions.Add(deduction)
	}

	c.NetAmount = decimal.Max(decimal.Zero, gross.Sub(c.TotalDeductions))
	return c
}
