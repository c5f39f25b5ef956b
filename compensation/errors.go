package compensation

import (
	"fmt"
	"time"

	"github.com/warp/lesson-engine/lesson"
)

// AlreadyPaidError is returned when paying a record that is already PAID.
type AlreadyPaidError struct {
	RecordID string
	PaidAt   *time.Time
}

func (e *AlreadyPaidError) Error() string {
	if e.PaidAt == nil {
		return fmt.Sprintf("salary record %s is already paid", e.RecordID)
	}
	return fmt.Sprintf("salary record %s was already paid on %s", e.RecordID, e.PaidAt.Format(time.DateOnly))
}

func (e *AlreadyPaidError) Unwrap() error { return lesson.ErrInvalidState }

func salaryNotFound(teacherID lesson.TeacherID, p Period) error {
	return &lesson.NotFoundError{Kind: "salary record", ID: fmt.Sprintf("%s/%s", teacherID, p)}
}
