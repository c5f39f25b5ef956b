/*
Package lesson implements the lesson lifecycle: status transitions, the
post-class obligations a teacher owes for every lesson, and the rules that
decide when those obligations stop being editable.

KEY CONCEPTS IN THIS FILE (types.go):
  - Lesson: a scheduled class with a status and four obligation flags
  - Status: SCHEDULED → IN_PROGRESS → COMPLETED, plus CANCELLED and MISSED
  - Obligation: absence marking, feedbacks, voice message, text message
  - Obligations: the four flags with their completion timestamps

INVARIANTS:
  1. Obligation flags are monotonic. Once true, never false again.
  2. CompletedAt is non-nil iff Status is COMPLETED.

SEE ALSO:
  - lock.go: Obligation Lock Evaluator (midnight lock, completion status)
  - lifecycle.go: Status State Machine
  - obligation.go: Marking obligations as done
  - statistics.go: Lesson counts by status
*/
package lesson

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ID string
type TeacherID string
type GroupID string

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusMissed     Status = "MISSED"
)

// AllStatuses lists every lesson status in lifecycle order.
var AllStatuses = []Status{
	StatusScheduled,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
	StatusMissed,
}

func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown lesson status %q", s)
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

// Obligation is one of the four post-lesson actions a teacher must perform.
type Obligation string

const (
	ObligationAbsence   Obligation = "absence"
	ObligationFeedbacks Obligation = "feedbacks"
	ObligationVoice     Obligation = "voice"
	ObligationText      Obligation = "text"
)

// AllObligations is the fixed evaluation and display order.
var AllObligations = []Obligation{
	ObligationAbsence,
	ObligationFeedbacks,
	ObligationVoice,
	ObligationText,
}

func ParseObligation(s string) (Obligation, error) {
	for _, o := range AllObligations {
		if string(o) == s {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown obligation %q", s)
}

// Obligations holds the completion flag and timestamp of each obligation.
type Obligations struct {
	AbsenceMarked        bool
	AbsenceMarkedAt      *time.Time
	FeedbacksCompleted   bool
	FeedbacksCompletedAt *time.Time
	VoiceSent            bool
	VoiceSentAt          *time.Time
	TextSent             bool
	TextSentAt           *time.Time
}

// Done reports whether the given obligation has been fulfilled.
func (o Obligations) Done(ob Obligation) bool {
	switch ob {
	case ObligationAbsence:
		return o.AbsenceMarked
	case ObligationFeedbacks:
		return o.FeedbacksCompleted
	case ObligationVoice:
		return o.VoiceSent
	case ObligationText:
		return o.TextSent
	}
	return false
}

// DoneAt returns when the obligation was fulfilled, nil if it was not
// (or if the timestamp was never recorded).
func (o Obligations) DoneAt(ob Obligation) *time.Time {
	switch ob {
	case ObligationAbsence:
		return o.AbsenceMarkedAt
	case ObligationFeedbacks:
		return o.FeedbacksCompletedAt
	case ObligationVoice:
		return o.VoiceSentAt
	case ObligationText:
		return o.TextSentAt
	}
	return nil
}

// Set flips an obligation to done. It never clears a flag and keeps the
// original timestamp when the obligation was already done.
// Returns false if nothing changed.
func (o *Obligations) Set(ob Obligation, at time.Time) bool {
	if o.Done(ob) {
		return false
	}
	t := at
	switch ob {
	case ObligationAbsence:
		o.AbsenceMarked, o.AbsenceMarkedAt = true, &t
	case ObligationFeedbacks:
		o.FeedbacksCompleted, o.FeedbacksCompletedAt = true, &t
	case ObligationVoice:
		o.VoiceSent, o.VoiceSentAt = true, &t
	case ObligationText:
		o.TextSent, o.TextSentAt = true, &t
	default:
		return false
	}
	return true
}

// CompletedCount returns how many of the four obligations are done.
func (o Obligations) CompletedCount() int {
	n := 0
	for _, ob := range AllObligations {
		if o.Done(ob) {
			n++
		}
	}
	return n
}

// =============================================================================
// LESSON
// =============================================================================

type Lesson struct {
	ID          ID
	GroupID     GroupID
	TeacherID   TeacherID
	ScheduledAt time.Time
	Duration    int // minutes

	Status      Status
	Obligations Obligations
	CompletedAt *time.Time
	Notes       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EndsAt is the instant the lesson's scheduled slot ends.
func (l Lesson) EndsAt() time.Time {
	return l.ScheduledAt.Add(time.Duration(l.Duration) * time.Minute)
}

// NewLesson is the input for scheduling a single lesson.
type NewLesson struct {
	GroupID     GroupID
	TeacherID   TeacherID
	ScheduledAt time.Time
	Duration    int
	Notes       string
}
