/*
lock.go - Obligation Lock Evaluator

PURPOSE:
  Pure functions of (lesson snapshot, now) that decide whether each
  obligation can still be edited and what the lesson's aggregate completion
  status is. Nothing here touches the store or mutates a lesson.

MIDNIGHT LOCK:
  Once the calendar day of the lesson has fully elapsed (compared in the
  wall-clock zone of `now`), every unfinished obligation is frozen for
  ordinary teacher edits.

    scheduled 2025-03-10 18:00, now 2025-03-10 23:59  → not locked
    scheduled 2025-03-10 18:00, now 2025-03-11 00:00  → locked

PAST vs LOCKED:
  IsLessonPast is "the slot has ended" (scheduledAt + duration < now).
  IsLockedForTeacher is "the day has ended", a later condition.

COMPLETION STATUS:
  ┌────────────────────┬──────────────────────────────┬────────────┐
  │ lesson slot ended? │ all done OR day elapsed?     │ status     │
  ├────────────────────┼──────────────────────────────┼────────────┤
  │ no                 │ -                            │ NONE       │
  │ yes                │ yes                          │ DONE       │
  │ yes                │ no                           │ IN_PROCESS │
  └────────────────────┴──────────────────────────────┴────────────┘

OBLIGATION LOCK PRIORITY (first match wins):
  1. flag already true      → not locked
  2. status == COMPLETED    → locked (manual completion freezes the rest)
  3. midnight lock applies  → locked
  4. otherwise              → not locked

  Status is checked before any timestamp: a COMPLETED lesson is treated as
  closed even if its CompletedAt is missing.

SEE ALSO:
  - obligation.go: Refuses teacher edits on locked obligations
  - compensation/calculator.go: Consumes the obligation flags
*/
package lesson

import "time"

// CompletionStatus is the derived, read-only summary of a lesson's obligations.
type CompletionStatus string

const (
	CompletionDone      CompletionStatus = "DONE"
	CompletionInProcess CompletionStatus = "IN_PROCESS"
	CompletionNone      CompletionStatus = "NONE"
)

// IsLockedForTeacher reports whether the calendar date of now is strictly
// after the calendar date of scheduledAt, both in now's location.
func IsLockedForTeacher(scheduledAt, now time.Time) bool {
	lessonDay := StartOfDay(scheduledAt.In(now.Location()))
	today := StartOfDay(now)
	return today.After(lessonDay)
}

// IsLessonPast reports whether scheduledAt + duration is before now.
func IsLessonPast(scheduledAt time.Time, durationMinutes int, now time.Time) bool {
	end := scheduledAt.Add(time.Duration(durationMinutes) * time.Minute)
	return end.Before(now)
}

// AreObligationsComplete reports whether all four obligations are done.
func AreObligationsComplete(o Obligations) bool {
	return o.AbsenceMarked && o.FeedbacksCompleted && o.VoiceSent && o.TextSent
}

// CompletionStatusOf derives the completion status of l at now.
func CompletionStatusOf(l Lesson, now time.Time) CompletionStatus {
	if !IsLessonPast(l.ScheduledAt, l.Duration, now) {
		return CompletionNone
	}
	if AreObligationsComplete(l.Obligations) || IsLockedForTeacher(l.ScheduledAt, now) {
		return CompletionDone
	}
	return CompletionInProcess
}

// IsObligationLocked reports whether an obligation can no longer be
// fulfilled by the lesson's teacher.
func IsObligationLocked(done bool, status Status, scheduledAt, now time.Time) bool {
	if done {
		return false
	}
	if status == StatusCompleted {
		return true
	}
	return IsLockedForTeacher(scheduledAt, now)
}

// =============================================================================
// VIEW - What a lesson screen shows
// =============================================================================

// ObligationView is one row of the obligation checklist.
type ObligationView struct {
	Obligation Obligation
	Done       bool
	DoneAt     *time.Time
	Locked     bool
}

// View is a lesson with every derived flag evaluated at a single instant.
type View struct {
	Lesson           Lesson
	AsOf             time.Time
	IsPast           bool
	IsLocked         bool
	CompletionStatus CompletionStatus
	Obligations      []ObligationView
}

// NewView evaluates the lock indicators of l at now. The lock evaluator is
// invoked once per obligation.
func NewView(l Lesson, now time.Time) View {
	v := View{
		Lesson:           l,
		AsOf:             now,
		IsPast:           IsLessonPast(l.ScheduledAt, l.Duration, now),
		IsLocked:         IsLockedForTeacher(l.ScheduledAt, now),
		CompletionStatus: CompletionStatusOf(l, now),
		Obligations:      make([]ObligationView, 0, len(AllObligations)),
	}
	for _, ob := range AllObligations {
		done := l.Obligations.Done(ob)
		v.Obligations = append(v.Obligations, ObligationView{
			Obligation: ob,
			Done:       done,
			DoneAt:     l.Obligations.DoneAt(ob),
			Locked:     IsObligationLocked(done, l.Status, l.ScheduledAt, now),
		})
	}
	return v
}
