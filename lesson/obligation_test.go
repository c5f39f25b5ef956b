package lesson_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/lesson"
	"github.com/warp/lesson-engine/logging"
	"github.com/warp/lesson-engine/store/memory"
)

func newTestObligations(t *testing.T, now time.Time) (*lesson.ObligationService, *memory.Store) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveTeacher(ctx, compensation.Teacher{ID: "teacher-1", UserID: "user-1"}))
	require.NoError(t, store.SaveTeacher(ctx, compensation.Teacher{ID: "teacher-2", UserID: "user-2"}))

	svc := lesson.NewObligationService(store, store, lesson.FixedClock{At: now})
	svc.Log = logging.Discard()
	return svc, store
}

func obligationView(v lesson.View, ob lesson.Obligation) lesson.ObligationView {
	for _, o := range v.Obligations {
		if o.Obligation == ob {
			return o
		}
	}
	return lesson.ObligationView{}
}

func TestMarkObligation_TeacherSameDay(t *testing.T) {
	// GIVEN: Teacher-1's lesson earlier today, still in progress
	ctx := context.Background()
	now := noon()
	svc, store := newTestObligations(t, now)
	seedLesson(t, store, "l-1", now.Add(-2*time.Hour), lesson.StatusInProgress)

	// WHEN: The teacher marks absence
	v, err := svc.Mark(ctx, teacher1, "l-1", lesson.ObligationAbsence)

	// THEN: The flag and its timestamp are persisted
	require.NoError(t, err)
	ov := obligationView(v, lesson.ObligationAbsence)
	assert.True(t, ov.Done)
	assert.False(t, ov.Locked)
	require.NotNil(t, ov.DoneAt)
	assert.Equal(t, now, *ov.DoneAt)
	assert.Equal(t, lesson.CompletionInProcess, v.CompletionStatus)

	stored, err := store.FindLesson(ctx, "l-1")
	require.NoError(t, err)
	assert.True(t, stored.Obligations.AbsenceMarked)
	assert.False(t, stored.Obligations.VoiceSent)
}

func TestMarkObligation_AllFourMakesDone(t *testing.T) {
	ctx := context.Background()
	now := noon()
	svc, store := newTestObligations(t, now)
	seedLesson(t, store, "l-1", now.Add(-2*time.Hour), lesson.StatusInProgress)

	var v lesson.View
	var err error
	for _, ob := range lesson.AllObligations {
		v, err = svc.Mark(ctx, teacher1, "l-1", ob)
		require.NoError(t, err)
	}

	assert.Equal(t, lesson.CompletionDone, v.CompletionStatus)
}

func TestMarkObligation_LockedAfterMidnight(t *testing.T) {
	// GIVEN: Teacher-1's lesson from yesterday
	ctx := context.Background()
	now := noon()
	svc, store := newTestObligations(t, now)
	seedLesson(t, store, "l-1", now.AddDate(0, 0, -1), lesson.StatusInProgress)

	// WHEN: The teacher tries to mark voice
	_, err := svc.Mark(ctx, teacher1, "l-1", lesson.ObligationVoice)

	// THEN: Refused as locked, nothing written
	var locked *lesson.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, lesson.ObligationVoice, locked.Obligation)
	assert.ErrorIs(t, err, lesson.ErrInvalidState)

	stored, _ := store.FindLesson(ctx, "l-1")
	assert.False(t, stored.Obligations.VoiceSent)
}

func TestMarkObligation_CompletedLessonLocksTeacher(t *testing.T) {
	ctx := context.Background()
	now := noon()
	svc, store := newTestObligations(t, now)
	seedLesson(t, store, "l-1", now.Add(-2*time.Hour), lesson.StatusCompleted)

	_, err := svc.Mark(ctx, teacher1, "l-1", lesson.ObligationText)

	assert.ErrorIs(t, err, lesson.ErrInvalidState)
}

func TestMarkObligation_AdminBypassesLock(t *testing.T) {
	ctx := context.Background()
	now := noon()
	svc, store := newTestObligations(t, now)
	seedLesson(t, store, "l-1", now.AddDate(0, 0, -3), lesson.StatusCompleted)

	v, err := svc.Mark(ctx, admin, "l-1", lesson.ObligationFeedbacks)

	require.NoError(t, err)
	assert.True(t, obligationView(v, lesson.ObligationFeedbacks).Done)
}

func TestMarkObligation_CorrectionNotifiesListeners(t *testing.T) {
	// GIVEN: A completed lesson from three days ago and a scheduled one today
	ctx := context.Background()
	now := noon()
	svc, store := newTestObligations(t, now)
	listener := &recordingListener{}
	svc.Listeners = append(svc.Listeners, listener)
	seedLesson(t, store, "l-done", now.AddDate(0, 0, -3), lesson.StatusCompleted)
	seedLesson(t, store, "l-open", now.Add(time.Hour), lesson.StatusScheduled)

	// WHEN: An admin corrects the completed lesson twice, then marks the open one
	_, err := svc.Mark(ctx, admin, "l-done", lesson.ObligationVoice)
	require.NoError(t, err)
	_, err = svc.Mark(ctx, admin, "l-done", lesson.ObligationVoice)
	require.NoError(t, err)
	_, err = svc.Mark(ctx, admin, "l-open", lesson.ObligationVoice)
	require.NoError(t, err)

	// THEN: Only the first change on the completed lesson triggers a recalculation
	assert.Equal(t, []lesson.ID{"l-done"}, listener.completed)
}

func TestMarkObligation_Idempotent(t *testing.T) {
	// GIVEN: Voice already sent an hour ago
	ctx := context.Background()
	now := noon()
	svc, store := newTestObligations(t, now)
	l := lessonAt(now.Add(-2*time.Hour), lesson.StatusCompleted)
	earlier := now.Add(-time.Hour)
	l.Obligations.Set(lesson.ObligationVoice, earlier)
	require.NoError(t, store.SaveLesson(ctx, l))

	// WHEN: The teacher marks it again on the completed lesson
	v, err := svc.Mark(ctx, teacher1, l.ID, lesson.ObligationVoice)

	// THEN: No error, original timestamp kept
	require.NoError(t, err)
	ov := obligationView(v, lesson.ObligationVoice)
	assert.True(t, ov.Done)
	assert.False(t, ov.Locked)
	assert.Equal(t, earlier, *ov.DoneAt)
}

func TestMarkObligation_Authorization(t *testing.T) {
	ctx := context.Background()
	now := noon()
	svc, store := newTestObligations(t, now)
	seedLesson(t, store, "l-1", now, lesson.StatusScheduled)

	_, err := svc.Mark(ctx, teacher2, "l-1", lesson.ObligationAbsence)
	assert.ErrorIs(t, err, lesson.ErrForbidden)

	_, err = svc.Mark(ctx, student, "l-1", lesson.ObligationAbsence)
	assert.ErrorIs(t, err, lesson.ErrForbidden)

	_, err = svc.Mark(ctx, admin, "missing", lesson.ObligationAbsence)
	assert.ErrorIs(t, err, lesson.ErrNotFound)
}

func TestMarkObligation_UnknownObligation(t *testing.T) {
	svc, store := newTestObligations(t, noon())
	seedLesson(t, store, "l-1", noon(), lesson.StatusScheduled)

	_, err := svc.Mark(context.Background(), admin, "l-1", lesson.Obligation("homework"))

	assert.ErrorIs(t, err, lesson.ErrValidation)
}
