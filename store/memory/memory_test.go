package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/lesson"
	"github.com/warp/lesson-engine/store/memory"
)

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func TestMemoryStore_WithTxRollsBack(t *testing.T) {
	// GIVEN: A stored config and salary record
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SetObligationConfig(ctx, compensation.ObligationPercentConfig{
		Weights: compensation.DefaultWeights(), Version: 1, UpdatedAt: base,
	}))
	require.NoError(t, store.UpsertSalaryRecord(ctx, compensation.SalaryRecord{
		ID: "rec-1", TeacherID: "teacher-1", Year: 2025, Month: time.March, Status: compensation.SalaryPending,
	}))

	// WHEN: A transaction changes both and then fails
	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx compensation.Store) error {
		if err := tx.SetObligationConfig(ctx, compensation.ObligationPercentConfig{Weights: compensation.Weights{Text: 100}, Version: 2}); err != nil {
			return err
		}
		if err := tx.MarkSalaryPaid(ctx, "rec-1", base); err != nil {
			return err
		}
		return boom
	})

	// THEN: Both changes are undone
	assert.ErrorIs(t, err, boom)

	cfg, err := store.GetObligationConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)

	rec, err := store.GetSalaryRecord(ctx, "teacher-1", 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, compensation.SalaryPending, rec.Status)
	assert.Nil(t, rec.PaidAt)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SaveLesson(ctx, lesson.Lesson{ID: "l-1", TeacherID: "teacher-1", ScheduledAt: base, Status: lesson.StatusScheduled}))

	got, err := store.FindLesson(ctx, "l-1")
	require.NoError(t, err)
	got.Status = lesson.StatusCancelled
	got.Obligations.Set(lesson.ObligationVoice, base)

	again, err := store.FindLesson(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, lesson.StatusScheduled, again.Status)
	assert.False(t, again.Obligations.VoiceSent)
}

func TestMemoryStore_Validation(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := lesson.Lesson{ID: "l-1", TeacherID: "teacher-1", ScheduledAt: base, Status: lesson.StatusScheduled}
	require.NoError(t, store.SaveLesson(ctx, l))

	assert.ErrorIs(t, store.SaveLesson(ctx, l), lesson.ErrValidation)
	assert.ErrorIs(t, store.MarkObligation(ctx, "l-1", lesson.Obligation("homework"), base), lesson.ErrValidation)
	assert.ErrorIs(t, store.MarkObligation(ctx, "nope", lesson.ObligationText, base), lesson.ErrNotFound)

	require.NoError(t, store.SaveTeacher(ctx, compensation.Teacher{ID: "teacher-1", UserID: "user-1"}))
	assert.ErrorIs(t, store.SaveTeacher(ctx, compensation.Teacher{ID: "teacher-2", UserID: "user-1"}), lesson.ErrValidation)
}
