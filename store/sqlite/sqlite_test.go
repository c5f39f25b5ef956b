package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/identity"
	"github.com/warp/lesson-engine/lesson"
	"github.com/warp/lesson-engine/logging"
	"github.com/warp/lesson-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func newLesson(id lesson.ID, teacher lesson.TeacherID, at time.Time, status lesson.Status) lesson.Lesson {
	return lesson.Lesson{
		ID:          id,
		GroupID:     "group-1",
		TeacherID:   teacher,
		ScheduledAt: at,
		Duration:    60,
		Status:      status,
		CreatedAt:   at.Add(-24 * time.Hour),
		UpdatedAt:   at.Add(-24 * time.Hour),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// LESSONS
// =============================================================================

func TestSQLiteStore_SaveAndFindLesson(t *testing.T) {
	// GIVEN: A lesson with one obligation done and notes
	store := newTestStore(t)
	ctx := context.Background()

	l := newLesson("l-1", "teacher-1", base, lesson.StatusInProgress)
	l.Notes = "bring the workbook"
	l.Obligations.Set(lesson.ObligationVoice, base.Add(30*time.Minute))

	// WHEN: Saved and read back
	require.NoError(t, store.SaveLesson(ctx, l))
	got, err := store.FindLesson(ctx, "l-1")

	// THEN: Every field survives
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)
	assert.Equal(t, l.GroupID, got.GroupID)
	assert.Equal(t, l.TeacherID, got.TeacherID)
	assert.True(t, l.ScheduledAt.Equal(got.ScheduledAt))
	assert.Equal(t, 60, got.Duration)
	assert.Equal(t, lesson.StatusInProgress, got.Status)
	assert.Equal(t, "bring the workbook", got.Notes)
	assert.Nil(t, got.CompletedAt)

	assert.True(t, got.Obligations.VoiceSent)
	require.NotNil(t, got.Obligations.VoiceSentAt)
	assert.True(t, base.Add(30*time.Minute).Equal(*got.Obligations.VoiceSentAt))
	assert.False(t, got.Obligations.AbsenceMarked)
	assert.Nil(t, got.Obligations.AbsenceMarkedAt)
	assert.Equal(t, 1, got.Obligations.CompletedCount())
}

func TestSQLiteStore_FindMissingLesson(t *testing.T) {
	store := newTestStore(t)

	got, err := store.FindLesson(context.Background(), "nope")

	assert.Nil(t, got)
	var nf *lesson.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ID)
}

func TestSQLiteStore_DuplicateLessonID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	l := newLesson("l-1", "teacher-1", base, lesson.StatusScheduled)
	require.NoError(t, store.SaveLesson(ctx, l))

	err := store.SaveLesson(ctx, l)

	assert.ErrorIs(t, err, lesson.ErrValidation)
}

func TestSQLiteStore_QueryLessons(t *testing.T) {
	// GIVEN: Lessons for two teachers across two days, inserted out of order
	store := newTestStore(t)
	ctx := context.Background()
	for _, l := range []lesson.Lesson{
		newLesson("l-3", "teacher-1", base.Add(48*time.Hour), lesson.StatusScheduled),
		newLesson("l-1", "teacher-1", base, lesson.StatusCompleted),
		newLesson("l-2", "teacher-2", base.Add(2*time.Hour), lesson.StatusMissed),
		newLesson("l-4", "teacher-2", base.Add(72*time.Hour), lesson.StatusCancelled),
	} {
		require.NoError(t, store.SaveLesson(ctx, l))
	}

	ids := func(ls []lesson.Lesson) []lesson.ID {
		out := make([]lesson.ID, 0, len(ls))
		for _, l := range ls {
			out = append(out, l.ID)
		}
		return out
	}

	t.Run("all ordered by time", func(t *testing.T) {
		got, err := store.QueryLessons(ctx, lesson.Filter{})
		require.NoError(t, err)
		assert.Equal(t, []lesson.ID{"l-1", "l-2", "l-3", "l-4"}, ids(got))
	})

	t.Run("teacher", func(t *testing.T) {
		teacher := lesson.TeacherID("teacher-2")
		got, err := store.QueryLessons(ctx, lesson.Filter{TeacherID: &teacher})
		require.NoError(t, err)
		assert.Equal(t, []lesson.ID{"l-2", "l-4"}, ids(got))
	})

	t.Run("inclusive range", func(t *testing.T) {
		from, to := base, base.Add(48*time.Hour)
		got, err := store.QueryLessons(ctx, lesson.Filter{From: &from, To: &to})
		require.NoError(t, err)
		assert.Equal(t, []lesson.ID{"l-1", "l-2", "l-3"}, ids(got))
	})

	t.Run("range in another zone", func(t *testing.T) {
		almaty := time.FixedZone("ALMT", 5*60*60)
		from := base.Add(time.Hour).In(almaty)
		got, err := store.QueryLessons(ctx, lesson.Filter{From: &from})
		require.NoError(t, err)
		assert.Equal(t, []lesson.ID{"l-2", "l-3", "l-4"}, ids(got))
	})

	t.Run("statuses", func(t *testing.T) {
		got, err := store.QueryLessons(ctx, lesson.Filter{Statuses: []lesson.Status{lesson.StatusMissed, lesson.StatusCancelled}})
		require.NoError(t, err)
		assert.Equal(t, []lesson.ID{"l-2", "l-4"}, ids(got))
	})

	t.Run("count", func(t *testing.T) {
		n, err := store.CountLessons(ctx, lesson.Filter{}.WithStatus(lesson.StatusCompleted))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = store.CountLessons(ctx, lesson.Filter{})
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("teacher ids", func(t *testing.T) {
		got, err := store.TeacherIDs(ctx, lesson.Filter{})
		require.NoError(t, err)
		assert.Equal(t, []lesson.TeacherID{"teacher-1", "teacher-2"}, got)

		to := base.Add(time.Hour)
		got, err = store.TeacherIDs(ctx, lesson.Filter{To: &to})
		require.NoError(t, err)
		assert.Equal(t, []lesson.TeacherID{"teacher-1"}, got)
	})
}

func TestSQLiteStore_UpdateLessonStatus(t *testing.T) {
	// GIVEN: A scheduled lesson
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveLesson(ctx, newLesson("l-1", "teacher-1", base, lesson.StatusScheduled)))

	// WHEN: Completed while still SCHEDULED
	completedAt := base.Add(time.Hour)
	notes := "done early"
	err := store.UpdateLessonStatus(ctx, "l-1", lesson.StatusScheduled, lesson.StatusUpdate{
		Status:      lesson.StatusCompleted,
		CompletedAt: &completedAt,
		Notes:       &notes,
		UpdatedAt:   completedAt,
	})

	// THEN: Status, completion time and notes are written
	require.NoError(t, err)
	got, err := store.FindLesson(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, lesson.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completedAt.Equal(*got.CompletedAt))
	assert.Equal(t, "done early", got.Notes)
	assert.True(t, completedAt.Equal(got.UpdatedAt))

	// A second writer that still believes the lesson is SCHEDULED loses
	err = store.UpdateLessonStatus(ctx, "l-1", lesson.StatusScheduled, lesson.StatusUpdate{
		Status:    lesson.StatusCancelled,
		UpdatedAt: completedAt,
	})
	assert.ErrorIs(t, err, lesson.ErrConcurrentModification)

	got, _ = store.FindLesson(ctx, "l-1")
	assert.Equal(t, lesson.StatusCompleted, got.Status)
	assert.Equal(t, "done early", got.Notes, "nil notes leave the stored value")
}

func TestSQLiteStore_UpdateLessonStatusMissing(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateLessonStatus(context.Background(), "nope", lesson.StatusScheduled, lesson.StatusUpdate{
		Status:    lesson.StatusInProgress,
		UpdatedAt: base,
	})

	assert.ErrorIs(t, err, lesson.ErrNotFound)
}

func TestSQLiteStore_MarkObligationKeepsFirstTimestamp(t *testing.T) {
	// GIVEN: A lesson
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveLesson(ctx, newLesson("l-1", "teacher-1", base, lesson.StatusInProgress)))

	// WHEN: Absence is marked twice
	first := base.Add(10 * time.Minute)
	require.NoError(t, store.MarkObligation(ctx, "l-1", lesson.ObligationAbsence, first))
	require.NoError(t, store.MarkObligation(ctx, "l-1", lesson.ObligationAbsence, first.Add(time.Hour)))

	// THEN: The first timestamp wins
	got, err := store.FindLesson(ctx, "l-1")
	require.NoError(t, err)
	assert.True(t, got.Obligations.AbsenceMarked)
	require.NotNil(t, got.Obligations.AbsenceMarkedAt)
	assert.True(t, first.Equal(*got.Obligations.AbsenceMarkedAt))
	assert.Equal(t, 1, got.Obligations.CompletedCount())
}

func TestSQLiteStore_MarkObligationErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveLesson(ctx, newLesson("l-1", "teacher-1", base, lesson.StatusInProgress)))

	assert.ErrorIs(t, store.MarkObligation(ctx, "nope", lesson.ObligationText, base), lesson.ErrNotFound)
	assert.ErrorIs(t, store.MarkObligation(ctx, "l-1", lesson.Obligation("homework"), base), lesson.ErrValidation)
}

// =============================================================================
// OBLIGATION CONFIG
// =============================================================================

func TestSQLiteStore_ObligationConfig(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetObligationConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	cfg := compensation.ObligationPercentConfig{
		Weights:   compensation.Weights{Absence: 10, Feedbacks: 20, Voice: 30, Text: 40},
		Version:   3,
		UpdatedAt: base,
	}
	require.NoError(t, store.SetObligationConfig(ctx, cfg))
	cfg.Version = 4
	require.NoError(t, store.SetObligationConfig(ctx, cfg))

	got, err = store.GetObligationConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cfg.Weights, got.Weights)
	assert.Equal(t, 4, got.Version)
	assert.True(t, base.Equal(got.UpdatedAt))
}

// =============================================================================
// SALARY RECORDS
// =============================================================================

func salaryRecord(id string) compensation.SalaryRecord {
	return compensation.SalaryRecord{
		ID:              id,
		TeacherID:       "teacher-1",
		Year:            2025,
		Month:           time.March,
		LessonsCount:    2,
		LessonRate:      dec("1000"),
		GrossAmount:     dec("2000"),
		Deductions:      map[lesson.Obligation]decimal.Decimal{lesson.ObligationVoice: dec("250.00")},
		TotalDeductions: dec("250.00"),
		NetAmount:       dec("1750.00"),
		ActionBreakdown: map[lesson.Obligation]compensation.ObligationTally{
			lesson.ObligationVoice: {Completed: 1, Required: 2},
		},
		ObligationsInfo: compensation.ObligationTally{Completed: 7, Required: 8},
		Weights:         compensation.DefaultWeights(),
		Status:          compensation.SalaryPending,
		CalculatedAt:    base,
	}
}

func TestSQLiteStore_SalaryRecordUpsert(t *testing.T) {
	// GIVEN: No record for March
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetSalaryRecord(ctx, "teacher-1", 2025, time.March)
	require.NoError(t, err)
	assert.Nil(t, got)

	// WHEN: Saved, then replaced under a different id
	require.NoError(t, store.UpsertSalaryRecord(ctx, salaryRecord("rec-1")))
	again := salaryRecord("rec-2")
	again.LessonsCount = 3
	again.GrossAmount = dec("3000")
	again.NetAmount = dec("2750.00")
	require.NoError(t, store.UpsertSalaryRecord(ctx, again))

	// THEN: One record, original id, new amounts
	got, err = store.GetSalaryRecord(ctx, "teacher-1", 2025, time.March)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rec-1", got.ID)
	assert.Equal(t, time.March, got.Month)
	assert.Equal(t, 3, got.LessonsCount)
	assert.True(t, dec("3000").Equal(got.GrossAmount))
	assert.True(t, dec("2750").Equal(got.NetAmount))
	assert.True(t, dec("250").Equal(got.Deductions[lesson.ObligationVoice]))
	assert.Equal(t, compensation.ObligationTally{Completed: 1, Required: 2}, got.ActionBreakdown[lesson.ObligationVoice])
	assert.Equal(t, compensation.ObligationTally{Completed: 7, Required: 8}, got.ObligationsInfo)
	assert.Equal(t, compensation.DefaultWeights(), got.Weights)
	assert.Equal(t, compensation.SalaryPending, got.Status)
	assert.Nil(t, got.PaidAt)
	assert.True(t, base.Equal(got.CalculatedAt))

	other, err := store.GetSalaryRecord(ctx, "teacher-1", 2025, time.April)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSQLiteStore_MarkSalaryPaid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSalaryRecord(ctx, salaryRecord("rec-1")))

	paidAt := base.Add(72 * time.Hour)
	require.NoError(t, store.MarkSalaryPaid(ctx, "rec-1", paidAt))

	got, err := store.GetSalaryRecord(ctx, "teacher-1", 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, compensation.SalaryPaid, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.True(t, paidAt.Equal(*got.PaidAt))

	assert.ErrorIs(t, store.MarkSalaryPaid(ctx, "rec-1", paidAt), lesson.ErrConcurrentModification)
	assert.ErrorIs(t, store.MarkSalaryPaid(ctx, "rec-404", paidAt), lesson.ErrNotFound)
}

// =============================================================================
// TEACHERS
// =============================================================================

func TestSQLiteStore_Teachers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetTeacher(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = store.TeacherIDForUser(ctx, "user-1")
	assert.ErrorIs(t, err, identity.ErrNoTeacherProfile)

	rate := dec("1500")
	require.NoError(t, store.SaveTeacher(ctx, compensation.Teacher{ID: "teacher-1", UserID: "user-1", Name: "Anna", LessonRate: &rate}))
	require.NoError(t, store.SaveTeacher(ctx, compensation.Teacher{ID: "teacher-2", UserID: "user-2"}))

	got, err := store.GetTeacher(ctx, "teacher-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Anna", got.Name)
	require.NotNil(t, got.LessonRate)
	assert.True(t, rate.Equal(*got.LessonRate))

	id, err := store.TeacherIDForUser(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, "teacher-2", id)

	r, err := store.TeacherLessonRate(ctx, "teacher-2")
	require.NoError(t, err)
	assert.Nil(t, r)

	// A user can own only one profile
	err = store.SaveTeacher(ctx, compensation.Teacher{ID: "teacher-3", UserID: "user-1"})
	assert.ErrorIs(t, err, lesson.ErrValidation)

	// Saving again updates in place
	require.NoError(t, store.SaveTeacher(ctx, compensation.Teacher{ID: "teacher-2", UserID: "user-2", Name: "Ben"}))
	got, err = store.GetTeacher(ctx, "teacher-2")
	require.NoError(t, err)
	assert.Equal(t, "Ben", got.Name)
}

// =============================================================================
// TRANSACTIONS AND RESET
// =============================================================================

func TestSQLiteStore_WithTxRollsBack(t *testing.T) {
	// GIVEN: A saved config
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetObligationConfig(ctx, compensation.ObligationPercentConfig{
		Weights: compensation.DefaultWeights(), Version: 1, UpdatedAt: base,
	}))

	// WHEN: A transaction writes then fails
	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx compensation.Store) error {
		if err := tx.UpsertSalaryRecord(ctx, salaryRecord("rec-1")); err != nil {
			return err
		}
		if err := tx.SetObligationConfig(ctx, compensation.ObligationPercentConfig{
			Weights: compensation.Weights{Text: 100}, Version: 2, UpdatedAt: base,
		}); err != nil {
			return err
		}
		// writes are visible inside the transaction
		rec, err := tx.GetSalaryRecord(ctx, "teacher-1", 2025, time.March)
		if err != nil || rec == nil {
			return errors.New("record not visible inside transaction")
		}
		return boom
	})

	// THEN: Nothing was committed
	assert.ErrorIs(t, err, boom)

	rec, err := store.GetSalaryRecord(ctx, "teacher-1", 2025, time.March)
	require.NoError(t, err)
	assert.Nil(t, rec)

	cfg, err := store.GetObligationConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)
}

func TestSQLiteStore_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveLesson(ctx, newLesson("l-1", "teacher-1", base, lesson.StatusScheduled)))
	require.NoError(t, store.SaveTeacher(ctx, compensation.Teacher{ID: "teacher-1", UserID: "user-1"}))
	require.NoError(t, store.UpsertSalaryRecord(ctx, salaryRecord("rec-1")))
	require.NoError(t, store.SetObligationConfig(ctx, compensation.ObligationPercentConfig{
		Weights: compensation.DefaultWeights(), Version: 5, UpdatedAt: base,
	}))

	require.NoError(t, store.Reset(ctx))

	n, err := store.CountLessons(ctx, lesson.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	teacher, err := store.GetTeacher(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Nil(t, teacher)
	cfg, err := store.GetObligationConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Version)
}

func TestSQLiteStore_EnsureConnected(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.EnsureConnected(context.Background()))
}

// =============================================================================
// END TO END
// =============================================================================

func TestSQLiteStore_SalaryCalculation(t *testing.T) {
	// GIVEN: Two completed March lessons for a teacher with an explicit rate;
	// one misses voice, the other misses voice and text
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 31, 20, 0, 0, 0, time.UTC)

	rate := dec("1000")
	require.NoError(t, store.SaveTeacher(ctx, compensation.Teacher{ID: "teacher-1", UserID: "user-1", LessonRate: &rate}))

	for i, missing := range [][]lesson.Obligation{
		{lesson.ObligationVoice},
		{lesson.ObligationVoice, lesson.ObligationText},
	} {
		l := newLesson(lesson.ID([]string{"l-1", "l-2"}[i]), "teacher-1", base.AddDate(0, 0, i), lesson.StatusCompleted)
		done := l.EndsAt()
		l.CompletedAt = &done
		for _, ob := range lesson.AllObligations {
			skip := false
			for _, m := range missing {
				skip = skip || m == ob
			}
			if !skip {
				l.Obligations.Set(ob, done)
			}
		}
		require.NoError(t, store.SaveLesson(ctx, l))
	}
	// Not completed, does not count
	require.NoError(t, store.SaveLesson(ctx, newLesson("l-3", "teacher-1", base.AddDate(0, 0, 5), lesson.StatusMissed)))

	calc := compensation.NewCalculator(store, &compensation.TeacherRates{Store: store, Default: dec("500")}, store, lesson.FixedClock{At: now})
	calc.Log = logging.Discard()

	// WHEN: The month is recalculated twice
	first, err := calc.RecalculateSalaryForMonth(ctx, "teacher-1", compensation.Period{Year: 2025, Month: time.March})
	require.NoError(t, err)
	second, err := calc.RecalculateSalaryForMonth(ctx, "teacher-1", compensation.Period{Year: 2025, Month: time.March})
	require.NoError(t, err)

	// THEN: gross 2000; voice 2×250 = 500, text 1×250 = 250; net 1250
	assert.Equal(t, 2, second.LessonsCount)
	assert.True(t, dec("2000").Equal(second.GrossAmount))
	assert.True(t, dec("500").Equal(second.Deductions[lesson.ObligationVoice]))
	assert.True(t, dec("250").Equal(second.Deductions[lesson.ObligationText]))
	assert.True(t, dec("750").Equal(second.TotalDeductions))
	assert.True(t, dec("1250").Equal(second.NetAmount))
	assert.Equal(t, first.ID, second.ID)

	stored, err := store.GetSalaryRecord(ctx, "teacher-1", 2025, time.March)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, dec("1250").Equal(stored.NetAmount))
	assert.Equal(t, compensation.ObligationTally{Completed: 5, Required: 8}, stored.ObligationsInfo)
}

func TestSQLiteStore_CorruptTimestampIsAnError(t *testing.T) {
	// GIVEN: A file database with a lesson whose scheduled_at was damaged
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lessons.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SaveLesson(ctx, newLesson("l-1", "teacher-1", base, lesson.StatusScheduled)))

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, "UPDATE lessons SET scheduled_at = 'yesterday-ish' WHERE id = 'l-1'")
	require.NoError(t, err)

	// WHEN: Reading it back
	_, err = store.FindLesson(ctx, "l-1")

	// THEN: The row is reported instead of surfacing as the zero time
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yesterday-ish")

	_, err = store.QueryLessons(ctx, lesson.Filter{})
	assert.Error(t, err)
}

func TestDialect_Rebind(t *testing.T) {
	query := "UPDATE lessons SET status = ? WHERE id = ? AND status IN (?,?)"

	assert.Equal(t, query, sqlite.SQLite.Rebind(query))
	assert.Equal(t,
		"UPDATE lessons SET status = $1 WHERE id = $2 AND status IN ($3,$4)",
		sqlite.Postgres.Rebind(query))
}
