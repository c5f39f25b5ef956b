/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	lesson data for demos. Each scenario creates teachers and lessons in
	various states, then runs the salary rollup so records are visible.

AVAILABLE SCENARIOS:

	salary-month:       Last month fully taught, obligations partly done
	missed-lessons:     Yesterday's lessons never started (sweep candidates)
	locked-obligations: Completed lessons past midnight with open obligations

HOW SCENARIOS WORK:
 1. Reset store (lessons, salaries, teachers)
 2. Create teacher profiles
 3. Insert lessons relative to the current clock
 4. Recalculate the affected months

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "salary-month"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, now)
 3. Add case to LoadScenario

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - server.go: Scenario routes (admin only)
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/lesson"
)

// SeedStore is what the scenario loaders write to.
type SeedStore interface {
	SaveLesson(ctx context.Context, l lesson.Lesson) error
	SaveTeacher(ctx context.Context, t compensation.Teacher) error
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "salary-month",
		Name:        "Salary Month",
		Description: "Two teachers with last month's lessons completed and obligations partly fulfilled",
	},
	{
		ID:          "missed-lessons",
		Name:        "Missed Lessons",
		Description: "Lessons from yesterday that were never started, ready for the missed-lesson sweep",
	},
	{
		ID:          "locked-obligations",
		Name:        "Locked Obligations",
		Description: "Completed lessons from yesterday with obligations locked for the teacher",
	},
}

// Demo accounts. Tokens for these users can be issued with identity.Issue.
const (
	demoTeacherOne = lesson.TeacherID("teacher-anna")
	demoTeacherTwo = lesson.TeacherID("teacher-ben")
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req LoadScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	var load func(ctx context.Context, now time.Time) ([]compensation.Period, error)
	switch req.ScenarioID {
	case "salary-month":
		load = h.loadSalaryMonthScenario
	case "missed-lessons":
		load = h.loadMissedLessonsScenario
	case "locked-obligations":
		load = h.loadLockedObligationsScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.Seeder.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}

	now := h.Clock.Now()
	periods, err := load(ctx, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	for _, p := range periods {
		if _, err := h.Salaries.RecalculateMonth(ctx, p); err != nil {
			h.Log.Warnf("scenario %s: rollup %s: %v", req.ScenarioID, p, err)
		}
	}

	h.Log.Infof("loaded scenario %s", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSalaryMonthScenario(ctx context.Context, now time.Time) ([]compensation.Period, error) {
	if err := h.seedTeachers(ctx); err != nil {
		return nil, err
	}

	last := compensation.PeriodOf(now).Previous()
	start, _ := last.Range(now.Location())

	// Anna: 8 lessons on Mondays and Thursdays, every other one with
	// feedbacks missing. Ben: 4 lessons, all obligations done, one cancelled.
	for i := 0; i < 8; i++ {
		at := start.AddDate(0, 0, 3*i).Add(16 * time.Hour)
		done := lesson.AllObligations
		if i%2 == 1 {
			done = []lesson.Obligation{lesson.ObligationAbsence, lesson.ObligationVoice, lesson.ObligationText}
		}
		if err := h.seedLesson(ctx, demoTeacherOne, "group-a1", at, lesson.StatusCompleted, done); err != nil {
			return nil, err
		}
	}
	for i := 0; i < 5; i++ {
		at := start.AddDate(0, 0, 5*i+1).Add(18 * time.Hour)
		status := lesson.StatusCompleted
		if i == 4 {
			status = lesson.StatusCancelled
		}
		if err := h.seedLesson(ctx, demoTeacherTwo, "group-b2", at, status, lesson.AllObligations); err != nil {
			return nil, err
		}
	}

	// Upcoming lessons for the current month.
	today := lesson.StartOfDay(now)
	for i := 1; i <= 3; i++ {
		at := today.AddDate(0, 0, i).Add(16 * time.Hour)
		if err := h.seedLesson(ctx, demoTeacherOne, "group-a1", at, lesson.StatusScheduled, nil); err != nil {
			return nil, err
		}
	}
	return []compensation.Period{last}, nil
}

func (h *Handler) loadMissedLessonsScenario(ctx context.Context, now time.Time) ([]compensation.Period, error) {
	if err := h.seedTeachers(ctx); err != nil {
		return nil, err
	}

	yesterday := lesson.StartOfDay(now).AddDate(0, 0, -1)
	for _, hour := range []int{10, 14, 18} {
		at := yesterday.Add(time.Duration(hour) * time.Hour)
		if err := h.seedLesson(ctx, demoTeacherTwo, "group-b2", at, lesson.StatusScheduled, nil); err != nil {
			return nil, err
		}
	}
	// One taught lesson so the teacher has a salary for the month.
	at := yesterday.Add(8 * time.Hour)
	if err := h.seedLesson(ctx, demoTeacherTwo, "group-b2", at, lesson.StatusCompleted, lesson.AllObligations); err != nil {
		return nil, err
	}
	return []compensation.Period{compensation.PeriodOf(yesterday)}, nil
}

func (h *Handler) loadLockedObligationsScenario(ctx context.Context, now time.Time) ([]compensation.Period, error) {
	if err := h.seedTeachers(ctx); err != nil {
		return nil, err
	}

	yesterday := lesson.StartOfDay(now).AddDate(0, 0, -1)
	seeds := [][]lesson.Obligation{
		{lesson.ObligationAbsence},
		{lesson.ObligationAbsence, lesson.ObligationFeedbacks},
		nil,
	}
	for i, done := range seeds {
		at := yesterday.Add(time.Duration(9+3*i) * time.Hour)
		if err := h.seedLesson(ctx, demoTeacherOne, "group-a1", at, lesson.StatusCompleted, done); err != nil {
			return nil, err
		}
	}
	// Today's lesson stays editable.
	at := lesson.StartOfDay(now).Add(8 * time.Hour)
	if err := h.seedLesson(ctx, demoTeacherOne, "group-a1", at, lesson.StatusCompleted, []lesson.Obligation{lesson.ObligationAbsence}); err != nil {
		return nil, err
	}

	periods := []compensation.Period{compensation.PeriodOf(yesterday)}
	if p := compensation.PeriodOf(now); p != periods[0] {
		periods = append(periods, p)
	}
	return periods, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seedTeachers(ctx context.Context) error {
	rate := decimal.NewFromInt(1500)
	teachers := []compensation.Teacher{
		{ID: demoTeacherOne, UserID: "user-anna", Name: "Anna Petrova", LessonRate: &rate},
		{ID: demoTeacherTwo, UserID: "user-ben", Name: "Ben Okafor"},
	}
	for _, t := range teachers {
		if err := h.Seeder.SaveTeacher(ctx, t); err != nil {
			return fmt.Errorf("save teacher %s: %w", t.ID, err)
		}
	}
	return nil
}

func (h *Handler) seedLesson(
	ctx context.Context,
	teacherID lesson.TeacherID,
	groupID lesson.GroupID,
	at time.Time,
	status lesson.Status,
	done []lesson.Obligation,
) error {
	l := lesson.Lesson{
		ID:          lesson.ID(uuid.NewString()),
		GroupID:     groupID,
		TeacherID:   teacherID,
		ScheduledAt: at,
		Duration:    60,
		Status:      status,
		CreatedAt:   at.AddDate(0, 0, -7),
		UpdatedAt:   at,
	}
	end := l.EndsAt()
	for _, ob := range done {
		l.Obligations.Set(ob, end)
	}
	switch status {
	case lesson.StatusCompleted:
		l.CompletedAt = &end
		l.UpdatedAt = end
	case lesson.StatusCancelled:
		l.Notes = "Cancelled: group on holiday"
	}
	return h.Seeder.SaveLesson(ctx, l)
}
