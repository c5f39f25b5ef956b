/*
handlers.go - HTTP API handlers for the lesson engine

PURPOSE:
  Exposes the lesson lifecycle, obligation marking, statistics, obligation
  weights and salary records via REST. Handles HTTP request/response and
  JSON serialization, and delegates every rule to the lesson and
  compensation packages.

ENDPOINTS:
  Lessons:
    GET    /api/lessons                         List (teacher_id, group_id, from, to, status)
    POST   /api/lessons                         Schedule a lesson (admin)
    GET    /api/lessons/statistics              Counts per status
    GET    /api/lessons/{id}                    Lesson with lock indicators
    POST   /api/lessons/{id}/start              SCHEDULED → IN_PROGRESS
    POST   /api/lessons/{id}/complete           → COMPLETED
    POST   /api/lessons/{id}/cancel             → CANCELLED (admin)
    POST   /api/lessons/{id}/missed             SCHEDULED → MISSED (admin)
    POST   /api/lessons/{id}/obligations/{type} Mark absence|feedbacks|voice|text

  Configuration:
    GET    /api/obligation-config               Current weights
    PUT    /api/obligation-config               Replace weights (admin)

  Salaries:
    GET    /api/salaries/{teacherId}/{year}/{month}
    POST   /api/salaries/{teacherId}/{year}/{month}/recalculate
    POST   /api/salaries/{teacherId}/{year}/{month}/pay        (admin)

  Admin:
    PUT    /api/admin/teachers/{id}             Create or update a teacher profile
    POST   /api/admin/salaries/recalculate      Monthly rollup
    POST   /api/admin/lessons/sweep-missed      Mark elapsed lessons MISSED

REQUEST FLOW:
  1. Caller resolved by the Authenticate middleware
  2. Parse path, query and body; validate the body with validator/v10
  3. Call the domain service with the caller
  4. Serialize the response DTO
  5. Map domain errors to HTTP status

ERROR HANDLING:
  - 400: Validation errors, malformed input
  - 401: Missing or invalid bearer token (middleware.go)
  - 403: Caller may not perform the operation
  - 404: Lesson, salary record or teacher not found
  - 409: Transition not legal from the current status, locked obligation,
         salary already paid
  - 429: Rate limit exceeded (middleware.go)
  - 503: Store unreachable after retries
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/identity"
	"github.com/warp/lesson-engine/lesson"
	"github.com/warp/lesson-engine/logging"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// TeacherStore manages teacher profiles.
type TeacherStore interface {
	SaveTeacher(ctx context.Context, t compensation.Teacher) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Lifecycle   *lesson.Lifecycle
	Obligations *lesson.ObligationService
	Statistics  *lesson.StatisticsService
	Config      *compensation.ConfigService
	Salaries    *compensation.Calculator
	Teachers    TeacherStore
	Seeder      SeedStore
	Clock       lesson.Clock
	Log         logging.Logger

	validate *validator.Validate
}

// NewHandler creates a handler over the given services.
func NewHandler(
	lifecycle *lesson.Lifecycle,
	obligations *lesson.ObligationService,
	statistics *lesson.StatisticsService,
	config *compensation.ConfigService,
	salaries *compensation.Calculator,
	teachers TeacherStore,
	clock lesson.Clock,
) *Handler {
	return &Handler{
		Lifecycle:   lifecycle,
		Obligations: obligations,
		Statistics:  statistics,
		Config:      config,
		Salaries:    salaries,
		Teachers:    teachers,
		Clock:       clock,
		Log:         logging.New("api"),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// LESSON HANDLERS
// =============================================================================

// ListLessons returns lessons matching the query filter.
func (h *Handler) ListLessons(w http.ResponseWriter, r *http.Request) {
	f, err := parseLessonFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	lessons, err := h.Lifecycle.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "Failed to list lessons", err)
		return
	}

	dtos := make([]LessonDTO, len(lessons))
	for i, l := range lessons {
		dtos[i] = toLessonDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateLesson schedules a lesson.
func (h *Handler) CreateLesson(w http.ResponseWriter, r *http.Request) {
	var req CreateLessonRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	l, err := h.Lifecycle.Schedule(r.Context(), callerOf(r), lesson.NewLesson{
		GroupID:     lesson.GroupID(req.GroupID),
		TeacherID:   lesson.TeacherID(req.TeacherID),
		ScheduledAt: req.ScheduledAt,
		Duration:    req.Duration,
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to schedule lesson", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLessonDTO(*l))
}

// GetLesson returns a lesson with its lock indicators evaluated now.
func (h *Handler) GetLesson(w http.ResponseWriter, r *http.Request) {
	v, err := h.Lifecycle.View(r.Context(), lessonID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get lesson", err)
		return
	}
	writeJSON(w, http.StatusOK, toLessonViewDTO(v))
}

// GetStatistics returns lesson counts per status.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f lesson.StatisticsFilter
	if v := q.Get("teacher_id"); v != "" {
		id := lesson.TeacherID(v)
		f.TeacherID = &id
	}
	var err error
	if f.DateFrom, err = parseTimeParam(q.Get("from"), false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid 'from'", err)
		return
	}
	if f.DateTo, err = parseTimeParam(q.Get("to"), true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid 'to'", err)
		return
	}

	stats, err := h.Statistics.Statistics(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "Failed to compute statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatisticsDTO(stats))
}

func (h *Handler) StartLesson(w http.ResponseWriter, r *http.Request) {
	l, err := h.Lifecycle.Start(r.Context(), callerOf(r), lessonID(r))
	h.writeLesson(w, "Failed to start lesson", l, err)
}

func (h *Handler) CompleteLesson(w http.ResponseWriter, r *http.Request) {
	var req CompleteLessonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	l, err := h.Lifecycle.Complete(r.Context(), callerOf(r), lessonID(r), req.Notes)
	h.writeLesson(w, "Failed to complete lesson", l, err)
}

func (h *Handler) CancelLesson(w http.ResponseWriter, r *http.Request) {
	var req CancelLessonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	l, err := h.Lifecycle.Cancel(r.Context(), callerOf(r), lessonID(r), req.Reason)
	h.writeLesson(w, "Failed to cancel lesson", l, err)
}

func (h *Handler) MarkLessonMissed(w http.ResponseWriter, r *http.Request) {
	l, err := h.Lifecycle.MarkMissed(r.Context(), callerOf(r), lessonID(r))
	h.writeLesson(w, "Failed to mark lesson as missed", l, err)
}

// MarkObligation sets one obligation flag and returns the updated view.
func (h *Handler) MarkObligation(w http.ResponseWriter, r *http.Request) {
	ob, err := lesson.ParseObligation(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid obligation", err)
		return
	}

	v, err := h.Obligations.Mark(r.Context(), callerOf(r), lessonID(r), ob)
	if err != nil {
		h.writeDomainError(w, "Failed to mark obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toLessonViewDTO(v))
}

// SweepMissed marks every elapsed SCHEDULED lesson as MISSED.
func (h *Handler) SweepMissed(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	n, err := h.Lifecycle.SweepMissed(r.Context())
	if err != nil && n == 0 {
		h.writeDomainError(w, "Failed to sweep missed lessons", err)
		return
	}
	if err != nil {
		h.Log.Warnf("sweep marked %d lessons with errors: %v", n, err)
	}
	writeJSON(w, http.StatusOK, SweepResponse{Marked: n})
}

func (h *Handler) writeLesson(w http.ResponseWriter, message string, l *lesson.Lesson, err error) {
	if err != nil {
		h.writeDomainError(w, message, err)
		return
	}
	writeJSON(w, http.StatusOK, toLessonDTO(*l))
}

// =============================================================================
// OBLIGATION CONFIG HANDLERS
// =============================================================================

func (h *Handler) GetObligationConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Config.GetConfig(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to get obligation config", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationConfigDTO(cfg))
}

func (h *Handler) UpdateObligationConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateObligationConfigRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	cfg, err := h.Config.UpdateConfig(r.Context(), callerOf(r), compensation.Weights{
		Absence:   *req.Absence,
		Feedbacks: *req.Feedbacks,
		Voice:     *req.Voice,
		Text:      *req.Text,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to update obligation config", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationConfigDTO(cfg))
}

// =============================================================================
// SALARY HANDLERS
// =============================================================================

func (h *Handler) GetSalary(w http.ResponseWriter, r *http.Request) {
	teacherID, p, ok := salaryPath(w, r)
	if !ok {
		return
	}
	rec, err := h.Salaries.Get(r.Context(), callerOf(r), teacherID, p)
	h.writeSalary(w, "Failed to get salary", rec, err)
}

func (h *Handler) RecalculateSalary(w http.ResponseWriter, r *http.Request) {
	teacherID, p, ok := salaryPath(w, r)
	if !ok {
		return
	}
	rec, err := h.Salaries.Recalculate(r.Context(), callerOf(r), teacherID, p)
	h.writeSalary(w, "Failed to recalculate salary", rec, err)
}

func (h *Handler) PaySalary(w http.ResponseWriter, r *http.Request) {
	teacherID, p, ok := salaryPath(w, r)
	if !ok {
		return
	}
	rec, err := h.Salaries.MarkPaid(r.Context(), callerOf(r), teacherID, p)
	h.writeSalary(w, "Failed to pay salary", rec, err)
}

// RecalculateMonth runs the rollup for every teacher with lessons in the month.
func (h *Handler) RecalculateMonth(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req RecalculateMonthRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	p := compensation.PeriodOf(h.Clock.Now())
	if req.Year != 0 {
		p.Year = req.Year
	}
	if req.Month != 0 {
		p.Month = time.Month(req.Month)
	}

	n, err := h.Salaries.RecalculateMonth(r.Context(), p)
	resp := RollupResponse{Year: p.Year, Month: int(p.Month), Recalculated: n}
	if err != nil {
		if n == 0 {
			h.writeDomainError(w, "Failed to recalculate salaries", err)
			return
		}
		for _, e := range unjoin(err) {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeSalary(w http.ResponseWriter, message string, rec *compensation.SalaryRecord, err error) {
	if err != nil {
		h.writeDomainError(w, message, err)
		return
	}
	writeJSON(w, http.StatusOK, toSalaryRecordDTO(*rec))
}

// =============================================================================
// TEACHER HANDLERS
// =============================================================================

// SaveTeacher creates or updates a teacher profile.
func (h *Handler) SaveTeacher(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req SaveTeacherRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	t := compensation.Teacher{
		ID:     lesson.TeacherID(chi.URLParam(r, "id")),
		UserID: req.UserID,
		Name:   req.Name,
	}
	if req.LessonRate != nil {
		rate, err := decimal.NewFromString(*req.LessonRate)
		if err != nil || rate.IsNegative() {
			writeError(w, http.StatusBadRequest, "Invalid lesson_rate", err)
			return
		}
		t.LessonRate = &rate
	}

	if err := h.Teachers.SaveTeacher(r.Context(), t); err != nil {
		h.writeDomainError(w, "Failed to save teacher", err)
		return
	}
	writeJSON(w, http.StatusOK, toTeacherDTO(t))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lesson.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lesson.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, lesson.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, lesson.ErrValidation):
		return http.StatusBadRequest
	case lesson.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Errorf("%s: %v", message, err)
	}
	writeError(w, status, message, err)
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return h.validateBody(w, dst)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return h.validateBody(w, dst)
	}
	return h.decodeAndValidate(w, r, dst)
}

func (h *Handler) validateBody(w http.ResponseWriter, dst any) bool {
	if h.validate == nil {
		h.validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func callerOf(r *http.Request) identity.Caller {
	c, _ := identity.CallerFrom(r.Context())
	return c
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if c := callerOf(r); !c.IsAdmin() {
		writeError(w, http.StatusForbidden, "Admin role required", fmt.Errorf("role %s is not allowed", c.Role))
		return false
	}
	return true
}

func lessonID(r *http.Request) lesson.ID {
	return lesson.ID(chi.URLParam(r, "id"))
}

// salaryPath parses /{teacherId}/{year}/{month}.
func salaryPath(w http.ResponseWriter, r *http.Request) (lesson.TeacherID, compensation.Period, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return "", compensation.Period{}, false
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return "", compensation.Period{}, false
	}
	p := compensation.Period{Year: year, Month: time.Month(month)}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return "", compensation.Period{}, false
	}
	return lesson.TeacherID(chi.URLParam(r, "teacherId")), p, true
}

func parseLessonFilter(r *http.Request) (lesson.Filter, error) {
	q := r.URL.Query()
	var (
		f   lesson.Filter
		err error
	)
	if v := q.Get("teacher_id"); v != "" {
		id := lesson.TeacherID(v)
		f.TeacherID = &id
	}
	if v := q.Get("group_id"); v != "" {
		id := lesson.GroupID(v)
		f.GroupID = &id
	}
	if f.From, err = parseTimeParam(q.Get("from"), false); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = parseTimeParam(q.Get("to"), true); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			st, err := lesson.ParseStatus(strings.ToUpper(strings.TrimSpace(s)))
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	return f, nil
}

// parseTimeParam accepts RFC 3339 or a plain date. A plain date used as an
// upper bound covers the whole day.
func parseTimeParam(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}

// unjoin flattens an errors.Join result.
func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
