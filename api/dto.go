/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the lesson
  and compensation models from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are rendered as strings with two decimals ("3750.00") so clients
  never round-trip money through floats.

VALIDATION:
  Request types carry validator/v10 tags, checked by decodeAndValidate in
  handlers.go before any domain call.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/lesson"
)

// =============================================================================
// LESSONS
// =============================================================================

type ObligationsDTO struct {
	AbsenceMarked        bool       `json:"absence_marked"`
	AbsenceMarkedAt      *time.Time `json:"absence_marked_at,omitempty"`
	FeedbacksCompleted   bool       `json:"feedbacks_completed"`
	FeedbacksCompletedAt *time.Time `json:"feedbacks_completed_at,omitempty"`
	VoiceSent            bool       `json:"voice_sent"`
	VoiceSentAt          *time.Time `json:"voice_sent_at,omitempty"`
	TextSent             bool       `json:"text_sent"`
	TextSentAt           *time.Time `json:"text_sent_at,omitempty"`
}

// LessonDTO represents a lesson in API responses.
type LessonDTO struct {
	ID          string         `json:"id"`
	GroupID     string         `json:"group_id"`
	TeacherID   string         `json:"teacher_id"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Duration    int            `json:"duration"`
	Status      string         `json:"status"`
	Obligations ObligationsDTO `json:"obligations"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Notes       string         `json:"notes"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ObligationStateDTO is one row of the obligation checklist.
type ObligationStateDTO struct {
	Obligation string     `json:"obligation"`
	Done       bool       `json:"done"`
	DoneAt     *time.Time `json:"done_at,omitempty"`
	Locked     bool       `json:"locked"`
}

// LessonViewDTO is a lesson with its lock indicators.
type LessonViewDTO struct {
	Lesson           LessonDTO            `json:"lesson"`
	AsOf             time.Time            `json:"as_of"`
	IsPast           bool                 `json:"is_past"`
	IsLocked         bool                 `json:"is_locked"`
	CompletionStatus string               `json:"completion_status"`
	Obligations      []ObligationStateDTO `json:"obligations"`
}

// CreateLessonRequest schedules a single lesson.
type CreateLessonRequest struct {
	GroupID     string    `json:"group_id" validate:"required"`
	TeacherID   string    `json:"teacher_id" validate:"required"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
	Duration    int       `json:"duration" validate:"required,gt=0,lte=1440"`
	Notes       string    `json:"notes"`
}

type CompleteLessonRequest struct {
	Notes *string `json:"notes"`
}

type CancelLessonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type StatisticsDTO struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	Cancelled      int `json:"cancelled"`
	Missed         int `json:"missed"`
	InProgress     int `json:"in_progress"`
	Scheduled      int `json:"scheduled"`
	CompletionRate int `json:"completion_rate"`
}

type SweepResponse struct {
	Marked int `json:"marked"`
}

// =============================================================================
// OBLIGATION CONFIG
// =============================================================================

type ObligationConfigDTO struct {
	Absence   int       `json:"absence"`
	Feedbacks int       `json:"feedbacks"`
	Voice     int       `json:"voice"`
	Text      int       `json:"text"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpdateObligationConfigRequest requires all four weights.
type UpdateObligationConfigRequest struct {
	Absence   *int `json:"absence" validate:"required"`
	Feedbacks *int `json:"feedbacks" validate:"required"`
	Voice     *int `json:"voice" validate:"required"`
	Text      *int `json:"text" validate:"required"`
}

// =============================================================================
// SALARIES
// =============================================================================

type SalaryRecordDTO struct {
	ID              string                                  `json:"id"`
	TeacherID       string                                  `json:"teacher_id"`
	Year            int                                     `json:"year"`
	Month           int                                     `json:"month"`
	LessonsCount    int                                     `json:"lessons_count"`
	LessonRate      string                                  `json:"lesson_rate"`
	GrossAmount     string                                  `json:"gross_amount"`
	Deductions      map[string]string                       `json:"deductions"`
	TotalDeductions string                                  `json:"total_deductions"`
	NetAmount       string                                  `json:"net_amount"`
	ActionBreakdown map[string]compensation.ObligationTally `json:"action_breakdown"`
	ObligationsInfo compensation.ObligationTally            `json:"obligations_info"`
	Weights         compensation.Weights                    `json:"weights"`
	Status          string                                  `json:"status"`
	PaidAt          *time.Time                              `json:"paid_at,omitempty"`
	CalculatedAt    time.Time                               `json:"calculated_at"`
}

// RecalculateMonthRequest selects the month of a rollup. Zero values mean
// the current month.
type RecalculateMonthRequest struct {
	Year  int `json:"year" validate:"omitempty,gte=2000,lte=9999"`
	Month int `json:"month" validate:"omitempty,min=1,max=12"`
}

type RollupResponse struct {
	Year         int      `json:"year"`
	Month        int      `json:"month"`
	Recalculated int      `json:"recalculated"`
	Errors       []string `json:"errors,omitempty"`
}

// =============================================================================
// TEACHERS
// =============================================================================

type SaveTeacherRequest struct {
	UserID     string  `json:"user_id" validate:"required"`
	Name       string  `json:"name"`
	LessonRate *string `json:"lesson_rate" validate:"omitempty,numeric"`
}

type TeacherDTO struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Name       string  `json:"name"`
	LessonRate *string `json:"lesson_rate,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is returned for all API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toLessonDTO(l lesson.Lesson) LessonDTO {
	o := l.Obligations
	return LessonDTO{
		ID:          string(l.ID),
		GroupID:     string(l.GroupID),
		TeacherID:   string(l.TeacherID),
		ScheduledAt: l.ScheduledAt,
		Duration:    l.Duration,
		Status:      string(l.Status),
		Obligations: ObligationsDTO{
			AbsenceMarked:        o.AbsenceMarked,
			AbsenceMarkedAt:      o.AbsenceMarkedAt,
			FeedbacksCompleted:   o.FeedbacksCompleted,
			FeedbacksCompletedAt: o.FeedbacksCompletedAt,
			VoiceSent:            o.VoiceSent,
			VoiceSentAt:          o.VoiceSentAt,
			TextSent:             o.TextSent,
			TextSentAt:           o.TextSentAt,
		},
		CompletedAt: l.CompletedAt,
		Notes:       l.Notes,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
}

func toLessonViewDTO(v lesson.View) LessonViewDTO {
	dto := LessonViewDTO{
		Lesson:           toLessonDTO(v.Lesson),
		AsOf:             v.AsOf,
		IsPast:           v.IsPast,
		IsLocked:         v.IsLocked,
		CompletionStatus: string(v.CompletionStatus),
		Obligations:      make([]ObligationStateDTO, len(v.Obligations)),
	}
	for i, ob := range v.Obligations {
		dto.Obligations[i] = ObligationStateDTO{
			Obligation: string(ob.Obligation),
			Done:       ob.Done,
			DoneAt:     ob.DoneAt,
			Locked:     ob.Locked,
		}
	}
	return dto
}

func toStatisticsDTO(s lesson.Statistics) StatisticsDTO {
	return StatisticsDTO{
		Total:          s.Total,
		Completed:      s.Completed,
		Cancelled:      s.Cancelled,
		Missed:         s.Missed,
		InProgress:     s.InProgress,
		Scheduled:      s.Scheduled,
		CompletionRate: s.CompletionRate,
	}
}

func toObligationConfigDTO(c compensation.ObligationPercentConfig) ObligationConfigDTO {
	return ObligationConfigDTO{
		Absence:   c.Weights.Absence,
		Feedbacks: c.Weights.Feedbacks,
		Voice:     c.Weights.Voice,
		Text:      c.Weights.Text,
		Version:   c.Version,
		UpdatedAt: c.UpdatedAt,
	}
}

func toSalaryRecordDTO(r compensation.SalaryRecord) SalaryRecordDTO {
	dto := SalaryRecordDTO{
		ID:              r.ID,
		TeacherID:       string(r.TeacherID),
		Year:            r.Year,
		Month:           int(r.Month),
		LessonsCount:    r.LessonsCount,
		LessonRate:      r.LessonRate.StringFixed(2),
		GrossAmount:     r.GrossAmount.StringFixed(2),
		Deductions:      make(map[string]string, len(r.Deductions)),
		TotalDeductions: r.TotalDeductions.StringFixed(2),
		NetAmount:       r.NetAmount.StringFixed(2),
		ActionBreakdown: make(map[string]compensation.ObligationTally, len(r.ActionBreakdown)),
		ObligationsInfo: r.ObligationsInfo,
		Weights:         r.Weights,
		Status:          string(r.Status),
		PaidAt:          r.PaidAt,
		CalculatedAt:    r.CalculatedAt,
	}
	for ob, d := range r.Deductions {
		dto.Deductions[string(ob)] = d.StringFixed(2)
	}
	for ob, t := range r.ActionBreakdown {
		dto.ActionBreakdown[string(ob)] = t
	}
	return dto
}

func toTeacherDTO(t compensation.Teacher) TeacherDTO {
	dto := TeacherDTO{ID: string(t.ID), UserID: t.UserID, Name: t.Name}
	if t.LessonRate != nil {
		s := t.LessonRate.StringFixed(2)
		dto.LessonRate = &s
	}
	return dto
}
