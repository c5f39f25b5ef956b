// Package memory provides an in-memory implementation of every store
// interface, for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/identity"
	"github.com/warp/lesson-engine/lesson"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu       sync.RWMutex
	lessons  map[lesson.ID]lesson.Lesson
	config   *compensation.ObligationPercentConfig
	salaries map[salaryKey]compensation.SalaryRecord
	teachers map[lesson.TeacherID]compensation.Teacher
}

type salaryKey struct {
	TeacherID lesson.TeacherID
	Year      int
	Month     time.Month
}

var (
	_ lesson.Store           = (*Store)(nil)
	_ compensation.TxStore   = (*Store)(nil)
	_ compensation.RateStore = (*Store)(nil)
	_ identity.Directory     = (*Store)(nil)
)

func New() *Store {
	return &Store{
		lessons:  make(map[lesson.ID]lesson.Lesson),
		salaries: make(map[salaryKey]compensation.SalaryRecord),
		teachers: make(map[lesson.TeacherID]compensation.Teacher),
	}
}

// EnsureConnected always succeeds.
func (m *Store) EnsureConnected(context.Context) error { return nil }

// ===== LESSONS =====

func (m *Store) SaveLesson(_ context.Context, l lesson.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.lessons[l.ID]; exists {
		return &lesson.ValidationError{Field: "id", Message: fmt.Sprintf("lesson %s already exists", l.ID)}
	}
	m.lessons[l.ID] = cloneLesson(l)
	return nil
}

func (m *Store) FindLesson(_ context.Context, id lesson.ID) (*lesson.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(id)
}

func (m *Store) QueryLessons(_ context.Context, f lesson.Filter) ([]lesson.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(f), nil
}

func (m *Store) CountLessons(_ context.Context, f lesson.Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queryLocked(f)), nil
}

func (m *Store) TeacherIDs(_ context.Context, f lesson.Filter) ([]lesson.TeacherID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.teacherIDsLocked(f), nil
}

// UpdateLessonStatus applies upd only when the stored status equals from.
func (m *Store) UpdateLessonStatus(_ context.Context, id lesson.ID, from lesson.Status, upd lesson.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lessons[id]
	if !ok {
		return &lesson.NotFoundError{Kind: "lesson", ID: string(id)}
	}
	if l.Status != from {
		return lesson.ErrConcurrentModification
	}
	l.Status = upd.Status
	l.CompletedAt = copyTime(upd.CompletedAt)
	if upd.Notes != nil {
		l.Notes = *upd.Notes
	}
	l.UpdatedAt = upd.UpdatedAt
	m.lessons[id] = l
	return nil
}

func (m *Store) MarkObligation(_ context.Context, id lesson.ID, ob lesson.Obligation, at time.Time) error {
	if _, err := lesson.ParseObligation(string(ob)); err != nil {
		return &lesson.ValidationError{Field: "obligation", Message: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lessons[id]
	if !ok {
		return &lesson.NotFoundError{Kind: "lesson", ID: string(id)}
	}
	if l.Obligations.Set(ob, at) {
		l.UpdatedAt = at
		m.lessons[id] = l
	}
	return nil
}

func (m *Store) findLocked(id lesson.ID) (*lesson.Lesson, error) {
	l, ok := m.lessons[id]
	if !ok {
		return nil, &lesson.NotFoundError{Kind: "lesson", ID: string(id)}
	}
	c := cloneLesson(l)
	return &c, nil
}

func (m *Store) queryLocked(f lesson.Filter) []lesson.Lesson {
	var result []lesson.Lesson
	for _, l := range m.lessons {
		if f.Matches(l) {
			result = append(result, cloneLesson(l))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ScheduledAt.Equal(result[j].ScheduledAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ScheduledAt.Before(result[j].ScheduledAt)
	})
	return result
}

func (m *Store) teacherIDsLocked(f lesson.Filter) []lesson.TeacherID {
	seen := make(map[lesson.TeacherID]bool)
	var ids []lesson.TeacherID
	for _, l := range m.lessons {
		if f.Matches(l) && !seen[l.TeacherID] {
			seen[l.TeacherID] = true
			ids = append(ids, l.TeacherID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ===== OBLIGATION CONFIG =====

func (m *Store) GetObligationConfig(context.Context) (*compensation.ObligationPercentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configLocked(), nil
}

func (m *Store) SetObligationConfig(_ context.Context, cfg compensation.ObligationPercentConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = &cfg
	return nil
}

func (m *Store) configLocked() *compensation.ObligationPercentConfig {
	if m.config == nil {
		return nil
	}
	c := *m.config
	return &c
}

// ===== SALARY RECORDS =====

func (m *Store) GetSalaryRecord(_ context.Context, teacherID lesson.TeacherID, year int, month time.Month) (*compensation.SalaryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.salaryLocked(teacherID, year, month), nil
}

func (m *Store) UpsertSalaryRecord(_ context.Context, r compensation.SalaryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertSalaryLocked(r)
	return nil
}

func (m *Store) MarkSalaryPaid(_ context.Context, id string, paidAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, r := range m.salaries {
		if r.ID != id {
			continue
		}
		if r.Status != compensation.SalaryPending {
			return lesson.ErrConcurrentModification
		}
		r.Status = compensation.SalaryPaid
		r.PaidAt = &paidAt
		m.salaries[k] = r
		return nil
	}
	return &lesson.NotFoundError{Kind: "salary record", ID: id}
}

func (m *Store) salaryLocked(teacherID lesson.TeacherID, year int, month time.Month) *compensation.SalaryRecord {
	r, ok := m.salaries[salaryKey{TeacherID: teacherID, Year: year, Month: month}]
	if !ok {
		return nil
	}
	c := cloneSalary(r)
	return &c
}

func (m *Store) upsertSalaryLocked(r compensation.SalaryRecord) {
	m.salaries[salaryKey{TeacherID: r.TeacherID, Year: r.Year, Month: r.Month}] = cloneSalary(r)
}

// ===== TEACHERS =====

func (m *Store) SaveTeacher(_ context.Context, t compensation.Teacher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.teachers {
		if other.UserID == t.UserID && other.ID != t.ID {
			return &lesson.ValidationError{Field: "user_id", Message: fmt.Sprintf("user %s already owns a teacher profile", t.UserID)}
		}
	}
	m.teachers[t.ID] = t
	return nil
}

// TeacherIDForUser returns the teacher profile owned by userID.
func (m *Store) TeacherIDForUser(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.teachers {
		if t.UserID == userID {
			return string(t.ID), nil
		}
	}
	return "", identity.ErrNoTeacherProfile
}

func (m *Store) TeacherLessonRate(_ context.Context, teacherID lesson.TeacherID) (*decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teachers[teacherID]
	if !ok || t.LessonRate == nil {
		return nil, nil
	}
	rate := *t.LessonRate
	return &rate, nil
}

// Reset deletes all lessons, salary records and teachers. The obligation
// config is kept.
func (m *Store) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lessons = make(map[lesson.ID]lesson.Lesson)
	m.salaries = make(map[salaryKey]compensation.SalaryRecord)
	m.teachers = make(map[lesson.TeacherID]compensation.Teacher)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn under the write lock. On error every change made through
// the view is rolled back.
func (m *Store) WithTx(_ context.Context, fn func(compensation.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	lessons  map[lesson.ID]lesson.Lesson
	config   *compensation.ObligationPercentConfig
	salaries map[salaryKey]compensation.SalaryRecord
}

func (m *Store) snapshot() memorySnapshot {
	s := memorySnapshot{
		lessons:  make(map[lesson.ID]lesson.Lesson, len(m.lessons)),
		config:   m.configLocked(),
		salaries: make(map[salaryKey]compensation.SalaryRecord, len(m.salaries)),
	}
	for k, v := range m.lessons {
		s.lessons[k] = v
	}
	for k, v := range m.salaries {
		s.salaries[k] = v
	}
	return s
}

func (m *Store) restore(s memorySnapshot) {
	m.lessons = s.lessons
	m.config = s.config
	m.salaries = s.salaries
}

// txView reads and writes the parent directly; the parent's lock is held
// for the whole transaction.
type txView struct {
	parent *Store
}

func (tv *txView) FindLesson(_ context.Context, id lesson.ID) (*lesson.Lesson, error) {
	return tv.parent.findLocked(id)
}

func (tv *txView) QueryLessons(_ context.Context, f lesson.Filter) ([]lesson.Lesson, error) {
	return tv.parent.queryLocked(f), nil
}

func (tv *txView) CountLessons(_ context.Context, f lesson.Filter) (int, error) {
	return len(tv.parent.queryLocked(f)), nil
}

func (tv *txView) TeacherIDs(_ context.Context, f lesson.Filter) ([]lesson.TeacherID, error) {
	return tv.parent.teacherIDsLocked(f), nil
}

func (tv *txView) GetObligationConfig(context.Context) (*compensation.ObligationPercentConfig, error) {
	return tv.parent.configLocked(), nil
}

func (tv *txView) SetObligationConfig(_ context.Context, cfg compensation.ObligationPercentConfig) error {
	tv.parent.config = &cfg
	return nil
}

func (tv *txView) GetSalaryRecord(_ context.Context, teacherID lesson.TeacherID, year int, month time.Month) (*compensation.SalaryRecord, error) {
	return tv.parent.salaryLocked(teacherID, year, month), nil
}

func (tv *txView) UpsertSalaryRecord(_ context.Context, r compensation.SalaryRecord) error {
	tv.parent.upsertSalaryLocked(r)
	return nil
}

func (tv *txView) MarkSalaryPaid(_ context.Context, id string, paidAt time.Time) error {
	for k, r := range tv.parent.salaries {
		if r.ID != id {
			continue
		}
		if r.Status != compensation.SalaryPending {
			return lesson.ErrConcurrentModification
		}
		r.Status = compensation.SalaryPaid
		r.PaidAt = &paidAt
		tv.parent.salaries[k] = r
		return nil
	}
	return &lesson.NotFoundError{Kind: "salary record", ID: id}
}

// =============================================================================
// HELPERS
// =============================================================================

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneLesson(l lesson.Lesson) lesson.Lesson {
	l.CompletedAt = copyTime(l.CompletedAt)
	o := &l.Obligations
	o.AbsenceMarkedAt = copyTime(o.AbsenceMarkedAt)
	o.FeedbacksCompletedAt = copyTime(o.FeedbacksCompletedAt)
	o.VoiceSentAt = copyTime(o.VoiceSentAt)
	o.TextSentAt = copyTime(o.TextSentAt)
	return l
}

func cloneSalary(r compensation.SalaryRecord) compensation.SalaryRecord {
	r.PaidAt = copyTime(r.PaidAt)
	if r.Deductions != nil {
		d := make(map[lesson.Obligation]decimal.Decimal, len(r.Deductions))
		for k, v := range r.Deductions {
			d[k] = v
		}
		r.Deductions = d
	}
	if r.ActionBreakdown != nil {
		b := make(map[lesson.Obligation]compensation.ObligationTally, len(r.ActionBreakdown))
		for k, v := range r.ActionBreakdown {
			b[k] = v
		}
		r.ActionBreakdown = b
	}
	return r
}
