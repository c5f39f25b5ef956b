/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine using SQLite. The
  same statements run on PostgreSQL: queries are written with "?"
  placeholders and rebound per Dialect, booleans are stored as 0/1
  integers and timestamps as text (see store/postgres).

INTERFACES IMPLEMENTED:
  lesson.Store:           Lessons, conditional status updates, obligation flags
  compensation.TxStore:   Obligation config and salary records, transactional
  compensation.RateStore: Per-teacher lesson rates
  identity.Directory:     User → teacher profile lookup

KEY TABLES:
  lessons:          One row per lesson, obligation flags inline
  obligation_config: Single row (id = 1) holding the active weights
  salary_records:   One row per (teacher_id, year, month)
  teachers:         Teacher profiles, optional lesson_rate override

CONDITIONAL UPDATES:
  Status changes run as
    UPDATE lessons SET ... WHERE id = ? AND status = ?
  and report lesson.ErrConcurrentModification when no row matched, so two
  racing transitions can never both apply.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order and
  range filters on scheduled_at work with plain string comparison.

MONEY:
  Decimal amounts are stored as TEXT and parsed with shopspring/decimal.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. ":memory:" databases are limited to
  one connection because every new connection would open an empty database.

SEE ALSO:
  - lesson/store.go: Lesson store interface
  - compensation/store.go: Config, salary and rate interfaces
  - store/memory: In-memory implementation for tests
  - store/sqlerr: Transient error classification
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/identity"
	"github.com/warp/lesson-engine/lesson"
	"github.com/warp/lesson-engine/store/sqlerr"
)

// Store implements all storage interfaces using SQLite, or PostgreSQL when
// opened with the Postgres dialect.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

var (
	_ lesson.Store           = (*Store)(nil)
	_ compensation.TxStore   = (*Store)(nil)
	_ compensation.RateStore = (*Store)(nil)
	_ identity.Directory     = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect names the database/sql driver and its placeholder style.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// Rebind rewrites "?" placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open(string(SQLite), dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return Open(db, SQLite)
}

// Open wraps an already opened database and migrates its schema. The
// driver behind db must match dialect.
func Open(db *sql.DB, dialect Dialect) (*Store, error) {
	store := &Store{db: db, dialect: dialect}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// conn returns the pool with placeholders rebound for the dialect.
func (s *Store) conn() querier {
	return boundQuerier{q: s.db, dialect: s.dialect}
}

// boundQuerier rebinds every statement before handing it to q.
type boundQuerier struct {
	q       querier
	dialect Dialect
}

func (b boundQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.q.ExecContext(ctx, b.dialect.Rebind(query), args...)
}

func (b boundQuerier) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.q.QueryContext(ctx, b.dialect.Rebind(query), args...)
}

func (b boundQuerier) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return b.q.QueryRowContext(ctx, b.dialect.Rebind(query), args...)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureConnected pings the database, letting the pool replace dead
// connections.
func (s *Store) EnsureConnected(ctx context.Context) error {
	return sqlerr.Classify("ping", s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		teacher_id TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		status TEXT NOT NULL,
		absence_marked INTEGER NOT NULL DEFAULT 0,
		absence_marked_at TEXT,
		feedbacks_completed INTEGER NOT NULL DEFAULT 0,
		feedbacks_completed_at TEXT,
		voice_sent INTEGER NOT NULL DEFAULT 0,
		voice_sent_at TEXT,
		text_sent INTEGER NOT NULL DEFAULT 0,
		text_sent_at TEXT,
		completed_at TEXT,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lessons_teacher_scheduled
		ON lessons(teacher_id, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_lessons_status_scheduled
		ON lessons(status, scheduled_at);

	-- Single active config row
	CREATE TABLE IF NOT EXISTS obligation_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		absence INTEGER NOT NULL,
		feedbacks INTEGER NOT NULL,
		voice INTEGER NOT NULL,
		text INTEGER NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS salary_records (
		id TEXT PRIMARY KEY,
		teacher_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		lessons_count INTEGER NOT NULL,
		lesson_rate TEXT NOT NULL,
		gross_amount TEXT NOT NULL,
		total_deductions TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		deductions_json TEXT NOT NULL,
		action_breakdown_json TEXT NOT NULL,
		obligations_completed INTEGER NOT NULL,
		obligations_required INTEGER NOT NULL,
		weights_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		paid_at TEXT,
		calculated_at TEXT NOT NULL,
		UNIQUE(teacher_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS teachers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		lesson_rate TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LESSON STORE (lesson.Store interface)
// =============================================================================

const lessonColumns = `id, group_id, teacher_id, scheduled_at, duration_minutes, status,
	absence_marked, absence_marked_at, feedbacks_completed, feedbacks_completed_at,
	voice_sent, voice_sent_at, text_sent, text_sent_at,
	completed_at, notes, created_at, updated_at`

// SaveLesson inserts a new lesson.
func (s *Store) SaveLesson(ctx context.Context, l lesson.Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := l.Obligations
	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO lessons (`+lessonColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.GroupID, l.TeacherID, formatTime(l.ScheduledAt), l.Duration, l.Status,
		flag(o.AbsenceMarked), nullTime(o.AbsenceMarkedAt),
		flag(o.FeedbacksCompleted), nullTime(o.FeedbacksCompletedAt),
		flag(o.VoiceSent), nullTime(o.VoiceSentAt),
		flag(o.TextSent), nullTime(o.TextSentAt),
		nullTime(l.CompletedAt), l.Notes, formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if sqlerr.IsUniqueViolation(err) {
		return &lesson.ValidationError{Field: "id", Message: fmt.Sprintf("lesson %s already exists", l.ID)}
	}
	if err != nil {
		return sqlerr.Classify("save lesson", fmt.Errorf("failed to save lesson: %w", err))
	}
	return nil
}

// FindLesson retrieves a lesson by ID.
func (s *Store) FindLesson(ctx context.Context, id lesson.ID) (*lesson.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findLesson(ctx, s.conn(), id)
}

// QueryLessons returns lessons matching the filter, ordered by scheduled_at.
func (s *Store) QueryLessons(ctx context.Context, f lesson.Filter) ([]lesson.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLessons(ctx, s.conn(), f)
}

// CountLessons counts lessons matching the filter.
func (s *Store) CountLessons(ctx context.Context, f lesson.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countLessons(ctx, s.conn(), f)
}

// TeacherIDs returns the distinct teachers of lessons matching the filter.
func (s *Store) TeacherIDs(ctx context.Context, f lesson.Filter) ([]lesson.TeacherID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return teacherIDs(ctx, s.conn(), f)
}

// UpdateLessonStatus applies upd only if the stored status still equals from.
func (s *Store) UpdateLessonStatus(ctx context.Context, id lesson.ID, from lesson.Status, upd lesson.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var notes sql.NullString
	if upd.Notes != nil {
		notes = sql.NullString{String: *upd.Notes, Valid: true}
	}

	res, err := s.conn().ExecContext(ctx, `
		UPDATE lessons
		SET status = ?, completed_at = ?, notes = COALESCE(?, notes), updated_at = ?
		WHERE id = ? AND status = ?`,
		upd.Status, nullTime(upd.CompletedAt), notes, formatTime(upd.UpdatedAt), id, from,
	)
	if err != nil {
		return sqlerr.Classify("update lesson status", fmt.Errorf("failed to update lesson status: %w", err))
	}
	return s.checkAffected(ctx, res, id, lesson.ErrConcurrentModification)
}

var obligationColumns = map[lesson.Obligation]string{
	lesson.ObligationAbsence:   "absence_marked",
	lesson.ObligationFeedbacks: "feedbacks_completed",
	lesson.ObligationVoice:     "voice_sent",
	lesson.ObligationText:      "text_sent",
}

// MarkObligation sets the flag and its timestamp. Already-set flags keep
// their original timestamp.
func (s *Store) MarkObligation(ctx context.Context, id lesson.ID, ob lesson.Obligation, at time.Time) error {
	col, ok := obligationColumns[ob]
	if !ok {
		return &lesson.ValidationError{Field: "obligation", Message: fmt.Sprintf("unknown obligation %q", ob)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`
		UPDATE lessons SET %[1]s = 1, %[1]s_at = ?, updated_at = ?
		WHERE id = ? AND %[1]s = 0`, col)
	res, err := s.conn().ExecContext(ctx, query, formatTime(at), formatTime(at), id)
	if err != nil {
		return sqlerr.Classify("mark obligation", fmt.Errorf("failed to mark %s: %w", ob, err))
	}
	// zero rows on an existing lesson means the flag was already set
	return s.checkAffected(ctx, res, id, nil)
}

// checkAffected returns NotFound when the lesson does not exist and
// onMiss when it exists but the update did not match.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, id lesson.ID, onMiss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM lessons WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return sqlerr.Classify("find lesson", err)
	}
	if exists == 0 {
		return &lesson.NotFoundError{Kind: "lesson", ID: string(id)}
	}
	return onMiss
}

func findLesson(ctx context.Context, q querier, id lesson.ID) (*lesson.Lesson, error) {
	row := q.QueryRowContext(ctx, "SELECT "+lessonColumns+" FROM lessons WHERE id = ?", id)
	l, err := scanLesson(row)
	if err == sql.ErrNoRows {
		return nil, &lesson.NotFoundError{Kind: "lesson", ID: string(id)}
	}
	if err != nil {
		return nil, sqlerr.Classify("find lesson", err)
	}
	return &l, nil
}

func queryLessons(ctx context.Context, q querier, f lesson.Filter) ([]lesson.Lesson, error) {
	where, args := filterClause(f)
	rows, err := q.QueryContext(ctx,
		"SELECT "+lessonColumns+" FROM lessons"+where+" ORDER BY scheduled_at ASC, id ASC", args...)
	if err != nil {
		return nil, sqlerr.Classify("query lessons", fmt.Errorf("failed to query lessons: %w", err))
	}
	defer rows.Close()

	var lessons []lesson.Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		lessons = append(lessons, l)
	}
	return lessons, sqlerr.Classify("query lessons", rows.Err())
}

func countLessons(ctx context.Context, q querier, f lesson.Filter) (int, error) {
	where, args := filterClause(f)
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM lessons"+where, args...).Scan(&n)
	if err != nil {
		return 0, sqlerr.Classify("count lessons", fmt.Errorf("failed to count lessons: %w", err))
	}
	return n, nil
}

func teacherIDs(ctx context.Context, q querier, f lesson.Filter) ([]lesson.TeacherID, error) {
	where, args := filterClause(f)
	rows, err := q.QueryContext(ctx, "SELECT DISTINCT teacher_id FROM lessons"+where+" ORDER BY teacher_id", args...)
	if err != nil {
		return nil, sqlerr.Classify("list teachers", fmt.Errorf("failed to list teachers: %w", err))
	}
	defer rows.Close()

	var ids []lesson.TeacherID
	for rows.Next() {
		var id lesson.TeacherID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, sqlerr.Classify("list teachers", rows.Err())
}

// filterClause renders the filter as a WHERE clause (with leading space)
// and its arguments.
func filterClause(f lesson.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.TeacherID != nil {
		conds = append(conds, "teacher_id = ?")
		args = append(args, *f.TeacherID)
	}
	if f.GroupID != nil {
		conds = append(conds, "group_id = ?")
		args = append(args, *f.GroupID)
	}
	if f.From != nil {
		conds = append(conds, "scheduled_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "scheduled_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		conds = append(conds, "status IN ("+placeholders+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLesson(row scanner) (lesson.Lesson, error) {
	var (
		l                                                    lesson.Lesson
		scheduledAt, createdAt, updatedAt                    string
		absenceAt, feedbacksAt, voiceAt, textAt, completedAt sql.NullString
	)
	err := row.Scan(
		&l.ID, &l.GroupID, &l.TeacherID, &scheduledAt, &l.Duration, &l.Status,
		&l.Obligations.AbsenceMarked, &absenceAt,
		&l.Obligations.FeedbacksCompleted, &feedbacksAt,
		&l.Obligations.VoiceSent, &voiceAt,
		&l.Obligations.TextSent, &textAt,
		&completedAt, &l.Notes, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return l, err
		}
		return l, fmt.Errorf("failed to scan lesson: %w", err)
	}

	for dst, src := range map[*time.Time]string{
		&l.ScheduledAt: scheduledAt,
		&l.CreatedAt:   createdAt,
		&l.UpdatedAt:   updatedAt,
	} {
		if *dst, err = parseTime(src); err != nil {
			return l, fmt.Errorf("corrupt timestamp in lesson %s: %w", l.ID, err)
		}
	}
	for dst, src := range map[**time.Time]sql.NullString{
		&l.Obligations.AbsenceMarkedAt:      absenceAt,
		&l.Obligations.FeedbacksCompletedAt: feedbacksAt,
		&l.Obligations.VoiceSentAt:          voiceAt,
		&l.Obligations.TextSentAt:           textAt,
		&l.CompletedAt:                      completedAt,
	} {
		if *dst, err = parseNullTime(src); err != nil {
			return l, fmt.Errorf("corrupt timestamp in lesson %s: %w", l.ID, err)
		}
	}
	return l, nil
}

// =============================================================================
// OBLIGATION CONFIG STORE
// =============================================================================

// GetObligationConfig returns the active config, or nil if none was saved.
func (s *Store) GetObligationConfig(ctx context.Context) (*compensation.ObligationPercentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getObligationConfig(ctx, s.conn())
}

// SetObligationConfig replaces the active config.
func (s *Store) SetObligationConfig(ctx context.Context, cfg compensation.ObligationPercentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setObligationConfig(ctx, s.conn(), cfg)
}

func getObligationConfig(ctx context.Context, q querier) (*compensation.ObligationPercentConfig, error) {
	var (
		cfg       compensation.ObligationPercentConfig
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT absence, feedbacks, voice, text, version, updated_at FROM obligation_config WHERE id = 1",
	).Scan(&cfg.Weights.Absence, &cfg.Weights.Feedbacks, &cfg.Weights.Voice, &cfg.Weights.Text, &cfg.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqlerr.Classify("get obligation config", err)
	}
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt obligation config: %w", err)
	}
	return &cfg, nil
}

func setObligationConfig(ctx context.Context, q querier, cfg compensation.ObligationPercentConfig) error {
	w := cfg.Weights
	_, err := q.ExecContext(ctx, `
		INSERT INTO obligation_config (id, absence, feedbacks, voice, text, version, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			absence = excluded.absence,
			feedbacks = excluded.feedbacks,
			voice = excluded.voice,
			text = excluded.text,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		w.Absence, w.Feedbacks, w.Voice, w.Text, cfg.Version, formatTime(cfg.UpdatedAt),
	)
	if err != nil {
		return sqlerr.Classify("set obligation config", fmt.Errorf("failed to save obligation config: %w", err))
	}
	return nil
}

// =============================================================================
// SALARY STORE
// =============================================================================

const salaryColumns = `id, teacher_id, year, month, lessons_count, lesson_rate,
	gross_amount, total_deductions, net_amount, deductions_json, action_breakdown_json,
	obligations_completed, obligations_required, weights_json, status, paid_at, calculated_at`

// GetSalaryRecord returns the record for the month, or nil if none exists.
func (s *Store) GetSalaryRecord(ctx context.Context, teacherID lesson.TeacherID, year int, month time.Month) (*compensation.SalaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSalaryRecord(ctx, s.conn(), teacherID, year, month)
}

// UpsertSalaryRecord inserts or replaces the record for its month.
func (s *Store) UpsertSalaryRecord(ctx context.Context, r compensation.SalaryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertSalaryRecord(ctx, s.conn(), r)
}

// MarkSalaryPaid moves a PENDING record to PAID.
func (s *Store) MarkSalaryPaid(ctx context.Context, id string, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markSalaryPaid(ctx, s.conn(), id, paidAt)
}

func getSalaryRecord(ctx context.Context, q querier, teacherID lesson.TeacherID, year int, month time.Month) (*compensation.SalaryRecord, error) {
	var (
		r                                          compensation.SalaryRecord
		monthNum                                   int
		rate, gross, total, net                    string
		deductionsJSON, breakdownJSON, weightsJSON string
		paidAt                                     sql.NullString
		calculatedAt                               string
	)
	err := q.QueryRowContext(ctx,
		"SELECT "+salaryColumns+" FROM salary_records WHERE teacher_id = ? AND year = ? AND month = ?",
		teacherID, year, int(month),
	).Scan(
		&r.ID, &r.TeacherID, &r.Year, &monthNum, &r.LessonsCount, &rate,
		&gross, &total, &net, &deductionsJSON, &breakdownJSON,
		&r.ObligationsInfo.Completed, &r.ObligationsInfo.Required, &weightsJSON, &r.Status, &paidAt, &calculatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqlerr.Classify("get salary record", err)
	}

	r.Month = time.Month(monthNum)
	if r.PaidAt, err = parseNullTime(paidAt); err != nil {
		return nil, fmt.Errorf("corrupt paid_at in salary record %s: %w", r.ID, err)
	}
	if r.CalculatedAt, err = parseTime(calculatedAt); err != nil {
		return nil, fmt.Errorf("corrupt calculated_at in salary record %s: %w", r.ID, err)
	}
	for dst, src := range map[*decimal.Decimal]string{
		&r.LessonRate:      rate,
		&r.GrossAmount:     gross,
		&r.TotalDeductions: total,
		&r.NetAmount:       net,
	} {
		if *dst, err = decimal.NewFromString(src); err != nil {
			return nil, fmt.Errorf("corrupt amount %q in salary record %s: %w", src, r.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(deductionsJSON), &r.Deductions); err != nil {
		return nil, fmt.Errorf("corrupt deductions in salary record %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(breakdownJSON), &r.ActionBreakdown); err != nil {
		return nil, fmt.Errorf("corrupt breakdown in salary record %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(weightsJSON), &r.Weights); err != nil {
		return nil, fmt.Errorf("corrupt weights in salary record %s: %w", r.ID, err)
	}
	return &r, nil
}

func upsertSalaryRecord(ctx context.Context, q querier, r compensation.SalaryRecord) error {
	deductionsJSON, err := json.Marshal(r.Deductions)
	if err != nil {
		return err
	}
	breakdownJSON, err := json.Marshal(r.ActionBreakdown)
	if err != nil {
		return err
	}
	weightsJSON, err := json.Marshal(r.Weights)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO salary_records (`+salaryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(teacher_id, year, month) DO UPDATE SET
			lessons_count = excluded.lessons_count,
			lesson_rate = excluded.lesson_rate,
			gross_amount = excluded.gross_amount,
			total_deductions = excluded.total_deductions,
			net_amount = excluded.net_amount,
			deductions_json = excluded.deductions_json,
			action_breakdown_json = excluded.action_breakdown_json,
			obligations_completed = excluded.obligations_completed,
			obligations_required = excluded.obligations_required,
			weights_json = excluded.weights_json,
			status = excluded.status,
			paid_at = excluded.paid_at,
			calculated_at = excluded.calculated_at`,
		r.ID, r.TeacherID, r.Year, int(r.Month), r.LessonsCount, r.LessonRate.String(),
		r.GrossAmount.String(), r.TotalDeductions.String(), r.NetAmount.String(),
		string(deductionsJSON), string(breakdownJSON),
		r.ObligationsInfo.Completed, r.ObligationsInfo.Required, string(weightsJSON),
		r.Status, nullTime(r.PaidAt), formatTime(r.CalculatedAt),
	)
	if err != nil {
		return sqlerr.Classify("upsert salary record", fmt.Errorf("failed to save salary record: %w", err))
	}
	return nil
}

func markSalaryPaid(ctx context.Context, q querier, id string, paidAt time.Time) error {
	res, err := q.ExecContext(ctx,
		"UPDATE salary_records SET status = ?, paid_at = ? WHERE id = ? AND status = ?",
		compensation.SalaryPaid, formatTime(paidAt), id, compensation.SalaryPending,
	)
	if err != nil {
		return sqlerr.Classify("mark salary paid", fmt.Errorf("failed to mark salary paid: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM salary_records WHERE id = ?", id).Scan(&exists); err != nil {
		return sqlerr.Classify("mark salary paid", err)
	}
	if exists == 0 {
		return &lesson.NotFoundError{Kind: "salary record", ID: id}
	}
	return lesson.ErrConcurrentModification
}

// =============================================================================
// TEACHER STORE (identity.Directory, compensation.RateStore)
// =============================================================================

// SaveTeacher inserts or updates a teacher profile.
func (s *Store) SaveTeacher(ctx context.Context, t compensation.Teacher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rate sql.NullString
	if t.LessonRate != nil {
		rate = sql.NullString{String: t.LessonRate.String(), Valid: true}
	}
	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO teachers (id, user_id, name, lesson_rate)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			lesson_rate = excluded.lesson_rate`,
		t.ID, t.UserID, t.Name, rate,
	)
	if sqlerr.IsUniqueViolation(err) {
		return &lesson.ValidationError{Field: "user_id", Message: fmt.Sprintf("user %s already owns a teacher profile", t.UserID)}
	}
	if err != nil {
		return sqlerr.Classify("save teacher", fmt.Errorf("failed to save teacher: %w", err))
	}
	return nil
}

// GetTeacher retrieves a teacher by ID, or nil if it does not exist.
func (s *Store) GetTeacher(ctx context.Context, id lesson.TeacherID) (*compensation.Teacher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		t    compensation.Teacher
		rate sql.NullString
	)
	err := s.conn().QueryRowContext(ctx,
		"SELECT id, user_id, name, lesson_rate FROM teachers WHERE id = ?", id,
	).Scan(&t.ID, &t.UserID, &t.Name, &rate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqlerr.Classify("get teacher", err)
	}
	if rate.Valid {
		d, err := decimal.NewFromString(rate.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt lesson rate %q of teacher %s: %w", rate.String, id, err)
		}
		t.LessonRate = &d
	}
	return &t, nil
}

// TeacherIDForUser returns the teacher profile owned by userID.
func (s *Store) TeacherIDForUser(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.conn().QueryRowContext(ctx, "SELECT id FROM teachers WHERE user_id = ?", userID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", identity.ErrNoTeacherProfile
	}
	if err != nil {
		return "", sqlerr.Classify("resolve teacher", err)
	}
	return id, nil
}

// TeacherLessonRate returns the teacher's rate override, or nil.
func (s *Store) TeacherLessonRate(ctx context.Context, teacherID lesson.TeacherID) (*decimal.Decimal, error) {
	t, err := s.GetTeacher(ctx, teacherID)
	if err != nil || t == nil {
		return nil, err
	}
	return t.LessonRate, nil
}

// =============================================================================
// TRANSACTIONAL STORE (compensation.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store compensation.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqlerr.Classify("begin transaction", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: boundQuerier{q: sqlTx, dialect: s.dialect}}); err != nil {
		return err
	}

	return sqlerr.Classify("commit", sqlTx.Commit())
}

// txStore runs every call on the open transaction. It must not touch the
// parent's db or mutex: WithTx already holds the lock and, for ":memory:",
// the only connection.
type txStore struct {
	tx querier
}

func (ts *txStore) FindLesson(ctx context.Context, id lesson.ID) (*lesson.Lesson, error) {
	return findLesson(ctx, ts.tx, id)
}

func (ts *txStore) QueryLessons(ctx context.Context, f lesson.Filter) ([]lesson.Lesson, error) {
	return queryLessons(ctx, ts.tx, f)
}

func (ts *txStore) CountLessons(ctx context.Context, f lesson.Filter) (int, error) {
	return countLessons(ctx, ts.tx, f)
}

func (ts *txStore) TeacherIDs(ctx context.Context, f lesson.Filter) ([]lesson.TeacherID, error) {
	return teacherIDs(ctx, ts.tx, f)
}

func (ts *txStore) GetObligationConfig(ctx context.Context) (*compensation.ObligationPercentConfig, error) {
	return getObligationConfig(ctx, ts.tx)
}

func (ts *txStore) SetObligationConfig(ctx context.Context, cfg compensation.ObligationPercentConfig) error {
	return setObligationConfig(ctx, ts.tx, cfg)
}

func (ts *txStore) GetSalaryRecord(ctx context.Context, teacherID lesson.TeacherID, year int, month time.Month) (*compensation.SalaryRecord, error) {
	return getSalaryRecord(ctx, ts.tx, teacherID, year, month)
}

func (ts *txStore) UpsertSalaryRecord(ctx context.Context, r compensation.SalaryRecord) error {
	return upsertSalaryRecord(ctx, ts.tx, r)
}

func (ts *txStore) MarkSalaryPaid(ctx context.Context, id string, paidAt time.Time) error {
	return markSalaryPaid(ctx, ts.tx, id, paidAt)
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed-width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts the storage layout and, for rows written by hand,
// RFC 3339.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		var ferr error
		if t, ferr = time.Parse(time.RFC3339Nano, s); ferr != nil {
			return time.Time{}, fmt.Errorf("unparseable time %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// flag stores booleans as 0/1 so the INTEGER columns accept them on every
// dialect.
func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Reset deletes all lessons, salary records and teachers. The obligation
// config is kept.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"salary_records", "lessons", "teachers"} {
		if _, err := s.conn().ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}
