package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists the audit trail in a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at dbPath and migrates
// the schema. ":memory:" opens a private in-memory database.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + dbPath + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		env_context TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		max_steps INTEGER NOT NULL DEFAULT 10,
		step_bound INTEGER NOT NULL DEFAULT 0,
		checkpoints TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plan_steps (
		session_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		description TEXT NOT NULL,
		completed_at DATETIME,
		PRIMARY KEY (session_id, ordinal),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS action_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		thought TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL DEFAULT '',
		reasoning_status TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		before_ref TEXT NOT NULL DEFAULT '',
		after_ref TEXT NOT NULL DEFAULT '',
		checkpoint_ref TEXT NOT NULL DEFAULT '',
		verification_achieved BOOLEAN,
		verification_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS post_mortems (
		session_id TEXT PRIMARY KEY,
		original_goal TEXT NOT NULL,
		refined_goal TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		validation_achieved BOOLEAN,
		validation_reason TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_action_records_session ON action_records(session_id, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Databases created before the plan columns existed.
	for _, col := range []struct{ name, def string }{
		{"step_bound", "INTEGER NOT NULL DEFAULT 0"},
		{"checkpoints", "TEXT NOT NULL DEFAULT ''"},
	} {
		if err := s.addColumn("sessions", col.name, col.def); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) addColumn(table, name, def string) error {
	rows, err := s.db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var existing string
		if err := rows.Scan(&existing); err != nil {
			return err
		}
		if existing == name {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, def)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, name, err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("invalid session status %q", sess.Status)
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = sess.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, goal, env_context, status, reason, max_steps, step_bound, checkpoints, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Goal, sess.EnvContext, string(sess.Status), sess.Reason, sess.MaxSteps,
		sess.StepBound, formatOrdinals(sess.Checkpoints), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, env_context, status, reason, max_steps, step_bound, checkpoints, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, err
}

// ListSessions returns the most recent sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal, env_context, status, reason, max_steps, step_bound, checkpoints, created_at, updated_at
		FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus moves a session to status. Terminal sessions are
// immutable.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return err
	}
	if SessionStatus(current).IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionTerminal, id, current)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return tx.Commit()
}

// SetSessionPlan records the adopted bound and checkpoint ordinals. Terminal
// sessions are immutable.
func (s *SQLiteStore) SetSessionPlan(ctx context.Context, id string, bound int, checkpoints []int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET step_bound = ?, checkpoints = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		bound, formatOrdinals(checkpoints), time.Now().UTC(), id, string(StatusRunning), string(StatusPaused))
	if err != nil {
		return fmt.Errorf("failed to store session plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", ErrSessionTerminal, id, sess.Status)
	}
	return nil
}

// CreatePlan writes the plan as ordinals 1..N in one transaction.
func (s *SQLiteStore) CreatePlan(ctx context.Context, sessionID string, descriptions []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM plan_steps WHERE session_id = ?`, sessionID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return fmt.Errorf("plan already exists for session %s", sessionID)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO plan_steps (session_id, ordinal, description) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, desc := range descriptions {
		if _, err := stmt.ExecContext(ctx, sessionID, i+1, desc); err != nil {
			return fmt.Errorf("failed to insert plan step %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

// ListPlanSteps returns the plan in ordinal order.
func (s *SQLiteStore) ListPlanSteps(ctx context.Context, sessionID string) ([]*PlanStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, ordinal, description, completed_at
		FROM plan_steps WHERE session_id = ? ORDER BY ordinal`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan steps: %w", err)
	}
	defer rows.Close()

	var steps []*PlanStep
	for rows.Next() {
		var step PlanStep
		var completed sql.NullTime
		if err := rows.Scan(&step.SessionID, &step.Ordinal, &step.Description, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			step.CompletedAt = &t
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// CompletePlanStep marks a plan step done. A missing ordinal is not an error:
// the loop may run more steps than the plan has entries.
func (s *SQLiteStore) CompletePlanStep(ctx context.Context, sessionID string, ordinal int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE plan_steps SET completed_at = ?
		WHERE session_id = ? AND ordinal = ? AND completed_at IS NULL`, at.UTC(), sessionID, ordinal)
	if err != nil {
		return fmt.Errorf("failed to complete plan step: %w", err)
	}
	return nil
}

// AppendAction inserts one action record. Records are never updated.
func (s *SQLiteStore) AppendAction(ctx context.Context, rec *ActionRecord) error {
	sess, err := s.GetSession(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrSessionTerminal, sess.ID)
	}
	if rec.Step < 1 || rec.Step > sess.MaxSteps {
		return fmt.Errorf("%w: step %d not in 1..%d", ErrStepOutOfRange, rec.Step, sess.MaxSteps)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var verified sql.NullBool
	if rec.VerificationAchieved != nil {
		verified = sql.NullBool{Bool: *rec.VerificationAchieved, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_records (session_id, step, thought, code, reasoning_status, outcome, feedback,
			before_ref, after_ref, checkpoint_ref, verification_achieved, verification_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Step, rec.Thought, rec.Code, rec.ReasoningStatus, string(rec.Outcome), rec.Feedback,
		rec.BeforeRef, rec.AfterRef, rec.CheckpointRef, verified, rec.VerificationReason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append action record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListActions returns all records of a session in insertion order.
func (s *SQLiteStore) ListActions(ctx context.Context, sessionID string) ([]*ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, step, thought, code, reasoning_status, outcome, feedback,
			before_ref, after_ref, checkpoint_ref, verification_achieved, verification_reason, created_at
		FROM action_records WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list action records: %w", err)
	}
	defer rows.Close()

	var records []*ActionRecord
	for rows.Next() {
		var rec ActionRecord
		var outcome string
		var verified sql.NullBool
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Step, &rec.Thought, &rec.Code, &rec.ReasoningStatus,
			&outcome, &rec.Feedback, &rec.BeforeRef, &rec.AfterRef, &rec.CheckpointRef, &verified,
			&rec.VerificationReason, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Outcome = Outcome(outcome)
		if verified.Valid {
			v := verified.Bool
			rec.VerificationAchieved = &v
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// FailedActions implements the refinement query.
func (s *SQLiteStore) FailedActions(ctx context.Context, sessionID string) ([]*FailureRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.step, a.thought, a.code, a.feedback, s.goal
		FROM action_records a
		JOIN sessions s ON s.id = a.session_id
		WHERE a.session_id = ?
			AND (a.outcome = ? OR LOWER(a.feedback) LIKE '%error%')
		ORDER BY a.id`, sessionID, string(OutcomeFail))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed actions: %w", err)
	}
	defer rows.Close()

	var failures []*FailureRow
	for rows.Next() {
		var f FailureRow
		if err := rows.Scan(&f.Step, &f.Thought, &f.Code, &f.Feedback, &f.Goal); err != nil {
			return nil, err
		}
		failures = append(failures, &f)
	}
	return failures, rows.Err()
}

// SuccessfulPairs returns the passing (thought, code) pairs for rule mining.
func (s *SQLiteStore) SuccessfulPairs(ctx context.Context) ([]*LearnedPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thought, code, COUNT(*) AS n
		FROM action_records
		WHERE outcome = ? AND TRIM(code) != '' AND LOWER(TRIM(code)) != 'pass' AND TRIM(thought) != ''
		GROUP BY thought, code
		ORDER BY n DESC, thought, code`, string(OutcomePass))
	if err != nil {
		return nil, fmt.Errorf("failed to query successful pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*LearnedPair
	for rows.Next() {
		var p LearnedPair
		if err := rows.Scan(&p.Thought, &p.Code, &p.Count); err != nil {
			return nil, err
		}
		pairs = append(pairs, &p)
	}
	return pairs, rows.Err()
}

// PutPostMortem writes or overwrites the post-mortem of a terminal session.
// An absent validation verdict keeps the stored one.
func (s *SQLiteStore) PutPostMortem(ctx context.Context, pm *PostMortem) error {
	sess, err := s.GetSession(ctx, pm.SessionID)
	if err != nil {
		return err
	}
	if !sess.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotTerminal, sess.ID, sess.Status)
	}
	if pm.CreatedAt.IsZero() {
		pm.CreatedAt = time.Now().UTC()
	}

	var achieved sql.NullBool
	var reason sql.NullString
	if pm.ValidationAchieved != nil {
		achieved = sql.NullBool{Bool: *pm.ValidationAchieved, Valid: true}
		reason = sql.NullString{String: pm.ValidationReason, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO post_mortems (session_id, original_goal, refined_goal, summary, validation_achieved, validation_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			original_goal = excluded.original_goal,
			refined_goal = excluded.refined_goal,
			summary = excluded.summary,
			validation_achieved = COALESCE(excluded.validation_achieved, post_mortems.validation_achieved),
			validation_reason = COALESCE(excluded.validation_reason, post_mortems.validation_reason)`,
		pm.SessionID, pm.OriginalGoal, pm.RefinedGoal, pm.Summary, achieved, reason, pm.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write post-mortem: %w", err)
	}
	return nil
}

// GetPostMortem loads the post-mortem of a session.
func (s *SQLiteStore) GetPostMortem(ctx context.Context, sessionID string) (*PostMortem, error) {
	var pm PostMortem
	var achieved sql.NullBool
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, original_goal, refined_goal, summary, validation_achieved, validation_reason, created_at
		FROM post_mortems WHERE session_id = ?`, sessionID).
		Scan(&pm.SessionID, &pm.OriginalGoal, &pm.RefinedGoal, &pm.Summary, &achieved, &reason, &pm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPostMortemNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if achieved.Valid {
		v := achieved.Bool
		pm.ValidationAchieved = &v
	}
	pm.ValidationReason = reason.String
	return &pm, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status, checkpoints string
	if err := row.Scan(&sess.ID, &sess.Goal, &sess.EnvContext, &status, &sess.Reason, &sess.MaxSteps,
		&sess.StepBound, &checkpoints, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.Checkpoints = parseOrdinals(checkpoints)
	return &sess, nil
}

// formatOrdinals stores step ordinals as "2,5,7".
func formatOrdinals(ordinals []int) string {
	parts := make([]string, len(ordinals))
	for i, n := range ordinals {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func parseOrdinals(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
