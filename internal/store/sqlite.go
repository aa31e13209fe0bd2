package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL,
	prompt           TEXT NOT NULL,
	category         TEXT NOT NULL,
	priority         TEXT NOT NULL,
	status           TEXT NOT NULL,
	depends_on       TEXT NOT NULL DEFAULT '[]',
	blocked_by       TEXT NOT NULL DEFAULT '',
	preferred_model  TEXT NOT NULL DEFAULT '',
	deadline_ms      INTEGER,
	estimated_millis INTEGER NOT NULL DEFAULT 0,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	last_error       TEXT NOT NULL DEFAULT '',
	result           TEXT NOT NULL DEFAULT '',
	created_at_ms    INTEGER NOT NULL,
	updated_at_ms    INTEGER NOT NULL,
	completed_at_ms  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);

CREATE TABLE IF NOT EXISTS projects (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	target       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL,
	model          TEXT NOT NULL,
	started_at_ms  INTEGER NOT NULL,
	completed_at_ms INTEGER,
	success        INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	tokens_used    INTEGER NOT NULL DEFAULT 0,
	cost           REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id);

CREATE TABLE IF NOT EXISTS rate_limits (
	model               TEXT PRIMARY KEY,
	current_usage       INTEGER NOT NULL DEFAULT 0,
	max_requests        INTEGER NOT NULL,
	window_start_ms     INTEGER NOT NULL,
	window_duration_ms  INTEGER NOT NULL,
	updated_at_ms       INTEGER NOT NULL
);
`

// requiredColumns guards against a half-migrated database: if any of
// these are missing at startup, the process refuses to run rather
// than silently operate against a stale schema.
var requiredColumns = map[string][]string{
	"tasks":       {"id", "status", "depends_on", "blocked_by", "attempts", "max_attempts"},
	"projects":    {"id", "status"},
	"executions":  {"id", "task_id", "model", "success"},
	"rate_limits": {"model", "current_usage", "max_requests", "window_start_ms"},
}

// SQLiteStore is the Store implementation backed by a single WAL-mode
// SQLite file, suitable for the single-writer-per-process model the
// executor daemon requires.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if absent) the WAL-mode store at path and runs
// schema migrations. It fails fast if the parent directory cannot be
// written to.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: directory %s unwritable: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer SQLite: serialize all access through one conn

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := verifySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func verifySchema(db *sql.DB) error {
	for table, cols := range requiredColumns {
		rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return fmt.Errorf("store: inspect %s: %w", table, err)
		}
		present := make(map[string]bool)
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				rows.Close()
				return fmt.Errorf("store: inspect %s: %w", table, err)
			}
			present[name] = true
		}
		rows.Close()
		for _, col := range cols {
			if !present[col] {
				return fmt.Errorf("store: table %s missing column %q; a migration is required", table, col)
			}
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timeToMs(t time.Time) int64 { return t.UnixMilli() }

func nullableMsToTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := msToTime(ms.Int64)
	return &t
}

func timeToNullableMs(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeToMs(*t)
}

func encodeDependsOn(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeDependsOn(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

const taskColumns = `id, project_id, title, prompt, category, priority, status, depends_on, blocked_by,
	preferred_model, deadline_ms, estimated_millis, attempts, max_attempts, last_error, result,
	created_at_ms, updated_at_ms, completed_at_ms`

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*Task, error) {
	var t Task
	var dependsOn string
	var deadline, completedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Prompt, &t.Category, &t.Priority, &t.Status,
		&dependsOn, &t.BlockedBy, &t.PreferredModel, &deadline, &t.EstimatedMillis,
		&t.Attempts, &t.MaxAttempts, &t.LastError, &t.Result,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.DependsOn = decodeDependsOn(dependsOn)
	if deadline.Valid {
		d := msToTime(deadline.Int64)
		t.Deadline = &d
	}
	t.CreatedAt = msToTime(createdAt)
	t.UpdatedAt = msToTime(updatedAt)
	t.CompletedAt = nullableMsToTime(completedAt)
	return &t, nil
}

// InsertTask writes a new task row.
func (s *SQLiteStore) InsertTask(ctx context.Context, t *Task) error {
	t.CreatedAt = now()
	t.UpdatedAt = t.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, t.Prompt, string(t.Category), string(t.Priority), string(t.Status),
		encodeDependsOn(t.DependsOn), t.BlockedBy, t.PreferredModel,
		timeToNullableMs(t.Deadline), t.EstimatedMillis, t.Attempts, t.MaxAttempts, t.LastError, t.Result,
		timeToMs(t.CreatedAt), timeToMs(t.UpdatedAt), timeToNullableMs(t.CompletedAt),
	)
	return err
}

// GetTask fetches a task by id; returns apperr NotFound semantics via nil, nil.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// UpdateTask rewrites a task row, stamping updated_at as part of the
// same statement (spec.md's "every update writes updatedAt=now").
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET project_id=?, title=?, prompt=?, category=?, priority=?, status=?,
			depends_on=?, blocked_by=?, preferred_model=?, deadline_ms=?, estimated_millis=?,
			attempts=?, max_attempts=?, last_error=?, result=?, updated_at_ms=?, completed_at_ms=?
		WHERE id=?`,
		t.ProjectID, t.Title, t.Prompt, string(t.Category), string(t.Priority), string(t.Status),
		encodeDependsOn(t.DependsOn), t.BlockedBy, t.PreferredModel,
		timeToNullableMs(t.Deadline), t.EstimatedMillis, t.Attempts, t.MaxAttempts, t.LastError, t.Result,
		timeToMs(t.UpdatedAt), timeToNullableMs(t.CompletedAt), t.ID,
	)
	return err
}

// DeleteTask removes a task row.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	return err
}

func (s *SQLiteStore) queryTasks(ctx context.Context, where string, args ...interface{}) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetAllTasks returns every task.
func (s *SQLiteStore) GetAllTasks(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, `ORDER BY created_at_ms ASC`)
}

// GetTasksByStatus returns tasks in any of the given statuses.
func (s *SQLiteStore) GetTasksByStatus(ctx context.Context, statuses ...Status) ([]*Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	where := fmt.Sprintf("WHERE status IN (%s) ORDER BY created_at_ms ASC", strings.Join(placeholders, ","))
	return s.queryTasks(ctx, where, args...)
}

// GetRunningTasks returns tasks currently running.
func (s *SQLiteStore) GetRunningTasks(ctx context.Context) ([]*Task, error) {
	return s.GetTasksByStatus(ctx, StatusRunning)
}

var priorityWeight = map[Priority]int{
	PriorityCritical: 1000,
	PriorityHigh:      100,
	PriorityMedium:     10,
	PriorityLow:         1,
}

// GetReadyTasks returns pending/scheduled tasks whose dependencies are
// all completed, ordered by priority bucket then createdAt ascending.
func (s *SQLiteStore) GetReadyTasks(ctx context.Context) ([]*Task, error) {
	candidates, err := s.GetTasksByStatus(ctx, StatusPending, StatusScheduled)
	if err != nil {
		return nil, err
	}
	var ready []*Task
	for _, t := range candidates {
		allDone, err := s.dependenciesCompleted(ctx, t.DependsOn)
		if err != nil {
			return nil, err
		}
		if allDone {
			ready = append(ready, t)
		}
	}
	sortByPriorityThenCreated(ready)
	return ready, nil
}

func sortByPriorityThenCreated(tasks []*Task) {
	for i := 1; i < len(tasks); i++ {
		j := i
		for j > 0 && less(tasks[j], tasks[j-1]) {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
			j--
		}
	}
}

func less(a, b *Task) bool {
	wa, wb := priorityWeight[a.Priority], priorityWeight[b.Priority]
	if wa != wb {
		return wa > wb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *SQLiteStore) dependenciesCompleted(ctx context.Context, deps []string) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}
	for _, id := range deps {
		dep, err := s.GetTask(ctx, id)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// GetBlockedBy returns blocked tasks waiting on taskID.
func (s *SQLiteStore) GetBlockedBy(ctx context.Context, taskID string) ([]*Task, error) {
	return s.queryTasks(ctx, `WHERE status = ? AND blocked_by = ? ORDER BY created_at_ms ASC`, string(StatusBlocked), taskID)
}

// CountByStatus returns task counts bucketed by status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	var st Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = count
		case StatusScheduled:
			st.Scheduled = count
		case StatusRunning:
			st.Running = count
		case StatusCompleted:
			st.Completed = count
		case StatusFailed:
			st.Failed = count
		case StatusBlocked:
			st.Blocked = count
		case StatusCancelled:
			st.Cancelled = count
		}
	}
	return st, rows.Err()
}

// InsertProject writes a new project row.
func (s *SQLiteStore) InsertProject(ctx context.Context, p *Project) error {
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, target, status, created_at_ms, updated_at_ms)
		VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Description, p.Target, string(p.Status), timeToMs(p.CreatedAt), timeToMs(p.UpdatedAt),
	)
	return err
}

// GetProject fetches a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, target, status, created_at_ms, updated_at_ms FROM projects WHERE id=?`, id)
	var p Project
	var createdAt, updatedAt int64
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Target, &p.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = msToTime(createdAt)
	p.UpdatedAt = msToTime(updatedAt)
	return &p, nil
}

// UpdateProject rewrites a project row.
func (s *SQLiteStore) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=?, description=?, target=?, status=?, updated_at_ms=? WHERE id=?`,
		p.Name, p.Description, p.Target, string(p.Status), timeToMs(p.UpdatedAt), p.ID,
	)
	return err
}

// GetProjectTasks returns all tasks belonging to a project.
func (s *SQLiteStore) GetProjectTasks(ctx context.Context, id string) ([]*Task, error) {
	return s.queryTasks(ctx, `WHERE project_id = ? ORDER BY created_at_ms ASC`, id)
}

// InsertExecution writes a new execution attempt row.
func (s *SQLiteStore) InsertExecution(ctx context.Context, e *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, model, started_at_ms, completed_at_ms, success, error, tokens_used, cost)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.Model, timeToMs(e.StartedAt), timeToNullableMs(e.CompletedAt), e.Success, e.Error, e.TokensUsed, e.Cost,
	)
	return err
}

// UpdateExecution rewrites an execution row (e.g. to record completion).
func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET completed_at_ms=?, success=?, error=?, tokens_used=?, cost=? WHERE id=?`,
		timeToNullableMs(e.CompletedAt), e.Success, e.Error, e.TokensUsed, e.Cost, e.ID,
	)
	return err
}

// GetExecutionsByTask returns all attempts for a task, oldest first.
func (s *SQLiteStore) GetExecutionsByTask(ctx context.Context, taskID string) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, model, started_at_ms, completed_at_ms, success, error, tokens_used, cost
		FROM executions WHERE task_id=? ORDER BY started_at_ms ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var execs []*Execution
	for rows.Next() {
		var e Execution
		var completedAt sql.NullInt64
		var startedAt int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Model, &startedAt, &completedAt, &e.Success, &e.Error, &e.TokensUsed, &e.Cost); err != nil {
			return nil, err
		}
		e.StartedAt = msToTime(startedAt)
		e.CompletedAt = nullableMsToTime(completedAt)
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// TodayExecutionStats summarizes executions started since midnight UTC.
func (s *SQLiteStore) TodayExecutionStats(ctx context.Context) (ExecutionStats, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
		SELECT success, tokens_used, cost FROM executions WHERE started_at_ms >= ?`, timeToMs(midnight))
	if err != nil {
		return ExecutionStats{}, err
	}
	defer rows.Close()
	var st ExecutionStats
	for rows.Next() {
		var success bool
		var tokens int64
		var cost float64
		if err := rows.Scan(&success, &tokens, &cost); err != nil {
			return ExecutionStats{}, err
		}
		st.Total++
		if success {
			st.Succeeded++
		} else {
			st.Failed++
		}
		st.TotalTokens += tokens
		st.TotalCost += cost
	}
	return st, rows.Err()
}

// GetRateWindow fetches a model's current window, or nil if unseeded.
func (s *SQLiteStore) GetRateWindow(ctx context.Context, model string) (*RateWindow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT model, current_usage, max_requests, window_start_ms, window_duration_ms, updated_at_ms
		FROM rate_limits WHERE model=?`, model)
	var w RateWindow
	var windowStart, windowDuration, updatedAt int64
	err := row.Scan(&w.Model, &w.CurrentUsage, &w.MaxRequests, &windowStart, &windowDuration, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.WindowStart = msToTime(windowStart)
	w.WindowDuration = time.Duration(windowDuration) * time.Millisecond
	w.UpdatedAt = msToTime(updatedAt)
	return &w, nil
}

// UpsertRateWindow writes a model's window state.
func (s *SQLiteStore) UpsertRateWindow(ctx context.Context, w *RateWindow) error {
	w.UpdatedAt = now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (model, current_usage, max_requests, window_start_ms, window_duration_ms, updated_at_ms)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(model) DO UPDATE SET
			current_usage=excluded.current_usage,
			max_requests=excluded.max_requests,
			window_start_ms=excluded.window_start_ms,
			window_duration_ms=excluded.window_duration_ms,
			updated_at_ms=excluded.updated_at_ms`,
		w.Model, w.CurrentUsage, w.MaxRequests, timeToMs(w.WindowStart), w.WindowDuration.Milliseconds(), timeToMs(w.UpdatedAt),
	)
	return err
}

// AllRateWindows returns every configured model's window.
func (s *SQLiteStore) AllRateWindows(ctx context.Context) ([]*RateWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, current_usage, max_requests, window_start_ms, window_duration_ms, updated_at_ms FROM rate_limits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var windows []*RateWindow
	for rows.Next() {
		var w RateWindow
		var windowStart, windowDuration, updatedAt int64
		if err := rows.Scan(&w.Model, &w.CurrentUsage, &w.MaxRequests, &windowStart, &windowDuration, &updatedAt); err != nil {
			return nil, err
		}
		w.WindowStart = msToTime(windowStart)
		w.WindowDuration = time.Duration(windowDuration) * time.Millisecond
		w.UpdatedAt = msToTime(updatedAt)
		windows = append(windows, &w)
	}
	return windows, rows.Err()
}
