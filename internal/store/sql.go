package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"

	"github.com/rendis/stepflow/pkg/schema"
)

// Supported database/sql driver names.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
)

// SQLStore implements Store on an embedded SQLite-compatible database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens the database with the given driver (libsql or sqlite)
// and data source name.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverLibSQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &SQLStore{db: db}, nil
}

// NewLibSQLStore opens a libSQL database file, e.g. "file:/path/to/stepflow.db".
func NewLibSQLStore(dsn string) (*SQLStore, error) {
	return NewSQLStore(DriverLibSQL, dsn)
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `id, name, owner, definition, trigger_type, trigger_config, webhook_id,
	schedule_expression, enabled, next_run_at, created_at, updated_at`

// SaveWorkflow inserts the workflow or replaces its definition. The schedule
// cursor (next_run_at) survives a replace unless wf sets one.
func (s *SQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	owner, err := json.Marshal(wf.Owner)
	if err != nil {
		return fmt.Errorf("marshal owner: %w", err)
	}
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	triggerConfig, err := nullJSON(wf.TriggerConfig)
	if err != nil {
		return fmt.Errorf("marshal trigger_config: %w", err)
	}
	now := nowUTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, user_id, owner, definition, trigger_type, trigger_config, webhook_id,
			schedule_expression, enabled, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, user_id=excluded.user_id, owner=excluded.owner,
			definition=excluded.definition, trigger_type=excluded.trigger_type,
			trigger_config=excluded.trigger_config, webhook_id=excluded.webhook_id,
			schedule_expression=excluded.schedule_expression, enabled=excluded.enabled,
			next_run_at=COALESCE(excluded.next_run_at, workflows.next_run_at),
			updated_at=excluded.updated_at`,
		wf.ID, wf.Name, wf.Owner.ID, string(owner), string(def), string(wf.TriggerType), triggerConfig,
		nullStr(wf.WebhookID), nullStr(wf.ScheduleExpression), boolInt(wf.Enabled), nullTime(wf.NextRunAt),
		formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt),
	)
	if err != nil {
		return storeError("save workflow", err)
	}
	return nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeError("get workflow", err)
	}
	return wf, nil
}

// ListScheduledWorkflows returns every enabled schedule-triggered workflow.
func (s *SQLStore) ListScheduledWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE trigger_type = ? AND enabled = 1
		 ORDER BY id`, string(schema.TriggerSchedule))
	if err != nil {
		return nil, storeError("list scheduled workflows", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeError("scan workflow", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateWorkflowNextRun(ctx context.Context, id string, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nullTime(next), formatTime(nowUTC()), id)
	if err != nil {
		return storeError("update next run", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		owner, def, triggerType, createdAt, updatedAt  string
		triggerConfig, webhookID, scheduleExpr, nextRun sql.NullString
	)
	if err := sc.Scan(&wf.ID, &wf.Name, &owner, &def, &triggerType, &triggerConfig, &webhookID,
		&scheduleExpr, &wf.Enabled, &nextRun, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(owner), &wf.Owner); err != nil {
		return nil, fmt.Errorf("unmarshal owner: %w", err)
	}
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if err := unmarshalNull(triggerConfig, &wf.TriggerConfig); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_config: %w", err)
	}
	wf.TriggerType = schema.TriggerType(triggerType)
	wf.WebhookID = webhookID.String
	wf.ScheduleExpression = scheduleExpr.String

	var err error
	if wf.NextRunAt, err = parseNullTime(nextRun); err != nil {
		return nil, err
	}
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, status, owner, trigger_data, error, resume_at, resume_point,
	cancel_requested, started_at, completed_at, updated_at`

func (s *SQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	owner, err := json.Marshal(exec.User)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	triggerData, err := nullJSON(exec.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger_data: %w", err)
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	now := nowUTC()
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
	}
	exec.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, owner, trigger_data, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), string(owner), triggerData,
		formatTime(exec.StartedAt), formatTime(exec.UpdatedAt),
	)
	if err != nil {
		return storeError("create execution", err)
	}
	return nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeError("get execution", err)
	}
	return exec, nil
}

func (s *SQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(nowUTC())}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		b, err := json.Marshal(update.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, string(b))
	}
	if update.ClearResume {
		sets = append(sets, "resume_at = NULL", "resume_point = NULL")
	} else {
		if update.ResumeAt != nil {
			sets = append(sets, "resume_at = ?")
			args = append(args, formatTime(*update.ResumeAt))
		}
		if update.ResumePoint != nil {
			b, err := json.Marshal(update.ResumePoint)
			if err != nil {
				return fmt.Errorf("marshal resume_point: %w", err)
			}
			sets = append(sets, "resume_point = ?")
			args = append(args, string(b))
		}
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*update.CompletedAt))
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeError("update execution", err)
	}
	return checkRowsAffected(res, "execution", id)
}

// TransitionExecution atomically moves an execution from one status to
// another. It fails with CONFLICT when the execution is no longer in from.
func (s *SQLStore) TransitionExecution(ctx context.Context, id string, from, to schema.ExecutionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(nowUTC()), id, string(from))
	if err != nil {
		return storeError("transition execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("transition execution", err)
	}
	if n == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q is not %s", id, from).
			WithDetails(map[string]any{"execution_id": id, "from": string(from), "to": string(to)})
	}
	return nil
}

// ListDueExecutions returns waiting executions whose resume_at is at or
// before now, oldest first.
func (s *SQLStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		 WHERE status = ? AND resume_at IS NOT NULL AND resume_at <= ?
		 ORDER BY resume_at, id`
	args := []any{string(schema.ExecutionWaiting), formatTime(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list due executions", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, storeError("scan execution", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// HasActiveExecution reports whether the workflow has a pending, running or
// waiting execution.
func (s *SQLStore) HasActiveExecution(ctx context.Context, workflowID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE workflow_id = ? AND status IN (?, ?, ?)`,
		workflowID,
		string(schema.ExecutionPending), string(schema.ExecutionRunning), string(schema.ExecutionWaiting),
	).Scan(&n)
	if err != nil {
		return false, storeError("count active executions", err)
	}
	return n > 0, nil
}

func (s *SQLStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		formatTime(nowUTC()), id)
	if err != nil {
		return storeError("request cancel", err)
	}
	return checkRowsAffected(res, "execution", id)
}

func scanExecution(sc scanner) (*Execution, error) {
	e := &Execution{}
	var (
		status, owner, startedAt, updatedAt                       string
		triggerData, errJSON, resumeAt, resumePoint, completedAt sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.WorkflowID, &status, &owner, &triggerData, &errJSON, &resumeAt,
		&resumePoint, &e.CancelRequested, &startedAt, &completedAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(owner), &e.User); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	if err := unmarshalNull(triggerData, &e.TriggerData); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_data: %w", err)
	}
	if errJSON.Valid && errJSON.String != "" {
		e.Error = &schema.FlowError{}
		if err := json.Unmarshal([]byte(errJSON.String), e.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if resumePoint.Valid && resumePoint.String != "" {
		e.ResumePoint = &schema.ResumePoint{}
		if err := json.Unmarshal([]byte(resumePoint.String), e.ResumePoint); err != nil {
			return nil, fmt.Errorf("unmarshal resume_point: %w", err)
		}
	}

	var err error
	if e.ResumeAt, err = parseNullTime(resumeAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return e, nil
}

// --- Steps ---

// UpsertStep records a step. The first write for a step fixes its sequence
// number; later writes update status and output in place.
func (s *SQLStore) UpsertStep(ctx context.Context, rec *StepRecord) error {
	data, err := nullJSON(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}
	var errJSON any
	if rec.Error != nil {
		b, err := json.Marshal(rec.Error)
		if err != nil {
			return fmt.Errorf("marshal step error: %w", err)
		}
		errJSON = string(b)
	}
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = nowUTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (execution_id, step_id, seq, status, data, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM steps WHERE execution_id = ?), ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET
			status=excluded.status, data=excluded.data, error=excluded.error,
			started_at=excluded.started_at, completed_at=excluded.completed_at,
			duration_ms=excluded.duration_ms`,
		rec.ExecutionID, rec.StepID, rec.ExecutionID, string(rec.Status), data, errJSON,
		formatTime(startedAt), nullTime(rec.CompletedAt), rec.DurationMs,
	)
	if err != nil {
		return storeError("upsert step", err)
	}
	return nil
}

// ListSteps returns the execution's steps in the order they were first
// recorded.
func (s *SQLStore) ListSteps(ctx context.Context, executionID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, seq, status, data, error, started_at, completed_at, duration_ms
		 FROM steps WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, storeError("list steps", err)
	}
	defer rows.Close()

	var out []*StepRecord
	for rows.Next() {
		rec := &StepRecord{}
		var (
			status, startedAt             string
			data, errJSON, completedAt sql.NullString
		)
		if err := rows.Scan(&rec.ExecutionID, &rec.StepID, &rec.Seq, &status, &data, &errJSON,
			&startedAt, &completedAt, &rec.DurationMs); err != nil {
			return nil, storeError("scan step", err)
		}
		rec.Status = schema.StepStatus(status)
		if err := unmarshalNull(data, &rec.Data); err != nil {
			return nil, fmt.Errorf("unmarshal step data: %w", err)
		}
		if errJSON.Valid && errJSON.String != "" {
			rec.Error = &schema.FlowError{}
			if err := json.Unmarshal([]byte(errJSON.String), rec.Error); err != nil {
				return nil, fmt.Errorf("unmarshal step error: %w", err)
			}
		}
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with the next per-execution sequence number.
// The sequence is computed inside the INSERT so concurrent appends cannot
// interleave.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = nowUTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (execution_id, sequence, event_type, step_id, payload, timestamp)
		 VALUES (?, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?), ?, ?, ?, ?)
		 RETURNING id, sequence`,
		event.ExecutionID, event.ExecutionID, event.Type, nullStr(event.StepID), nullRaw(event.Payload),
		formatTime(event.Timestamp),
	).Scan(&event.ID, &event.Sequence)
	if err != nil {
		return storeError("append event", err)
	}
	return nil
}

// ListEvents returns events with sequence > since, in sequence order.
func (s *SQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, sequence, event_type, step_id, payload, timestamp
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`,
		executionID, since)
	if err != nil {
		return nil, storeError("list events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var (
			ts              string
			stepID, payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.Type, &stepID, &payload, &ts); err != nil {
			return nil, storeError("scan event", err)
		}
		e.StepID = stepID.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func nowUTC() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
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

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func nullJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalNull(ns sql.NullString, dst *map[string]any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}
