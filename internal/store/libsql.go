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

	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens the database at dbPath, a file URI such as
// "file:/var/lib/bizflow/bizflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used for all of them.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying handle.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum compacts the database file.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

// SaveExecution upserts the execution record.
func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *engine.Execution) error {
	if exec == nil || exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	record, err := json.Marshal(exec)
	if err != nil {
		return storeError("marshal execution", err)
	}
	var errCode any
	if exec.Error != nil {
		errCode = exec.Error.Code
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, workflow_name, status, progress, error_code, record, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, progress=excluded.progress, error_code=excluded.error_code,
		   record=excluded.record, completed_at=excluded.completed_at, updated_at=CURRENT_TIMESTAMP`,
		exec.ID, exec.WorkflowID, nullStr(exec.WorkflowName), string(exec.Status), exec.Progress,
		errCode, string(record), exec.StartedAt.UTC(), nullTime(exec.CompletedAt),
	)
	if err != nil {
		return storeError("save execution", err)
	}
	return nil
}

// GetExecution loads an archived execution.
func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM executions WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeError("get execution", err)
	}
	return decodeExecution(record)
}

// ListExecutions returns archived executions, newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*engine.Execution, error) {
	query := `SELECT record FROM executions`
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []*engine.Execution
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, storeError("scan execution", err)
		}
		exec, err := decodeExecution(record)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// DeleteExecutionsBefore removes archived executions completed before cutoff
// together with their events.
func (s *LibSQLStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin cleanup", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE execution_id IN (
		   SELECT id FROM executions WHERE completed_at IS NOT NULL AND completed_at < ?)`,
		cutoff.UTC(),
	); err != nil {
		return 0, storeError("delete events", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM executions WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, storeError("delete executions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("delete executions", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("commit cleanup", err)
	}
	return n, nil
}

// --- Events ---

// AppendEvent appends through an EventLog so the sequence stays contiguous.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return NewEventLog(s).AppendEvent(ctx, event)
}

// GetEvents returns events of an execution with sequence > since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, step_id, event_type, progress, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`,
		executionID, since,
	)
	if err != nil {
		return nil, storeError("get events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of one type, oldest first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, execution_id, workflow_id, step_id, event_type, progress, payload, timestamp, sequence
		FROM events WHERE event_type = ?`
	args := []any{eventType}
	if filter.ExecutionID != "" {
		query += " AND execution_id = ?"
		args = append(args, filter.ExecutionID)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY timestamp, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("get events by type", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.WorkflowID, &stepID, &e.Type, &e.Progress, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeError("scan event", err)
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Definitions ---

// SaveDefinition stores a runtime-registered definition, replacing any
// previous version with the same id.
func (s *LibSQLStore) SaveDefinition(ctx context.Context, def schema.WorkflowDefinition) error {
	if def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow_id is required")
	}
	body, err := json.Marshal(def)
	if err != nil {
		return storeError("marshal definition", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, name, definition, created_by, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition`,
		def.ID, def.Name, string(body), nullStr(def.CreatedBy), timeOrNow(def.CreatedAt),
	)
	if err != nil {
		return storeError("save definition", err)
	}
	return nil
}

// ListDefinitions returns stored definitions ordered by id.
func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*StoredDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, definition, created_at FROM definitions ORDER BY id`)
	if err != nil {
		return nil, storeError("list definitions", err)
	}
	defer rows.Close()

	var out []*StoredDefinition
	for rows.Next() {
		d := &StoredDefinition{}
		var body string
		if err := rows.Scan(&d.ID, &body, &d.CreatedAt); err != nil {
			return nil, storeError("scan definition", err)
		}
		if err := json.Unmarshal([]byte(body), &d.Definition); err != nil {
			return nil, storeError("unmarshal definition", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Helpers ---

func decodeExecution(record string) (*engine.Execution, error) {
	exec := &engine.Execution{}
	if err := json.Unmarshal([]byte(record), exec); err != nil {
		return nil, storeError("unmarshal execution", err)
	}
	return exec, nil
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
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

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
