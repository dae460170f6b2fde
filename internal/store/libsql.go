package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/procflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Patterns ---

func (s *LibSQLStore) StorePattern(ctx context.Context, pattern *PatternRecord) error {
	def, err := json.Marshal(pattern.Pattern)
	if err != nil {
		return fmt.Errorf("marshal pattern definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO patterns (id, definition, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		pattern.ID, string(def), timeOrNow(pattern.CreatedAt), timeOrNow(pattern.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPattern(ctx context.Context, id string) (*PatternRecord, error) {
	p := &PatternRecord{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, definition, created_at, updated_at FROM patterns WHERE id = ?`, id,
	).Scan(&p.ID, &defJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pattern", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &p.Pattern); err != nil {
		return nil, fmt.Errorf("unmarshal pattern definition: %w", err)
	}
	return p, nil
}

func (s *LibSQLStore) ListPatterns(ctx context.Context) ([]*PatternRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, definition, created_at, updated_at FROM patterns ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*PatternRecord
	for rows.Next() {
		p := &PatternRecord{}
		var defJSON string
		if err := rows.Scan(&p.ID, &defJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &p.Pattern); err != nil {
			return nil, fmt.Errorf("unmarshal pattern definition: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	stepData, err := marshalMapOrDefault(exec.StepData)
	if err != nil {
		return fmt.Errorf("marshal step_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, pattern_id, user_id, organization_id, current_step, step_data, status, error, created_at, updated_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.PatternID, exec.UserID, exec.OrganizationID,
		nullStr(exec.CurrentStep), string(stepData), string(exec.Status), nullStr(exec.Error),
		timeOrNow(exec.CreatedAt), timeOrNow(exec.UpdatedAt),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e := &Execution{}
	var currentStep, stepData, errText sql.NullString
	var startedAt, completedAt sql.NullTime
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pattern_id, user_id, organization_id, current_step, step_data, status, error, created_at, updated_at, started_at, completed_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&e.ID, &e.PatternID, &e.UserID, &e.OrganizationID, &currentStep, &stepData,
		&status, &errText, &e.CreatedAt, &e.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	hydrateExecution(e, currentStep, stepData, status, errText, startedAt, completedAt)
	return e, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *update.CurrentStep)
	}
	if update.StepData != nil {
		stepData, err := marshalMapOrDefault(update.StepData)
		if err != nil {
			return fmt.Errorf("marshal step_data: %w", err)
		}
		sets = append(sets, "step_data = ?")
		args = append(args, string(stepData))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, pattern_id, user_id, organization_id, current_step, step_data, status, error, created_at, updated_at, started_at, completed_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		e := &Execution{}
		var currentStep, stepData, errText sql.NullString
		var startedAt, completedAt sql.NullTime
		var status string
		if err := rows.Scan(&e.ID, &e.PatternID, &e.UserID, &e.OrganizationID, &currentStep, &stepData,
			&status, &errText, &e.CreatedAt, &e.UpdatedAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		hydrateExecution(e, currentStep, stepData, status, errText, startedAt, completedAt)
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func hydrateExecution(e *Execution, currentStep, stepData sql.NullString, status string, errText sql.NullString, startedAt, completedAt sql.NullTime) {
	e.CurrentStep = currentStep.String
	e.Status = schema.ExecutionStatus(status)
	e.Error = errText.String
	if stepData.Valid && stepData.String != "" {
		_ = json.Unmarshal([]byte(stepData.String), &e.StepData)
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

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

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
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

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
