// Package flowstore persists flow runs, their event timelines, and artifact
// pointers in a single sqlite database per repo. The store is the only
// canonical read path for run history; everything the engine does is
// reconstructible from the events alone.
package flowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// FlowTypeTicket is the only flow type the engine currently runs.
const FlowTypeTicket = "ticket_flow"

// StateKeyStopRequested is the state key a cooperative stop sets. The engine
// observes it between events and between turns.
const StateKeyStopRequested = "stop_requested"

// RunStatus is the lifecycle state of a flow run.
type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusRunning    RunStatus = "running"
	StatusPaused     RunStatus = "paused"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusStopped    RunStatus = "stopped"
	StatusSuperseded RunStatus = "superseded"
)

// IsTerminal reports whether the status freezes the run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusSuperseded:
		return true
	}
	return false
}

var validStatus = map[RunStatus]bool{
	StatusPending:    true,
	StatusRunning:    true,
	StatusPaused:     true,
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusStopped:    true,
	StatusSuperseded: true,
}

var (
	// ErrNotFound reports a missing run.
	ErrNotFound = errors.New("run not found")
	// ErrIllegalTransition reports a status change on a terminal run.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrRunTerminal reports a write to a terminal run's timeline or state.
	ErrRunTerminal = errors.New("run is terminal")
)

// Run is one execution of the flow state machine.
type Run struct {
	ID         string
	FlowType   string
	Status     RunStatus
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	StepID     string
	State      map[string]any
	Error      string
}

// StopRequested reports whether a cooperative stop has been recorded in the
// run's state.
func (r *Run) StopRequested() bool {
	v, ok := r.State[StateKeyStopRequested].(bool)
	return ok && v
}

// Event is one immutable record on a run's timeline. Seq strictly increases
// across the whole store and is never reused.
type Event struct {
	Seq       int64
	RunID     string
	Type      string
	StepID    string
	Timestamp time.Time
	Data      map[string]any
}

// Artifact points at an on-disk file produced by a run.
type Artifact struct {
	ID        int64
	RunID     string
	Kind      string
	Path      string
	CreatedAt time.Time
	Metadata  map[string]any
}

// Filter narrows ListRuns.
type Filter struct {
	FlowType string
	Statuses []RunStatus
	Limit    int
}

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS flow_runs (
	run_id      TEXT PRIMARY KEY,
	flow_type   TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	started_at  TEXT,
	finished_at TEXT,
	step_id     TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS flow_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	step_id    TEXT NOT NULL DEFAULT '',
	timestamp  TEXT NOT NULL,
	data       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_flow_events_run_seq ON flow_events(run_id, seq);
CREATE TABLE IF NOT EXISTS flow_artifacts (
	artifact_id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	path        TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_flow_artifacts_run ON flow_artifacts(run_id);
`

// Store wraps the sqlite database. Reads are safe concurrently; writes are
// serialized in-process by mu and across processes by sqlite's own locking
// with a busy timeout.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the flow database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating flow db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening flow db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening flow db: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("flow db schema version %d is newer than supported %d", version, schemaVersion)
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("creating flow db schema: %w", err)
	}
	if version < schemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a new pending run and returns it.
func (s *Store) CreateRun(ctx context.Context, flowType string, initialState map[string]any) (*Run, error) {
	if flowType == "" {
		flowType = FlowTypeTicket
	}
	if initialState == nil {
		initialState = map[string]any{}
	}
	stateJSON, err := json.Marshal(initialState)
	if err != nil {
		return nil, fmt.Errorf("encoding initial state: %w", err)
	}
	run := &Run{
		ID:        uuid.NewString(),
		FlowType:  flowType,
		Status:    StatusPending,
		CreatedAt: nowUTC(),
		State:     initialState,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flow_runs (run_id, flow_type, status, created_at, state) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.FlowType, string(run.Status), formatTime(run.CreatedAt), string(stateJSON))
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return run, nil
}

// SetRunStatus moves a run to a new status, optionally merging a state patch
// in the same transaction. Terminal runs refuse any transition. Moving to
// running stamps started_at on first entry; moving to a terminal status
// stamps finished_at.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status RunStatus, patch map[string]any) error {
	return s.setStatus(ctx, runID, status, patch, "")
}

// FailRun moves a run to failed, recording the error message.
func (s *Store) FailRun(ctx context.Context, runID string, msg string, patch map[string]any) error {
	return s.setStatus(ctx, runID, StatusFailed, patch, msg)
}

func (s *Store) setStatus(ctx context.Context, runID string, status RunStatus, patch map[string]any, errMsg string) error {
	if !validStatus[status] {
		return fmt.Errorf("unknown run status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanRun(tx.QueryRowContext(ctx, selectRunSQL+` WHERE run_id = ?`, runID))
	if err != nil {
		return err
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s: %w", runID, cur.Status, ErrIllegalTransition)
	}

	state := cur.State
	if len(patch) > 0 {
		state = mergeState(state, patch)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	now := formatTime(nowUTC())
	startedAt := timePtrString(cur.StartedAt)
	if status == StatusRunning && cur.StartedAt == nil {
		startedAt = sql.NullString{String: now, Valid: true}
	}
	finishedAt := timePtrString(cur.FinishedAt)
	if status.IsTerminal() {
		finishedAt = sql.NullString{String: now, Valid: true}
	}
	errText := cur.Error
	if errMsg != "" {
		errText = errMsg
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE flow_runs SET status = ?, started_at = ?, finished_at = ?, state = ?, error = ? WHERE run_id = ?`,
		string(status), startedAt, finishedAt, string(stateJSON), errText, runID)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", runID, err)
	}
	return tx.Commit()
}

// SetStepID records the run's current step.
func (s *Store) SetStepID(ctx context.Context, runID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE flow_runs SET step_id = ? WHERE run_id = ?`, stepID, runID)
	if err != nil {
		return fmt.Errorf("updating step for run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return err
}

// PatchState merges a patch into the run's state JSON. Maps merge
// recursively; scalars and lists replace. Refused once the run is terminal.
func (s *Store) PatchState(ctx context.Context, runID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanRun(tx.QueryRowContext(ctx, selectRunSQL+` WHERE run_id = ?`, runID))
	if err != nil {
		return err
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s: %w", runID, cur.Status, ErrRunTerminal)
	}
	stateJSON, err := json.Marshal(mergeState(cur.State, patch))
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE flow_runs SET state = ? WHERE run_id = ?`, string(stateJSON), runID); err != nil {
		return fmt.Errorf("patching run %s: %w", runID, err)
	}
	return tx.Commit()
}

// RequestStop records a cooperative stop request in the run's state.
func (s *Store) RequestStop(ctx context.Context, runID string) error {
	return s.PatchState(ctx, runID, map[string]any{StateKeyStopRequested: true})
}

// ClearStop removes a previously recorded stop request, e.g. on resume.
func (s *Store) ClearStop(ctx context.Context, runID string) error {
	return s.PatchState(ctx, runID, map[string]any{StateKeyStopRequested: false})
}

// AppendEvent appends one event to a run's timeline and returns the assigned
// seq. Terminal runs refuse appends, so terminal events must be written
// before the status flips.
func (s *Store) AppendEvent(ctx context.Context, runID, eventType, stepID string, data map[string]any) (int64, error) {
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encoding event data: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM flow_runs WHERE run_id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading run %s: %w", runID, err)
	}
	if RunStatus(status).IsTerminal() {
		return 0, fmt.Errorf("run %s is %s: %w", runID, status, ErrRunTerminal)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO flow_events (run_id, event_type, step_id, timestamp, data) VALUES (?, ?, ?, ?, ?)`,
		runID, eventType, stepID, formatTime(nowUTC()), string(dataJSON))
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// RecordArtifact inserts an artifact pointer for a run.
func (s *Store) RecordArtifact(ctx context.Context, runID, kind, path string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding artifact metadata: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flow_artifacts (run_id, kind, path, created_at, metadata) VALUES (?, ?, ?, ?, ?)`,
		runID, kind, path, formatTime(nowUTC()), string(metaJSON))
	if err != nil {
		return fmt.Errorf("recording artifact: %w", err)
	}
	return nil
}

const selectRunSQL = `SELECT run_id, flow_type, status, created_at, started_at, finished_at, step_id, state, error FROM flow_runs`

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, selectRunSQL+` WHERE run_id = ?`, runID))
}

// ActiveRun returns the newest non-terminal run of the given flow type, or
// ErrNotFound when every run is terminal.
func (s *Store) ActiveRun(ctx context.Context, flowType string) (*Run, error) {
	if flowType == "" {
		flowType = FlowTypeTicket
	}
	row := s.db.QueryRowContext(ctx,
		selectRunSQL+` WHERE flow_type = ? AND status IN (?, ?, ?) ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		flowType, string(StatusPending), string(StatusRunning), string(StatusPaused))
	return scanRun(row)
}

// LatestRun returns the newest run of the given flow type regardless of
// status, or ErrNotFound for an empty store.
func (s *Store) LatestRun(ctx context.Context, flowType string) (*Run, error) {
	if flowType == "" {
		flowType = FlowTypeTicket
	}
	row := s.db.QueryRowContext(ctx,
		selectRunSQL+` WHERE flow_type = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, flowType)
	return scanRun(row)
}

// ListRuns returns runs newest-first, narrowed by the filter.
func (s *Store) ListRuns(ctx context.Context, f Filter) ([]*Run, error) {
	query := selectRunSQL
	var conds []string
	var args []any
	if f.FlowType != "" {
		conds = append(conds, `flow_type = ?`)
		args = append(args, f.FlowType)
	}
	if len(f.Statuses) > 0 {
		placeholders := ""
		for i, st := range f.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(st))
		}
		conds = append(conds, `status IN (`+placeholders+`)`)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query(%q): %w", query, err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// GetEvents returns a run's events ordered by seq, optionally after a seq
// watermark and narrowed to specific types.
func (s *Store) GetEvents(ctx context.Context, runID string, afterSeq int64, types []string) ([]Event, error) {
	query := `SELECT seq, run_id, event_type, step_id, timestamp, data FROM flow_events WHERE run_id = ? AND seq > ?`
	args := []any{runID, afterSeq}
	if len(types) > 0 {
		placeholders := ""
		for i, t := range types {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, t)
		}
		query += ` AND event_type IN (` + placeholders + `)`
	}
	query += ` ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query(%q): %w", query, err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var ts, data string
		if err := rows.Scan(&ev.Seq, &ev.RunID, &ev.Type, &ev.StepID, &ts, &data); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("event %d timestamp: %w", ev.Seq, err)
		}
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, fmt.Errorf("event %d data: %w", ev.Seq, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetArtifacts returns a run's artifacts in insertion order.
func (s *Store) GetArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT artifact_id, run_id, kind, path, created_at, metadata FROM flow_artifacts WHERE run_id = ? ORDER BY artifact_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		var ts, meta string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &ts, &meta); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		a.CreatedAt, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("artifact %d timestamp: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, fmt.Errorf("artifact %d metadata: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status, createdAt, state string
	var startedAt, finishedAt sql.NullString
	err := row.Scan(&run.ID, &run.FlowType, &status, &createdAt, &startedAt, &finishedAt, &run.StepID, &state, &run.Error)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	run.Status = RunStatus(status)
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("run %s created_at: %w", run.ID, err)
	}
	if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("run %s started_at: %w", run.ID, err)
	}
	if run.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("run %s finished_at: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(state), &run.State); err != nil {
		return nil, fmt.Errorf("run %s state: %w", run.ID, err)
	}
	return &run, nil
}

// mergeState merges patch into base: maps merge recursively, everything else
// replaces. base is not modified.
func mergeState(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = mergeState(bm, pm)
			continue
		}
		out[k] = v
	}
	return out
}

// timeLayout pads fractional seconds so stored strings sort
// lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nowUTC() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timePtrString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
