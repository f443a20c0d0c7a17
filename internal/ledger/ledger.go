// Package ledger records run and task history in a SQLite database. The
// ledger backs the end-of-run failure diagnostic and lets a user inspect
// what happened in past runs without trawling logs.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger is a run/task history store backed by SQLite.
type Ledger struct {
	db *sql.DB
}

// RunRecord is one pipeline run.
type RunRecord struct {
	ID       string
	Pipeline string
	Status   string
	Started  time.Time
	Finished time.Time
}

// TaskRecord is one task instance of a run.
type TaskRecord struct {
	RunID      string
	Stage      string
	Index      int
	Key        string
	State      string
	ExitCode   int
	Attempts   int
	WorkDir    string
	StderrTail string
}

// Open opens (creating if needed) the ledger database at path and ensures
// its schema exists.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}
	return l, nil
}

// Close releases the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			pipeline    TEXT NOT NULL,
			status      TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT
		);
		CREATE TABLE IF NOT EXISTS tasks (
			run_id      TEXT NOT NULL,
			stage       TEXT NOT NULL,
			idx         INTEGER NOT NULL,
			key         TEXT NOT NULL,
			state       TEXT NOT NULL,
			exit_code   INTEGER NOT NULL DEFAULT 0,
			attempts    INTEGER NOT NULL DEFAULT 0,
			workdir     TEXT NOT NULL,
			stderr_tail TEXT NOT NULL DEFAULT '',
			started_at  TEXT NOT NULL,
			finished_at TEXT,
			PRIMARY KEY (run_id, stage, idx)
		);`,
	)
	return err
}

// RunStarted records the beginning of a run.
func (l *Ledger) RunStarted(runID, pipeline string) error {
	_, err := l.db.Exec(
		`INSERT INTO runs (id, pipeline, status, started_at) VALUES (?, ?, 'running', ?)`,
		runID, pipeline, now())
	return err
}

// RunFinished records a run's terminal status.
func (l *Ledger) RunFinished(runID, status string) error {
	_, err := l.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, now(), runID)
	return err
}

// TaskStarted records a task instance entering execution.
func (l *Ledger) TaskStarted(runID, stage string, index int, key, workdir string) error {
	_, err := l.db.Exec(
		`INSERT INTO tasks (run_id, stage, idx, key, state, workdir, started_at)
		 VALUES (?, ?, ?, ?, 'running', ?, ?)`,
		runID, stage, index, key, workdir, now())
	return err
}

// TaskFinished records a task instance's terminal state.
func (l *Ledger) TaskFinished(runID, stage string, index int, state string, exitCode, attempts int, stderrTail string) error {
	_, err := l.db.Exec(
		`UPDATE tasks
		 SET state = ?, exit_code = ?, attempts = ?, stderr_tail = ?, finished_at = ?
		 WHERE run_id = ? AND stage = ? AND idx = ?`,
		state, exitCode, attempts, stderrTail, now(), runID, stage, index)
	return err
}

// Run returns one run by id.
func (l *Ledger) Run(runID string) (*RunRecord, error) {
	row := l.db.QueryRow(
		`SELECT id, pipeline, status, started_at, COALESCE(finished_at, '') FROM runs WHERE id = ?`,
		runID)

	var rec RunRecord
	var started, finished string
	if err := row.Scan(&rec.ID, &rec.Pipeline, &rec.Status, &started, &finished); err != nil {
		return nil, err
	}
	rec.Started, _ = time.Parse(time.RFC3339, started)
	if finished != "" {
		rec.Finished, _ = time.Parse(time.RFC3339, finished)
	}
	return &rec, nil
}

// Tasks returns every task recorded for a run, ordered by stage and index.
func (l *Ledger) Tasks(runID string) ([]*TaskRecord, error) {
	rows, err := l.db.Query(
		`SELECT run_id, stage, idx, key, state, exit_code, attempts, workdir, stderr_tail
		 FROM tasks WHERE run_id = ? ORDER BY stage, idx`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Index, &rec.Key, &rec.State,
			&rec.ExitCode, &rec.Attempts, &rec.WorkDir, &rec.StderrTail); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
