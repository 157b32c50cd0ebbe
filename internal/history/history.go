// Package history archives finished distribution runs in SQLite so past
// outcomes can be listed after the progress snapshot has been reset.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned by Get for unknown run ids.
var ErrRunNotFound = errors.New("history: run not found")

// Run is the archived outcome of one distribution run.
type Run struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Total      int             `json:"total"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	Pending    int             `json:"pending"`
	Batches    int             `json:"batches"`
	Aborted    bool            `json:"aborted"`
	Reason     string          `json:"reason,omitempty"`
	Features   []FeatureRecord `json:"features,omitempty"`
}

// Duration is the wall time of the run.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FeatureRecord is the final state of one feature within a run.
type FeatureRecord struct {
	FeatureID  string        `json:"featureId"`
	Capability string        `json:"capability,omitempty"`
	Status     string        `json:"status"`
	WorkerID   string        `json:"workerId,omitempty"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Recorder accepts finished runs.
type Recorder interface {
	Record(ctx context.Context, run Run) error
}

// Store is a SQLite-backed Recorder.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}
	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			total       INTEGER NOT NULL,
			successful  INTEGER NOT NULL,
			failed      INTEGER NOT NULL,
			pending     INTEGER NOT NULL DEFAULT 0,
			batches     INTEGER NOT NULL DEFAULT 0,
			aborted     BOOLEAN NOT NULL DEFAULT 0,
			reason      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS run_features (
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position    INTEGER NOT NULL,
			feature_id  TEXT NOT NULL,
			capability  TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			worker_id   TEXT NOT NULL DEFAULT '',
			attempts    INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, feature_id)
		)`,
	}
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record stores run, replacing an earlier record with the same id. Resumed
// runs keep their id, so the archive holds the latest outcome.
func (s *Store) Record(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("history: run id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("history: replace run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, total, successful, failed, pending, batches, aborted, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		run.Total, run.Successful, run.Failed, run.Pending, run.Batches, run.Aborted, run.Reason,
	); err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}
	for i, f := range run.Features {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_features (run_id, position, feature_id, capability, status, worker_id, attempts, error, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, f.FeatureID, f.Capability, f.Status, f.WorkerID, f.Attempts, f.Error, f.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("history: insert feature %s: %w", f.FeatureID, err)
		}
	}
	return tx.Commit()
}

// List returns up to limit runs, newest first, without feature detail. A
// limit of zero or less returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, started_at, finished_at, total, successful, failed, pending, batches, aborted, reason
		FROM runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns one run including its features.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, total, successful, failed, pending, batches, aborted, reason
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT feature_id, capability, status, worker_id, attempts, error, duration_ms
		 FROM run_features WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return Run{}, fmt.Errorf("history: list features: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			f          FeatureRecord
			durationMs int64
		)
		if err := rows.Scan(&f.FeatureID, &f.Capability, &f.Status, &f.WorkerID, &f.Attempts, &f.Error, &durationMs); err != nil {
			return Run{}, fmt.Errorf("history: scan feature: %w", err)
		}
		f.Duration = time.Duration(durationMs) * time.Millisecond
		run.Features = append(run.Features, f)
	}
	return run, rows.Err()
}

// Prune keeps the newest keep runs and deletes the rest.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run               Run
		started, finished int64
	)
	if err := row.Scan(&run.ID, &started, &finished, &run.Total, &run.Successful, &run.Failed,
		&run.Pending, &run.Batches, &run.Aborted, &run.Reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("history: scan run: %w", err)
	}
	run.StartedAt = time.UnixMilli(started).UTC()
	run.FinishedAt = time.UnixMilli(finished).UTC()
	return run, nil
}
