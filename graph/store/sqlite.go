package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a run history in a single SQLite file.
//
// It suits a workstation or a single submit host: zero setup, one writer,
// WAL mode so `pipeflow history` can read while a run is writing.
//
// Schema:
//   - pipeline_runs: one row per run
//   - node_results: one row per node per run, indexed by fingerprint
type SQLiteStore struct {
	sqlStore
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at path. Use ":memory:" for
// a throwaway database.
//
// Example:
//
//	history, err := store.NewSQLiteStore("./pipeflow.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer history.Close()
//	exec, _ := graph.NewExecutor(b, cache, graph.WithRecorder(history))
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: sqlStore{
			db: db,
			upsertRun: `
				INSERT INTO pipeline_runs (run_id, status, started_at, finished_at, error)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(run_id) DO UPDATE SET
					status = excluded.status,
					started_at = excluded.started_at,
					finished_at = excluded.finished_at,
					error = excluded.error`,
		},
		path: path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON pipeline_runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS node_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES pipeline_runs(run_id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL DEFAULT '',
			outputs TEXT NOT NULL,
			failure TEXT,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			UNIQUE(run_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_fingerprint ON node_results(fingerprint)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}
