package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/pipeflow/graph"
)

// sqlStore implements Store on database/sql. SQLiteStore and MySQLStore
// differ only in schema and in how a run row is upserted.
type sqlStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	closed    bool
	upsertRun string
}

// SaveRun writes the run and its nodes in one transaction. Saving a run ID
// again replaces its node rows.
func (s *sqlStore) SaveRun(ctx context.Context, report *graph.Report) error {
	if err := validateReport(report); err != nil {
		return err
	}
	rows := make([]nodeRow, len(report.Nodes))
	for i, n := range report.Nodes {
		row, err := toRow(n)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.upsertRun,
		report.RunID, string(report.Status), toNanos(report.StartedAt),
		toNanos(report.FinishedAt), report.Error,
	); err != nil {
		return fmt.Errorf("failed to save run %s: %w", report.RunID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM node_results WHERE run_id = ?", report.RunID); err != nil {
		return fmt.Errorf("failed to clear nodes of run %s: %w", report.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO node_results
			(run_id, name, state, fingerprint, work_dir, outputs, failure, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare node insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		var failure any
		if row.failure != nil {
			failure = string(row.failure)
		}
		if _, err := stmt.ExecContext(ctx,
			report.RunID, row.name, row.state, row.fingerprint, row.workDir,
			string(row.outputs), failure, row.durationNS,
		); err != nil {
			return fmt.Errorf("failed to save node %s of run %s: %w", row.name, report.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", report.RunID, err)
	}
	return nil
}

// LoadRun returns the report for runID with nodes in name order.
func (s *sqlStore) LoadRun(ctx context.Context, runID string) (*graph.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var (
		status            string
		started, finished int64
		runErr            string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT status, started_at, finished_at, error FROM pipeline_runs WHERE run_id = ?", runID,
	).Scan(&status, &started, &finished, &runErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	report := &graph.Report{
		RunID:      runID,
		Status:     graph.RunStatus(status),
		StartedAt:  fromNanos(started),
		FinishedAt: fromNanos(finished),
		Error:      runErr,
		Nodes:      []graph.NodeReport{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, state, fingerprint, work_dir, outputs, failure, duration_ns
		FROM node_results WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes of run %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		report.Nodes = append(report.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read nodes of run %s: %w", runID, err)
	}
	return report, nil
}

// ListRuns returns run summaries, newest first.
func (s *sqlStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := `
		SELECT r.run_id, r.status, r.started_at, r.finished_at,
			COUNT(n.name),
			COALESCE(SUM(CASE WHEN n.state = 'failed' THEN 1 ELSE 0 END), 0)
		FROM pipeline_runs r
		LEFT JOIN node_results n ON n.run_id = r.run_id
		GROUP BY r.run_id, r.status, r.started_at, r.finished_at
		ORDER BY r.started_at DESC, r.run_id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	out := []RunSummary{}
	for rows.Next() {
		var (
			sum               RunSummary
			status            string
			started, finished int64
		)
		if err := rows.Scan(&sum.RunID, &status, &started, &finished, &sum.Nodes, &sum.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		sum.Status = graph.RunStatus(status)
		sum.StartedAt = fromNanos(started)
		sum.FinishedAt = fromNanos(finished)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return out, nil
}

// FindByFingerprint returns the nodes recorded under fingerprint, newest run
// first.
func (s *sqlStore) FindByFingerprint(ctx context.Context, fingerprint string) ([]NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.finished_at,
			n.name, n.state, n.fingerprint, n.work_dir, n.outputs, n.failure, n.duration_ns
		FROM node_results n
		JOIN pipeline_runs r ON r.run_id = n.run_id
		WHERE n.fingerprint = ?
		ORDER BY r.finished_at DESC, r.run_id, n.name`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to query fingerprint: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var (
			rec      NodeRecord
			finished int64
			row      nodeRow
			failure  sql.NullString
			outputs  string
		)
		if err := rows.Scan(&rec.RunID, &finished,
			&row.name, &row.state, &row.fingerprint, &row.workDir, &outputs, &failure, &row.durationNS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan node record: %w", err)
		}
		row.outputs = []byte(outputs)
		if failure.Valid {
			row.failure = []byte(failure.String)
		}
		if rec.Node, err = row.report(); err != nil {
			return nil, err
		}
		rec.FinishedAt = fromNanos(finished)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query fingerprint: %w", err)
	}
	return out, nil
}

func scanNode(rows *sql.Rows) (graph.NodeReport, error) {
	var (
		row     nodeRow
		outputs string
		failure sql.NullString
	)
	if err := rows.Scan(&row.name, &row.state, &row.fingerprint, &row.workDir, &outputs, &failure, &row.durationNS); err != nil {
		return graph.NodeReport{}, fmt.Errorf("failed to scan node: %w", err)
	}
	row.outputs = []byte(outputs)
	if failure.Valid {
		row.failure = []byte(failure.String)
	}
	return row.report()
}

// Close closes the database. It is safe to call more than once.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *sqlStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}
