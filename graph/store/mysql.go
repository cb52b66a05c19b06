package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a run history in MySQL or MariaDB, for sites where several
// submit hosts share one history.
//
// It uses the same schema as SQLiteStore.
type MySQLStore struct {
	sqlStore
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore connects using dsn and creates the tables if needed.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Keep credentials out of source code:
//
//	history, err := store.NewMySQLStore(os.Getenv("PIPEFLOW_HISTORY_DSN"))
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{sqlStore: sqlStore{
		db: db,
		upsertRun: `
			INSERT INTO pipeline_runs (run_id, status, started_at, finished_at, error)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				status = VALUES(status),
				started_at = VALUES(started_at),
				finished_at = VALUES(finished_at),
				error = VALUES(error)`,
	}}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL,
			error TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_runs_started (started_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS node_results (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			name VARCHAR(512) NOT NULL,
			state VARCHAR(32) NOT NULL,
			fingerprint CHAR(64) NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL,
			outputs JSON NOT NULL,
			failure JSON NULL,
			duration_ns BIGINT NOT NULL DEFAULT 0,
			UNIQUE KEY unique_run_node (run_id, name(191)),
			INDEX idx_nodes_fingerprint (fingerprint),
			CONSTRAINT fk_node_run FOREIGN KEY (run_id)
				REFERENCES pipeline_runs(run_id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns connection pool statistics.
func (m *MySQLStore) Stats() sql.DBStats {
	return m.db.Stats()
}
