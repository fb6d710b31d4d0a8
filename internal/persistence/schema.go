package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as unix nanoseconds; zero means unset.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		parent_task_id TEXT NOT NULL DEFAULT '',
		branch_name TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		usage REAL NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

	CREATE TABLE IF NOT EXISTS stage_records (
		task_id TEXT NOT NULL,
		stage_name TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		usage REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, stage_name),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS usage_ledger (
		day TEXT PRIMARY KEY,
		used REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
