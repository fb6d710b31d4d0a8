package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/apex/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id, workflow_name, parent_task_id, branch_name, workspace_path, status, usage, error, created_at, updated_at`

// Get retrieves a task by ID, including its stage records.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, err := loadTask(ctx, s.db, id)
	if err != nil {
		return nil, persistErr("get", id, err)
	}
	return task, nil
}

// Put saves or replaces a task and all of its stage records.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) Put(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return persistErr("put", task.ID, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := saveTask(ctx, tx, task); err != nil {
		return persistErr("put", task.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return persistErr("put", task.ID, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// AppendStageRecord upserts a single stage record and bumps the task's updated_at.
func (s *SQLiteStore) AppendStageRecord(ctx context.Context, id string, rec domain.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return persistErr("append stage record", id, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, toNanos(time.Now()), id)
	if err != nil {
		return persistErr("append stage record", id, fmt.Errorf("failed to touch task: %w", err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return persistErr("append stage record", id, fmt.Errorf("failed to get rows affected: %w", err))
	}
	if rows == 0 {
		return persistErr("append stage record", id, fmt.Errorf("task %s: %w", id, domain.ErrNotFound))
	}

	if err := saveStageRecord(ctx, tx, id, rec); err != nil {
		return persistErr("append stage record", id, err)
	}

	if err := tx.Commit(); err != nil {
		return persistErr("append stage record", id, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Update loads the task, applies fn and writes the result back inside one
// transaction. An error from fn aborts the update and is returned unwrapped.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*domain.Task) error) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, persistErr("update", id, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	task, err := loadTask(ctx, tx, id)
	if err != nil {
		return nil, persistErr("update", id, err)
	}

	if err := fn(task); err != nil {
		return nil, err
	}
	if task.ID != id {
		return nil, persistErr("update", id, fmt.Errorf("task ID changed to %s", task.ID))
	}

	if err := saveTask(ctx, tx, task); err != nil {
		return nil, persistErr("update", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistErr("update", id, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return task.Clone(), nil
}

// List returns tasks matching opts, oldest first.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if len(opts.Statuses) > 0 {
		marks := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if opts.ParentTaskID != "" {
		where = append(where, "parent_task_id = ?")
		args = append(args, opts.ParentTaskID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list", "", fmt.Errorf("failed to query tasks: %w", err))
	}

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, persistErr("list", "", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, persistErr("list", "", fmt.Errorf("error iterating tasks: %w", err))
	}
	rows.Close()

	// Stage records are loaded after the task cursor is closed so no two
	// result sets are open at once.
	for _, task := range tasks {
		if err := loadStageRecords(ctx, s.db, task); err != nil {
			return nil, persistErr("list", task.ID, err)
		}
	}

	return tasks, nil
}

func loadTask(ctx context.Context, q querier, id string) (*domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := loadStageRecords(ctx, q, task); err != nil {
		return nil, err
	}
	return task, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		task               domain.Task
		status             string
		createdAt, updated int64
	)
	err := row.Scan(&task.ID, &task.WorkflowName, &task.ParentTaskID, &task.BranchName,
		&task.WorkspacePath, &status, &task.Usage, &task.Error, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	task.Status = domain.TaskStatus(status)
	task.CreatedAt = fromNanos(createdAt)
	task.UpdatedAt = fromNanos(updated)
	task.StageRecords = make(map[string]domain.StageRecord)
	return &task, nil
}

func loadStageRecords(ctx context.Context, q querier, task *domain.Task) error {
	rows, err := q.QueryContext(ctx, `
		SELECT stage_name, agent, status, started_at, completed_at, error, usage
		FROM stage_records
		WHERE task_id = ?
	`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to query stage records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                  domain.StageRecord
			status               string
			startedAt, completed int64
		)
		if err := rows.Scan(&rec.StageName, &rec.Agent, &status, &startedAt, &completed, &rec.Error, &rec.Usage); err != nil {
			return fmt.Errorf("failed to scan stage record: %w", err)
		}
		rec.Status = domain.StageStatus(status)
		rec.StartedAt = fromNanos(startedAt)
		rec.CompletedAt = fromNanos(completed)
		task.StageRecords[rec.StageName] = rec
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating stage records: %w", err)
	}
	return nil
}

func saveTask(ctx context.Context, q querier, task *domain.Task) error {
	if task.ID == "" {
		return errors.New("task ID is empty")
	}
	if !task.Status.IsValid() {
		return fmt.Errorf("invalid task status %q", task.Status)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			parent_task_id = excluded.parent_task_id,
			branch_name = excluded.branch_name,
			workspace_path = excluded.workspace_path,
			status = excluded.status,
			usage = excluded.usage,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, task.ID, task.WorkflowName, task.ParentTaskID, task.BranchName, task.WorkspacePath,
		string(task.Status), task.Usage, task.Error, toNanos(task.CreatedAt), toNanos(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	// Replace stage records wholesale
	if _, err := q.ExecContext(ctx, `DELETE FROM stage_records WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old stage records: %w", err)
	}
	for _, rec := range task.StageRecords {
		if err := saveStageRecord(ctx, q, task.ID, rec); err != nil {
			return err
		}
	}
	return nil
}

func saveStageRecord(ctx context.Context, q querier, taskID string, rec domain.StageRecord) error {
	if rec.StageName == "" {
		return errors.New("stage record has no stage name")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO stage_records (task_id, stage_name, agent, status, started_at, completed_at, error, usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, stage_name) DO UPDATE SET
			agent = excluded.agent,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			usage = excluded.usage
	`, taskID, rec.StageName, rec.Agent, string(rec.Status), toNanos(rec.StartedAt),
		toNanos(rec.CompletedAt), rec.Error, rec.Usage)
	if err != nil {
		return fmt.Errorf("failed to upsert stage record %s/%s: %w", taskID, rec.StageName, err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
