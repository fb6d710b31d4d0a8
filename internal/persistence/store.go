package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/apex/internal/domain"
)

// TaskStore is the single owner of task records. Every operation is atomic per
// task; callers never hold a *domain.Task across a suspension point and expect
// it to stay current.
type TaskStore interface {
	// Get returns a snapshot of the task. Missing tasks yield an error wrapping domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Task, error)

	// Put inserts or replaces the task including its stage records.
	Put(ctx context.Context, task *domain.Task) error

	// AppendStageRecord inserts or replaces one stage record of the task.
	AppendStageRecord(ctx context.Context, id string, rec domain.StageRecord) error

	// Update performs an atomic read-modify-write. fn receives a fresh snapshot;
	// if it returns an error nothing is written.
	Update(ctx context.Context, id string, fn func(*domain.Task) error) (*domain.Task, error)

	// List returns tasks in creation order.
	List(ctx context.Context, opts ListOptions) ([]*domain.Task, error)
}

// ListOptions filters List results.
type ListOptions struct {
	Statuses     []domain.TaskStatus // Empty means any status
	ParentTaskID string
}

// SQLiteStore implements TaskStore and the capacity usage ledger on SQLite.
type SQLiteStore struct {
	db *sql.DB
	// Serializes writers; readers share. Keeps shared-cache in-memory databases
	// free of table-lock errors.
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named database so parallel tests never share state.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:apex-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Two connections: readers can proceed while another reader holds one.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func persistErr(op, taskID string, err error) error {
	return &domain.PersistenceError{Op: op, TaskID: taskID, Err: err}
}
