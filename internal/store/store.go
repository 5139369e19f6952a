package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the TaskStore backed by PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ TaskStore = (*Postgres)(nil)

// New establishes a connection pool and ensures the schema is initialized.
// maxConns <= 0 keeps the pgxpool default.
func New(ctx context.Context, connString string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// initSchema creates the task tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS tasks (
			id UUID PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'in_progress'
				CHECK (status IN ('in_progress', 'done', 'error')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			result_path TEXT,
			owner_id TEXT
		);
		CREATE TABLE IF NOT EXISTS reference_images (
			id BIGSERIAL PRIMARY KEY,
			task_id UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			location TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS reference_images_task_id_idx ON reference_images (task_id);
		CREATE INDEX IF NOT EXISTS tasks_created_at_idx ON tasks (created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Postgres) Close() {
	s.pool.Close()
}

// CreateTask inserts a new in_progress task and returns its id.
func (s *Postgres) CreateTask(ctx context.Context, ownerID string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		"INSERT INTO tasks (id, status, owner_id) VALUES ($1, $2, NULLIF($3, ''))",
		id, StatusInProgress, ownerID)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	return id, nil
}

// RecordReferenceImage stores the metadata of one uploaded reference face.
func (s *Postgres) RecordReferenceImage(ctx context.Context, taskID, location, name string) (string, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return "", ErrTaskNotFound
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		"INSERT INTO reference_images (task_id, location, name) VALUES ($1, $2, $3) RETURNING id",
		taskID, location, name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to record reference image: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// ListReferenceImages returns the task's images in submission order.
func (s *Postgres) ListReferenceImages(ctx context.Context, taskID string) ([]ReferenceImage, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, ErrTaskNotFound
	}

	rows, err := s.pool.Query(ctx,
		"SELECT id, task_id::text, location, name FROM reference_images WHERE task_id = $1 ORDER BY id",
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []ReferenceImage
	for rows.Next() {
		var img ReferenceImage
		var id int64
		if err := rows.Scan(&id, &img.TaskID, &img.Location, &img.Name); err != nil {
			return nil, err
		}
		img.ID = strconv.FormatInt(id, 10)
		images = append(images, img)
	}
	return images, rows.Err()
}

// SetTerminalStatus moves an in_progress task to done or error exactly once.
func (s *Postgres) SetTerminalStatus(ctx context.Context, taskID string, status Status, resultPath string) error {
	if !status.Terminal() {
		return ErrInvalidStatus
	}
	if _, err := uuid.Parse(taskID); err != nil {
		return ErrTaskNotFound
	}
	if status != StatusDone {
		resultPath = ""
	}

	// The status guard makes the transition single-shot even with concurrent writers
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, result_path = NULLIF($3, '')
		WHERE id = $1 AND status = 'in_progress'
	`, taskID, status, resultPath)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return ErrTaskFinished
}

// GetTask fetches a task by id.
func (s *Postgres) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, ErrTaskNotFound
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id::text, status, created_at, COALESCE(result_path, ''), COALESCE(owner_id, '')
		FROM tasks WHERE id = $1
	`, taskID)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns the most recent tasks first.
func (s *Postgres) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, status, created_at, COALESCE(result_path, ''), COALESCE(owner_id, '')
		FROM tasks ORDER BY created_at DESC, id LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var status string
	if err := row.Scan(&t.ID, &status, &t.CreatedAt, &t.ResultPath, &t.OwnerID); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	return &t, nil
}

// Reset drops all application tables to clear the database state.
// The next New call recreates them.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS reference_images CASCADE;
		DROP TABLE IF EXISTS tasks CASCADE;
	`)
	return err
}
