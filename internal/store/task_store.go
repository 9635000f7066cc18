package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTaskNotFound is returned when a task id has no row.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore provides persistence for clip tasks.
type TaskStore struct {
	db *DB
}

// NewTaskStore creates a TaskStore backed by the given database.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

// Upsert inserts the task or refreshes its mutable fields. Task identity
// comes from the annotation tool, so the id is supplied, not generated.
func (s *TaskStore) Upsert(ctx context.Context, task *ClipTask) error {
	if task.CreatedAt == 0 {
		task.CreatedAt = time.Now().UnixNano()
	}
	if task.Status == "" {
		task.Status = TaskAssigned
	}
	if task.QCStatus == "" {
		task.QCStatus = QCPending
	}

	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO clip_tasks (
				task_id, project_id, name, annotator, status, qc_status, group_key, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				project_id = excluded.project_id,
				name = excluded.name,
				annotator = excluded.annotator,
				status = excluded.status,
				group_key = excluded.group_key`,
			task.TaskID, task.ProjectID, task.Name, task.Annotator,
			task.Status, task.QCStatus, task.GroupKey, task.CreatedAt,
		)
		return err
	})
}

// Get returns a task by id.
func (s *TaskStore) Get(ctx context.Context, taskID int64) (*ClipTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, project_id, name, annotator, status, qc_status, group_key, created_at
		FROM clip_tasks WHERE task_id = ?`, taskID)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrTaskNotFound)
	}
	return task, err
}

// SetStatus updates a task's lifecycle status.
func (s *TaskStore) SetStatus(ctx context.Context, taskID int64, status string) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE clip_tasks SET status = ? WHERE task_id = ?`, status, taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %d: %w", taskID, ErrTaskNotFound)
		}
		return nil
	})
}

// SetGroupQCStatus updates the qc status of every task in an overlap group.
func (s *TaskStore) SetGroupQCStatus(ctx context.Context, projectID int64, groupKey, qcStatus string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE clip_tasks SET qc_status = ? WHERE project_id = ? AND group_key = ?`,
			qcStatus, projectID, groupKey)
		return err
	})
}

// ListProjects returns the distinct project ids that have tasks, newest
// project first.
func (s *TaskStore) ListProjects(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT project_id FROM clip_tasks ORDER BY project_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		projects = append(projects, id)
	}
	return projects, rows.Err()
}

// ListByProject returns all tasks for a project in task id order.
func (s *TaskStore) ListByProject(ctx context.Context, projectID int64) ([]*ClipTask, error) {
	return s.list(ctx, `
		SELECT task_id, project_id, name, annotator, status, qc_status, group_key, created_at
		FROM clip_tasks WHERE project_id = ? ORDER BY task_id`, projectID)
}

// ListCompletedByProject returns a project's completed tasks in task id
// order. Only completed tasks participate in quality control.
func (s *TaskStore) ListCompletedByProject(ctx context.Context, projectID int64) ([]*ClipTask, error) {
	return s.list(ctx, `
		SELECT task_id, project_id, name, annotator, status, qc_status, group_key, created_at
		FROM clip_tasks WHERE project_id = ? AND status = ? ORDER BY task_id`,
		projectID, TaskCompleted)
}

func (s *TaskStore) list(ctx context.Context, query string, args ...any) ([]*ClipTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*ClipTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ClipTask, error) {
	var t ClipTask
	err := row.Scan(&t.TaskID, &t.ProjectID, &t.Name, &t.Annotator,
		&t.Status, &t.QCStatus, &t.GroupKey, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
