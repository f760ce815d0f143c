package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chaincore/internal/models"
)

const taskColumns = `id, task_type, branch_id, schedule_type, interval_seconds, cron_expression,
              is_active, priority, status, last_run, next_run`

func (db *DB) ListTasks(ctx context.Context) ([]*models.SyncTask, error) {
	query := `SELECT ` + taskColumns + ` FROM sync_tasks ORDER BY priority ASC, id ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.SyncTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync tasks: %w", err)
	}
	return tasks, nil
}

func (db *DB) GetTask(ctx context.Context, id string) (*models.SyncTask, error) {
	query := `SELECT ` + taskColumns + ` FROM sync_tasks WHERE id = ?`
	task, err := scanTask(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return task, err
}

// SaveTask inserts the task or overwrites every mutable column of an existing row.
func (db *DB) SaveTask(ctx context.Context, task *models.SyncTask) error {
	query := `INSERT INTO sync_tasks (` + taskColumns + `, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                  task_type = excluded.task_type,
                  branch_id = excluded.branch_id,
                  schedule_type = excluded.schedule_type,
                  interval_seconds = excluded.interval_seconds,
                  cron_expression = excluded.cron_expression,
                  is_active = excluded.is_active,
                  priority = excluded.priority,
                  status = excluded.status,
                  last_run = excluded.last_run,
                  next_run = excluded.next_run,
                  updated_at = excluded.updated_at`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		task.ID,
		string(task.EntityType),
		nullInt64(task.BranchID),
		string(task.ScheduleKind),
		task.IntervalSeconds,
		task.CronExpression,
		task.IsActive,
		task.Priority,
		string(task.Status),
		nullTime(task.LastRun),
		nullTime(task.NextRun),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save sync task %s: %w", task.ID, err)
	}
	return nil
}

func (db *DB) DeleteTask(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete sync task %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.SyncTask, error) {
	var (
		t                    models.SyncTask
		entity, kind, status string
		branchID             sql.NullInt64
		lastRun, nextRun     sql.NullTime
	)
	err := row.Scan(
		&t.ID, &entity, &branchID, &kind, &t.IntervalSeconds, &t.CronExpression,
		&t.IsActive, &t.Priority, &status, &lastRun, &nextRun,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync task: %w", err)
	}
	t.EntityType = models.EntityType(entity)
	t.ScheduleKind = models.ScheduleKind(kind)
	t.Status = models.TaskStatus(status)
	t.BranchID = int64Ptr(branchID)
	t.LastRun = timePtr(lastRun)
	t.NextRun = timePtr(nextRun)
	return &t, nil
}
