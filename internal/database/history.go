package database

import (
	"context"
	"database/sql"
	"fmt"

	"chaincore/internal/models"
)

func (db *DB) AppendHistory(ctx context.Context, entry *models.SyncHistoryEntry) error {
	query := `INSERT INTO sync_history (task_id, integration_type, entity_type, sync_status,
                  records_synced, error_message, started_at, completed_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		entry.TaskID,
		entry.IntegrationType,
		string(entry.EntityType),
		entry.SyncStatus,
		entry.RecordsSynced,
		entry.ErrorMessage,
		entry.StartedAt.UTC(),
		entry.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append sync history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListHistory returns the newest limit rows for a task, newest first.
func (db *DB) ListHistory(ctx context.Context, taskID string, limit int) ([]*models.SyncHistoryEntry, error) {
	if limit <= 0 {
		limit = models.DefaultHistoryLimit
	}
	query := `SELECT id, task_id, integration_type, entity_type, sync_status, records_synced,
                     error_message, started_at, completed_at
              FROM sync_history
              WHERE task_id = ?
              ORDER BY started_at DESC, id DESC
              LIMIT ?`
	rows, err := db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	defer rows.Close()

	var entries []*models.SyncHistoryEntry
	for rows.Next() {
		var (
			e      models.SyncHistoryEntry
			entity string
			errMsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.IntegrationType, &entity, &e.SyncStatus,
			&e.RecordsSynced, &errMsg, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		e.EntityType = models.EntityType(entity)
		if errMsg.Valid {
			msg := errMsg.String
			e.ErrorMessage = &msg
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
