package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"chaincore/internal/domain"
	"chaincore/internal/models"
)

func (db *DB) CreateSession(ctx context.Context, s *models.SyncSession) error {
	query := `INSERT INTO sync_sessions (id, branch_id, sync_type, since, status, records_processed,
                  records_total, error_message, created_at, updated_at, completed_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		s.ID,
		s.BranchID,
		string(s.EntityType),
		nullTime(s.Since),
		string(s.Status),
		s.RecordsProcessed,
		s.RecordsTotal,
		s.ErrorMessage,
		s.CreatedAt.UTC(),
		s.UpdatedAt.UTC(),
		nullTime(s.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync session: %w", err)
	}
	return nil
}

// UpdateSession only touches sessions that are still open, so two closers
// cannot both win.
func (db *DB) UpdateSession(ctx context.Context, s *models.SyncSession) error {
	query := `UPDATE sync_sessions SET status = ?, records_processed = ?, records_total = ?,
                  error_message = ?, updated_at = ?, completed_at = ?
              WHERE id = ? AND status NOT IN (?, ?)`
	res, err := db.ExecContext(ctx, query,
		string(s.Status),
		s.RecordsProcessed,
		s.RecordsTotal,
		s.ErrorMessage,
		s.UpdatedAt.UTC(),
		nullTime(s.CompletedAt),
		s.ID,
		string(models.SessionCompleted),
		string(models.SessionFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to update sync session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update sync session: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM sync_sessions WHERE id = ?`, s.ID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check sync session: %w", err)
	}
	return domain.ErrClosed
}

func (db *DB) GetSession(ctx context.Context, id string) (*models.SyncSession, error) {
	query := `SELECT id, branch_id, sync_type, since, status, records_processed, records_total,
                     error_message, created_at, updated_at, completed_at
              FROM sync_sessions WHERE id = ?`
	var (
		s                models.SyncSession
		entity, status   string
		since, completed sql.NullTime
	)
	err := db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.BranchID, &entity, &since, &status,
		&s.RecordsProcessed, &s.RecordsTotal, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync session: %w", err)
	}
	s.EntityType = models.EntityType(entity)
	s.Status = models.SessionStatus(status)
	s.Since = timePtr(since)
	s.CompletedAt = timePtr(completed)
	return &s, nil
}

// UpsertHealth keeps only the latest snapshot per branch.
func (db *DB) UpsertHealth(ctx context.Context, snap *models.HealthSnapshot) error {
	systemInfo, err := json.Marshal(orEmpty(snap.SystemInfo))
	if err != nil {
		return fmt.Errorf("failed to marshal system info: %w", err)
	}
	networkInfo, err := json.Marshal(orEmpty(snap.NetworkInfo))
	if err != nil {
		return fmt.Errorf("failed to marshal network info: %w", err)
	}

	query := `INSERT INTO branch_health (branch_id, status, system_info, network_info, reported_at)
              VALUES (?, ?, ?, ?, ?)
              ON CONFLICT(branch_id) DO UPDATE SET
                  status = excluded.status,
                  system_info = excluded.system_info,
                  network_info = excluded.network_info,
                  reported_at = excluded.reported_at`
	if _, err := db.ExecContext(ctx, query, snap.BranchID, snap.Status, string(systemInfo),
		string(networkInfo), snap.ReportedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert branch health: %w", err)
	}
	return nil
}

func (db *DB) GetHealth(ctx context.Context, branchID int64) (*models.HealthSnapshot, error) {
	query := `SELECT branch_id, status, system_info, network_info, reported_at
              FROM branch_health WHERE branch_id = ?`
	var (
		snap                    models.HealthSnapshot
		systemInfo, networkInfo string
	)
	err := db.QueryRowContext(ctx, query, branchID).Scan(&snap.BranchID, &snap.Status,
		&systemInfo, &networkInfo, &snap.ReportedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch health: %w", err)
	}
	if err := json.Unmarshal([]byte(systemInfo), &snap.SystemInfo); err != nil {
		return nil, fmt.Errorf("failed to decode system info: %w", err)
	}
	if err := json.Unmarshal([]byte(networkInfo), &snap.NetworkInfo); err != nil {
		return nil, fmt.Errorf("failed to decode network info: %w", err)
	}
	return &snap, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
