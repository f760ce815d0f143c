package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chaincore/internal/models"
)

const branchColumns = `id, branch_id, ip_address, vpn_ip_address, public_ip_address, api_port, api_key,
              network_type, status, is_active, last_response_time_ms, last_ping_at`

// GetBranchServer returns the active server record of a branch.
func (db *DB) GetBranchServer(ctx context.Context, branchID int64) (*models.BranchServer, error) {
	query := `SELECT ` + branchColumns + ` FROM branch_servers WHERE branch_id = ? AND is_active = 1`
	server, err := scanBranch(db.QueryRowContext(ctx, query, branchID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return server, err
}

func (db *DB) ListActiveBranchServers(ctx context.Context) ([]*models.BranchServer, error) {
	query := `SELECT ` + branchColumns + ` FROM branch_servers WHERE is_active = 1 ORDER BY branch_id`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list branch servers: %w", err)
	}
	defer rows.Close()

	var servers []*models.BranchServer
	for rows.Next() {
		s, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// UpsertBranchServer registers or replaces a branch's network record.
func (db *DB) UpsertBranchServer(ctx context.Context, s *models.BranchServer) error {
	query := `INSERT INTO branch_servers (branch_id, ip_address, vpn_ip_address, public_ip_address,
                  api_port, api_key, network_type, status, is_active)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(branch_id) DO UPDATE SET
                  ip_address = excluded.ip_address,
                  vpn_ip_address = excluded.vpn_ip_address,
                  public_ip_address = excluded.public_ip_address,
                  api_port = excluded.api_port,
                  api_key = excluded.api_key,
                  network_type = excluded.network_type,
                  status = excluded.status,
                  is_active = excluded.is_active
              RETURNING id`
	err := db.QueryRowContext(ctx, query,
		s.BranchID,
		s.IPAddress,
		s.VPNAddress,
		s.PublicAddress,
		s.APIPort,
		s.APIKey,
		s.NetworkType,
		s.Status,
		s.IsActive,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert branch server %d: %w", s.BranchID, err)
	}
	return nil
}

// TouchBranchServer records the latency and time of the last answered call.
func (db *DB) TouchBranchServer(ctx context.Context, branchID, responseTimeMs int64, at time.Time) error {
	query := `UPDATE branch_servers SET last_response_time_ms = ?, last_ping_at = ? WHERE branch_id = ?`
	if _, err := db.ExecContext(ctx, query, responseTimeMs, at.UTC(), branchID); err != nil {
		return fmt.Errorf("failed to touch branch server %d: %w", branchID, err)
	}
	return nil
}

func (db *DB) SetBranchStatus(ctx context.Context, branchID int64, status string) error {
	res, err := db.ExecContext(ctx, `UPDATE branch_servers SET status = ? WHERE branch_id = ?`, status, branchID)
	if err != nil {
		return fmt.Errorf("failed to set branch %d status: %w", branchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) AppendHealthLog(ctx context.Context, entry *models.ConnectionHealthLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	query := `INSERT INTO connection_health_logs (source, target, branch_id, endpoint, status,
                  response_time_ms, error_message, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		entry.Source,
		entry.Target,
		entry.BranchID,
		entry.Endpoint,
		entry.Status,
		entry.ResponseTimeMs,
		entry.ErrorMessage,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append health log: %w", err)
	}
	entry.ID, _ = result.LastInsertId()
	return nil
}

// RecentHealthLogs returns the newest log rows of a branch.
func (db *DB) RecentHealthLogs(ctx context.Context, branchID int64, limit int) ([]*models.ConnectionHealthLog, error) {
	query := `SELECT id, source, target, branch_id, endpoint, status, response_time_ms, error_message, created_at
              FROM connection_health_logs WHERE branch_id = ?
              ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list health logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.ConnectionHealthLog
	for rows.Next() {
		var l models.ConnectionHealthLog
		if err := rows.Scan(&l.ID, &l.Source, &l.Target, &l.BranchID, &l.Endpoint, &l.Status,
			&l.ResponseTimeMs, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan health log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func scanBranch(row rowScanner) (*models.BranchServer, error) {
	var (
		s        models.BranchServer
		respTime sql.NullInt64
		lastPing sql.NullTime
	)
	err := row.Scan(&s.ID, &s.BranchID, &s.IPAddress, &s.VPNAddress, &s.PublicAddress, &s.APIPort,
		&s.APIKey, &s.NetworkType, &s.Status, &s.IsActive, &respTime, &lastPing)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan branch server: %w", err)
	}
	s.LastResponseTimeMs = int64Ptr(respTime)
	s.LastPingAt = timePtr(lastPing)
	return &s, nil
}
