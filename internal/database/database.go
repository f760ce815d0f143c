package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chaincore/internal/domain"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = domain.ErrNotFound

// DB is the chain-core store: sync tasks, history, branch registry, protocol
// sessions and the slice of catalog the sync handlers reconcile.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		// Создаем директорию для БД, если её нет
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty in-memory database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: db, logger: logger}, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_tasks (
            id TEXT PRIMARY KEY,
            task_type TEXT NOT NULL,
            branch_id INTEGER,
            schedule_type TEXT NOT NULL DEFAULT 'interval',
            interval_seconds INTEGER NOT NULL DEFAULT 0,
            cron_expression TEXT NOT NULL DEFAULT '',
            is_active BOOLEAN NOT NULL DEFAULT 1,
            priority INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'idle',
            last_run DATETIME,
            next_run DATETIME,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS sync_history (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_id TEXT NOT NULL,
            integration_type TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            sync_status TEXT NOT NULL,
            records_synced INTEGER NOT NULL DEFAULT 0,
            error_message TEXT,
            started_at DATETIME NOT NULL,
            completed_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS branch_servers (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            branch_id INTEGER UNIQUE NOT NULL,
            ip_address TEXT NOT NULL,
            vpn_ip_address TEXT NOT NULL DEFAULT '',
            public_ip_address TEXT NOT NULL DEFAULT '',
            api_port INTEGER NOT NULL DEFAULT 80,
            api_key TEXT NOT NULL DEFAULT '',
            network_type TEXT NOT NULL DEFAULT 'lan',
            status TEXT NOT NULL DEFAULT 'offline',
            is_active BOOLEAN NOT NULL DEFAULT 1,
            last_response_time_ms INTEGER,
            last_ping_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS connection_health_logs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            source TEXT NOT NULL,
            target TEXT NOT NULL,
            branch_id INTEGER NOT NULL,
            endpoint TEXT NOT NULL,
            status TEXT NOT NULL,
            response_time_ms INTEGER NOT NULL DEFAULT 0,
            error_message TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_sessions (
            id TEXT PRIMARY KEY,
            branch_id INTEGER NOT NULL,
            sync_type TEXT NOT NULL,
            since DATETIME,
            status TEXT NOT NULL,
            records_processed INTEGER NOT NULL DEFAULT 0,
            records_total INTEGER NOT NULL DEFAULT 0,
            error_message TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            completed_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS branch_health (
            branch_id INTEGER PRIMARY KEY,
            status TEXT NOT NULL,
            system_info TEXT NOT NULL DEFAULT '{}',
            network_info TEXT NOT NULL DEFAULT '{}',
            reported_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS products (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            sku TEXT UNIQUE NOT NULL,
            name TEXT NOT NULL,
            price REAL NOT NULL DEFAULT 0,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            updated_at DATETIME NOT NULL,
            synced_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS inventory (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            branch_id INTEGER NOT NULL,
            product_id INTEGER NOT NULL,
            quantity REAL NOT NULL DEFAULT 0,
            last_updated DATETIME NOT NULL,
            UNIQUE(branch_id, product_id)
        )`,
		`CREATE TABLE IF NOT EXISTS transactions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            branch_id INTEGER NOT NULL,
            external_id TEXT NOT NULL,
            total REAL NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            received_at DATETIME NOT NULL,
            UNIQUE(branch_id, external_id)
        )`,
		`CREATE TABLE IF NOT EXISTS employees (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            branch_id INTEGER NOT NULL,
            external_id TEXT NOT NULL,
            full_name TEXT NOT NULL,
            role TEXT NOT NULL DEFAULT '',
            is_active BOOLEAN NOT NULL DEFAULT 1,
            updated_at DATETIME NOT NULL,
            synced_at DATETIME,
            UNIQUE(branch_id, external_id)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_sync_tasks_active ON sync_tasks(is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_history_task ON sync_history(task_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_health_logs_branch ON connection_health_logs(branch_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_sessions_branch ON sync_sessions(branch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_inventory_last_updated ON inventory(last_updated)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_branch_created ON transactions(branch_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction, committing only when fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
