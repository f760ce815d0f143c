package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chaincore/internal/models"
)

// UpsertProducts writes products keyed by SKU. Every written row loses its
// synced_at stamp so the products task pushes it out again.
func (db *DB) UpsertProducts(ctx context.Context, products []*models.Product) (int, error) {
	query := `INSERT INTO products (sku, name, price, is_active, updated_at, synced_at)
              VALUES (?, ?, ?, ?, ?, NULL)
              ON CONFLICT(sku) DO UPDATE SET
                  name = excluded.name,
                  price = excluded.price,
                  is_active = excluded.is_active,
                  updated_at = excluded.updated_at,
                  synced_at = NULL
              RETURNING id`
	now := time.Now().UTC()
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare product upsert: %w", err)
		}
		defer stmt.Close()

		for _, p := range products {
			if err := stmt.QueryRowContext(ctx, p.SKU, p.Name, p.Price, p.IsActive, now).Scan(&p.ID); err != nil {
				return fmt.Errorf("failed to upsert product %s: %w", p.SKU, err)
			}
			p.UpdatedAt = now
			p.SyncedAt = nil
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(products), nil
}

// PendingProducts returns products changed since they were last pushed to branches.
func (db *DB) PendingProducts(ctx context.Context) ([]*models.Product, error) {
	query := `SELECT id, sku, name, price, is_active, updated_at, synced_at
              FROM products
              WHERE synced_at IS NULL OR updated_at > synced_at
              ORDER BY id`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending products: %w", err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		var (
			p        models.Product
			syncedAt sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.IsActive, &p.UpdatedAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		p.SyncedAt = timePtr(syncedAt)
		products = append(products, &p)
	}
	return products, rows.Err()
}

// MarkProductsSynced stamps rows that are unchanged since they were read.
// It returns how many rows were stamped.
func (db *DB) MarkProductsSynced(ctx context.Context, rows []models.RowVersion, at time.Time) (int, error) {
	return db.markSynced(ctx, "products", rows, at)
}

// UpsertInventory writes stock levels keyed by (branch, product) and stamps them fresh.
func (db *DB) UpsertInventory(ctx context.Context, items []*models.InventoryItem) (int, error) {
	query := `INSERT INTO inventory (branch_id, product_id, quantity, last_updated)
              VALUES (?, ?, ?, ?)
              ON CONFLICT(branch_id, product_id) DO UPDATE SET
                  quantity = excluded.quantity,
                  last_updated = excluded.last_updated
              RETURNING id`
	now := time.Now().UTC()
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare inventory upsert: %w", err)
		}
		defer stmt.Close()

		for _, it := range items {
			ts := it.LastUpdated
			if ts.IsZero() {
				ts = now
			}
			if err := stmt.QueryRowContext(ctx, it.BranchID, it.ProductID, it.Quantity, ts.UTC()).Scan(&it.ID); err != nil {
				return fmt.Errorf("failed to upsert inventory %d/%d: %w", it.BranchID, it.ProductID, err)
			}
			it.LastUpdated = ts
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// StaleInventory returns rows last updated before olderThan, optionally for one branch.
func (db *DB) StaleInventory(ctx context.Context, olderThan time.Time, branchID *int64) ([]*models.InventoryItem, error) {
	query := `SELECT id, branch_id, product_id, quantity, last_updated FROM inventory WHERE last_updated < ?`
	args := []interface{}{olderThan.UTC()}
	if branchID != nil {
		query += ` AND branch_id = ?`
		args = append(args, *branchID)
	}
	query += ` ORDER BY branch_id, product_id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale inventory: %w", err)
	}
	defer rows.Close()

	var items []*models.InventoryItem
	for rows.Next() {
		var it models.InventoryItem
		if err := rows.Scan(&it.ID, &it.BranchID, &it.ProductID, &it.Quantity, &it.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan inventory: %w", err)
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

// TouchInventory applies the given quantities and stamps the rows with at.
func (db *DB) TouchInventory(ctx context.Context, items []*models.InventoryItem, at time.Time) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE inventory SET quantity = ?, last_updated = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare inventory touch: %w", err)
		}
		defer stmt.Close()

		for _, it := range items {
			if _, err := stmt.ExecContext(ctx, it.Quantity, at.UTC(), it.ID); err != nil {
				return fmt.Errorf("failed to touch inventory %d: %w", it.ID, err)
			}
			it.LastUpdated = at
		}
		return nil
	})
}

// UpsertTransactions stores transactions pulled from branches. Re-delivered rows
// are ignored, so the returned count is the number of new rows.
func (db *DB) UpsertTransactions(ctx context.Context, txs []*models.Transaction) (int, error) {
	query := `INSERT INTO transactions (branch_id, external_id, total, created_at, received_at)
              VALUES (?, ?, ?, ?, ?)
              ON CONFLICT(branch_id, external_id) DO NOTHING`
	now := time.Now().UTC()
	inserted := 0
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare transaction insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range txs {
			res, err := stmt.ExecContext(ctx, t.BranchID, t.ExternalID, t.Total, t.CreatedAt.UTC(), now)
			if err != nil {
				return fmt.Errorf("failed to insert transaction %s: %w", t.ExternalID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
			t.ReceivedAt = now
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// LatestTransactionTime returns the creation time of the newest stored
// transaction of a branch, or nil when none were received yet.
func (db *DB) LatestTransactionTime(ctx context.Context, branchID int64) (*time.Time, error) {
	var latest sql.NullString
	err := db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM transactions WHERE branch_id = ?`, branchID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest transaction: %w", err)
	}
	if !latest.Valid || latest.String == "" {
		return nil, nil
	}
	t, err := parseSQLiteTime(latest.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (db *DB) UpsertEmployees(ctx context.Context, employees []*models.Employee) (int, error) {
	query := `INSERT INTO employees (branch_id, external_id, full_name, role, is_active, updated_at, synced_at)
              VALUES (?, ?, ?, ?, ?, ?, NULL)
              ON CONFLICT(branch_id, external_id) DO UPDATE SET
                  full_name = excluded.full_name,
                  role = excluded.role,
                  is_active = excluded.is_active,
                  updated_at = excluded.updated_at,
                  synced_at = NULL
              RETURNING id`
	now := time.Now().UTC()
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare employee upsert: %w", err)
		}
		defer stmt.Close()

		for _, e := range employees {
			if err := stmt.QueryRowContext(ctx, e.BranchID, e.ExternalID, e.FullName, e.Role, e.IsActive, now).Scan(&e.ID); err != nil {
				return fmt.Errorf("failed to upsert employee %s: %w", e.ExternalID, err)
			}
			e.UpdatedAt = now
			e.SyncedAt = nil
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(employees), nil
}

func (db *DB) PendingEmployees(ctx context.Context, branchID *int64) ([]*models.Employee, error) {
	query := `SELECT id, branch_id, external_id, full_name, role, is_active, updated_at, synced_at
              FROM employees
              WHERE (synced_at IS NULL OR updated_at > synced_at)`
	var args []interface{}
	if branchID != nil {
		query += ` AND branch_id = ?`
		args = append(args, *branchID)
	}
	query += ` ORDER BY branch_id, id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending employees: %w", err)
	}
	defer rows.Close()

	var employees []*models.Employee
	for rows.Next() {
		var (
			e        models.Employee
			syncedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.BranchID, &e.ExternalID, &e.FullName, &e.Role, &e.IsActive,
			&e.UpdatedAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan employee: %w", err)
		}
		e.SyncedAt = timePtr(syncedAt)
		employees = append(employees, &e)
	}
	return employees, rows.Err()
}

func (db *DB) MarkEmployeesSynced(ctx context.Context, rows []models.RowVersion, at time.Time) (int, error) {
	return db.markSynced(ctx, "employees", rows, at)
}

// markSynced skips rows rewritten after the read, so they stay pending.
func (db *DB) markSynced(ctx context.Context, table string, rows []models.RowVersion, at time.Time) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`UPDATE %s SET synced_at = ? WHERE id = ? AND updated_at = ?`, table)
	marked := 0
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare %s sync mark: %w", table, err)
		}
		defer stmt.Close()

		for _, r := range rows {
			res, err := stmt.ExecContext(ctx, at.UTC(), r.ID, r.UpdatedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to mark %s %d synced: %w", table, r.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to mark %s %d synced: %w", table, r.ID, err)
			}
			marked += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

var sqliteTimeFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// parseSQLiteTime parses aggregate results, which the driver returns as text.
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqliteTimeFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
