package models

import "time"

type Product struct {
	ID        int64      `json:"id"`
	SKU       string     `json:"sku"`
	Name      string     `json:"name"`
	Price     float64    `json:"price"`
	IsActive  bool       `json:"is_active"`
	UpdatedAt time.Time  `json:"updated_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

type InventoryItem struct {
	ID          int64     `json:"id"`
	BranchID    int64     `json:"branch_id"`
	ProductID   int64     `json:"product_id"`
	Quantity    float64   `json:"quantity"`
	LastUpdated time.Time `json:"last_updated"`
}

type Transaction struct {
	ID         int64     `json:"id"`
	BranchID   int64     `json:"branch_id"`
	ExternalID string    `json:"external_id"`
	Total      float64   `json:"total"`
	CreatedAt  time.Time `json:"created_at"`
	ReceivedAt time.Time `json:"received_at"`
}

type Employee struct {
	ID         int64      `json:"id"`
	BranchID   int64      `json:"branch_id"`
	ExternalID string     `json:"external_id"`
	FullName   string     `json:"full_name"`
	Role       string     `json:"role"`
	IsActive   bool       `json:"is_active"`
	UpdatedAt  time.Time  `json:"updated_at"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
}

// RowVersion identifies a catalog row as it was when read.
type RowVersion struct {
	ID        int64
	UpdatedAt time.Time
}

func (p *Product) Version() RowVersion { return RowVersion{ID: p.ID, UpdatedAt: p.UpdatedAt} }

func (e *Employee) Version() RowVersion { return RowVersion{ID: e.ID, UpdatedAt: e.UpdatedAt} }
