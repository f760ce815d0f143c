package models

import "time"

// SessionStatus is the state of a negotiated sync exchange.
type SessionStatus string

const (
	SessionInitiated  SessionStatus = "initiated"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// SyncSession is one sync exchange between the center and a branch.
type SyncSession struct {
	ID               string        `json:"sync_id"`
	BranchID         int64         `json:"branch_id"`
	EntityType       EntityType    `json:"sync_type"`
	Since            *time.Time    `json:"since,omitempty"`
	Status           SessionStatus `json:"status"`
	RecordsProcessed int           `json:"records_processed"`
	RecordsTotal     int           `json:"records_total"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// HealthSnapshot is the latest status pushed by a branch.
type HealthSnapshot struct {
	BranchID    int64          `json:"branch_id"`
	Status      string         `json:"status"`
	SystemInfo  map[string]any `json:"system_info,omitempty"`
	NetworkInfo map[string]any `json:"network_info,omitempty"`
	ReportedAt  time.Time      `json:"reported_at"`
	Stale       bool           `json:"stale"`
}

// ValidHealthStatus reports whether status is one a branch may push.
func ValidHealthStatus(status string) bool {
	switch status {
	case BranchOnline, BranchOffline, BranchMaintenance, BranchError:
		return true
	default:
		return false
	}
}
