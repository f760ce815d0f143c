package models

import "time"

// SyncResult is the immutable outcome of one task execution.
type SyncResult struct {
	TaskID           string    `json:"task_id"`
	Success          bool      `json:"success"`
	RecordsProcessed int       `json:"records_processed"`
	Error            string    `json:"error,omitempty"`
	DurationMs       int64     `json:"duration_ms"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
}

// SyncHistoryEntry is one row of the sync history log.
type SyncHistoryEntry struct {
	ID              int64      `json:"id"`
	TaskID          string     `json:"task_id"`
	IntegrationType string     `json:"integration_type"`
	EntityType      EntityType `json:"entity_type"`
	SyncStatus      string     `json:"sync_status"`
	RecordsSynced   int        `json:"records_synced"`
	ErrorMessage    *string    `json:"error_message"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     time.Time  `json:"completed_at"`
}

// Result converts a history row back into a SyncResult.
func (h SyncHistoryEntry) Result() SyncResult {
	res := SyncResult{
		TaskID:           h.TaskID,
		Success:          h.SyncStatus == string(TaskCompleted),
		RecordsProcessed: h.RecordsSynced,
		DurationMs:       h.CompletedAt.Sub(h.StartedAt).Milliseconds(),
		StartedAt:        h.StartedAt,
		CompletedAt:      h.CompletedAt,
	}
	if h.ErrorMessage != nil {
		res.Error = *h.ErrorMessage
	}
	return res
}
