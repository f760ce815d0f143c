package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	EventSyncTaskCompleted    = "sync_task_completed"
	EventSyncTaskFailed       = "sync_task_failed"
	EventSyncSessionCompleted = "sync_session_completed"
	EventOneCIngested         = "onec_ingested"
)

// TaskEventPayload is published after every scheduler run.
type TaskEventPayload struct {
	TaskID           string    `json:"task_id"`
	EntityType       string    `json:"entity_type"`
	BranchID         *int64    `json:"branch_id,omitempty"`
	Success          bool      `json:"success"`
	RecordsProcessed int       `json:"records_processed"`
	Error            string    `json:"error,omitempty"`
	DurationMs       int64     `json:"duration_ms"`
	CompletedAt      time.Time `json:"completed_at"`
}

// SessionEventPayload is published when a branch closes a sync session.
type SessionEventPayload struct {
	SyncID           string `json:"sync_id"`
	BranchID         int64  `json:"branch_id"`
	SyncType         string `json:"sync_type"`
	Status           string `json:"status"`
	RecordsProcessed int    `json:"records_processed"`
	RecordsTotal     int    `json:"records_total"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// IngestEventPayload describes one accepted 1C push.
type IngestEventPayload struct {
	EntityType string `json:"entity_type"`
	Records    int    `json:"records"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish runs every subscriber of the event type synchronously. A failing
// handler does not stop the others; their errors are joined.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", event.Type, err))
		}
	}
	return errors.Join(errs...)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
}
