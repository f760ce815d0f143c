package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncTask is one recurring synchronization job.
type SyncTask struct {
	ID              string       `json:"id"`
	EntityType      EntityType   `json:"task_type"`
	BranchID        *int64       `json:"branch_id,omitempty"`
	ScheduleKind    ScheduleKind `json:"schedule_type"`
	IntervalSeconds int          `json:"interval_seconds"`
	CronExpression  string       `json:"cron_expression,omitempty"`
	IsActive        bool         `json:"is_active"`
	Priority        int          `json:"priority"`
	Status          TaskStatus   `json:"status"`
	LastRun         *time.Time   `json:"last_run,omitempty"`
	NextRun         *time.Time   `json:"next_run,omitempty"`
}

// Interval returns the recurrence period of interval tasks.
func (t *SyncTask) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// Scope renders the branch scope for ids and cache keys.
func (t *SyncTask) Scope() string {
	return ScopeKey(t.BranchID)
}

// Clone returns a deep copy safe to hand out of the scheduler.
func (t *SyncTask) Clone() *SyncTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.BranchID != nil {
		b := *t.BranchID
		c.BranchID = &b
	}
	if t.LastRun != nil {
		lr := *t.LastRun
		c.LastRun = &lr
	}
	if t.NextRun != nil {
		nr := *t.NextRun
		c.NextRun = &nr
	}
	return &c
}

// TaskSpec describes a task to register.
type TaskSpec struct {
	EntityType      EntityType   `json:"task_type"`
	BranchID        *int64       `json:"branch_id,omitempty"`
	ScheduleKind    ScheduleKind `json:"schedule_type"`
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	CronExpression  string       `json:"cron_expression,omitempty"`
	IsActive        *bool        `json:"is_active,omitempty"`
	Priority        int          `json:"priority"`
}

// ScopeKey renders an optional branch id.
func ScopeKey(branchID *int64) string {
	if branchID == nil {
		return "all"
	}
	return fmt.Sprintf("branch-%d", *branchID)
}

// NewTaskID derives a task id from entity type and branch scope plus a random suffix,
// so dynamically created tasks for the same scope never collide.
func NewTaskID(entity EntityType, branchID *int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", entity, ScopeKey(branchID), suffix)
}
