package models

import "time"

// Task status constants for the orchestration queue
const (
	TaskQueued  = "queued"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Task origins record who asked for a task.
const (
	TaskOriginBilling = "billing"
	TaskOriginAdmin   = "admin"
	TaskOriginSystem  = "system"
)

// OrchestrationTask is one durable request to drive a tenant toward a state.
type OrchestrationTask struct {
	ID              int64
	TenantID        string
	TargetState     TenantStatus
	ExternalEventID *string
	Origin          string
	Status          string
	Attempts        int
	LastError       *string
	AvailableAt     time.Time
	ClaimedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsOpen reports whether the task is still waiting or running.
func (t *OrchestrationTask) IsOpen() bool {
	return t.Status == TaskQueued || t.Status == TaskRunning
}
