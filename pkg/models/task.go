package models

import (
	"time"

	"github.com/google/uuid"
)

// Priority classifies how urgently a task should be routed.
type Priority string

const (
	// PriorityLow indicates the task can wait behind normal work.
	PriorityLow Priority = "low"
	// PriorityNormal is the default priority class.
	PriorityNormal Priority = "normal"
	// PriorityHigh indicates the task should be routed ahead of others.
	PriorityHigh Priority = "high"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	default:
		return false
	}
}

// Task represents a unit of work in the system.
// Tasks are immutable once created; a retry creates a new task
// that references the original via OriginID.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Type is the task type tag matched against routing rules.
	Type string `json:"type"`
	// Params is the opaque parameter payload delivered to the worker.
	Params map[string]string `json:"params,omitempty"`
	// Priority is the priority class.
	Priority Priority `json:"priority"`
	// Workflow is the pipeline run this task belongs to, if any.
	Workflow string `json:"workflow,omitempty"`
	// Stage is the pipeline stage this task belongs to, if any.
	Stage string `json:"stage,omitempty"`
	// OriginID is the ID of the original task this one retries, if any.
	OriginID string `json:"origin_id,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
}

// NewTask creates a task with a fresh short ID and normal priority.
func NewTask(taskType string, params map[string]string) Task {
	return Task{
		ID:        ShortID(),
		Type:      taskType,
		Params:    params,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// Retry derives a new task from t with a fresh ID referencing the original.
// The originating task's ID is preserved across chained retries.
func (t Task) Retry() Task {
	origin := t.OriginID
	if origin == "" {
		origin = t.ID
	}
	next := t
	next.ID = ShortID()
	next.OriginID = origin
	next.CreatedAt = time.Now()
	return next
}

// ShortID returns the 8-character ID form used for tasks, instances, and runs.
func ShortID() string {
	return uuid.New().String()[:8]
}
