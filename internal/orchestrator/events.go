// Package orchestrator coordinates worker lifecycles, task routing,
// and pipeline execution.
package orchestrator

import (
	"time"

	"github.com/tolvanen/warden/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventTaskRouted indicates a task was assigned to an instance.
	EventTaskRouted EventType = "task_routed"
	// EventTaskQueued indicates a task joined a pool backlog.
	EventTaskQueued EventType = "task_queued"
	// EventTaskStarted indicates a worker acknowledged a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskUnroutable indicates no rule matched a task.
	EventTaskUnroutable EventType = "task_unroutable"
	// EventTaskRejected indicates a persistent target had no capacity.
	EventTaskRejected EventType = "task_rejected"
	// EventWorkerSpawned indicates a worker instance reached ready.
	EventWorkerSpawned EventType = "worker_spawned"
	// EventWorkerLost indicates a worker exited with tasks in flight.
	EventWorkerLost EventType = "worker_lost"
	// EventWorkerExited indicates a worker exited cleanly.
	EventWorkerExited EventType = "worker_exited"
	// EventWorkerUnhealthy indicates a worker missed too many probes.
	EventWorkerUnhealthy EventType = "worker_unhealthy"
	// EventPipelineStarted indicates a pipeline run began.
	EventPipelineStarted EventType = "pipeline_started"
	// EventPipelineCompleted indicates a pipeline run reached a terminal
	// status.
	EventPipelineCompleted EventType = "pipeline_completed"
	// EventShutdown indicates the orchestrator is stopping.
	EventShutdown EventType = "shutdown"
)

// Event represents an observable orchestrator occurrence. Events feed
// the watch command and the debug log.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// InstanceID is the ID of the related worker instance, if applicable.
	InstanceID string
	// Worker is the descriptor name of the related worker, if applicable.
	Worker string
	// Pipeline is the related pipeline name, if applicable.
	Pipeline string
	// Outcome is the task's terminal disposition, for terminal events.
	Outcome models.TaskOutcome
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
