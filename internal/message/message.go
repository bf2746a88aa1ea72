// Package message implements the typed, asynchronous record exchange
// between the orchestrator and each worker process. Records are
// newline-delimited JSON over the worker's stdin/stdout; delivery is
// in-order per instance with no ordering guarantee across instances.
package message

import "time"

// Kind is the closed set of record types exchanged with workers.
type Kind string

const (
	// KindReady is sent by a worker once it can accept tasks.
	KindReady Kind = "ready"
	// KindTaskAssign delivers a task to a worker.
	KindTaskAssign Kind = "task-assign"
	// KindTaskStarted is sent by a worker when it begins a task.
	KindTaskStarted Kind = "task-started"
	// KindTaskCompleted carries a successful task result.
	KindTaskCompleted Kind = "task-completed"
	// KindTaskFailed carries a task failure.
	KindTaskFailed Kind = "task-failed"
	// KindHeartbeat is the orchestrator's liveness probe.
	KindHeartbeat Kind = "heartbeat"
	// KindHealthReport answers a heartbeat with resource usage.
	KindHealthReport Kind = "health-report"
	// KindShutdown requests voluntary worker exit.
	KindShutdown Kind = "shutdown"
	// KindShutdownAck acknowledges a shutdown request.
	KindShutdownAck Kind = "shutdown-ack"
)

// Valid returns true if the kind is part of the closed set.
func (k Kind) Valid() bool {
	switch k {
	case KindReady, KindTaskAssign, KindTaskStarted, KindTaskCompleted,
		KindTaskFailed, KindHeartbeat, KindHealthReport, KindShutdown,
		KindShutdownAck:
		return true
	default:
		return false
	}
}

// Message is one record on an instance channel.
type Message struct {
	// Kind is the record type.
	Kind Kind `json:"kind"`
	// InstanceID identifies the worker instance the record concerns.
	InstanceID string `json:"instance_id,omitempty"`
	// TaskID identifies the related task, if any.
	TaskID string `json:"task_id,omitempty"`
	// Params carries task parameters or report fields.
	Params map[string]string `json:"params,omitempty"`
	// Error holds the failure text for task-failed records.
	Error string `json:"error,omitempty"`
	// SentAt is when the record was written.
	SentAt time.Time `json:"sent_at,omitempty"`
}
