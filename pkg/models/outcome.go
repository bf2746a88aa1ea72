package models

// TaskOutcome is the terminal disposition of a dispatched task.
type TaskOutcome string

const (
	// OutcomeCompleted indicates the worker reported success.
	OutcomeCompleted TaskOutcome = "completed"
	// OutcomeFailed indicates the worker reported failure.
	OutcomeFailed TaskOutcome = "failed"
	// OutcomeWorkerLost indicates the worker process exited mid-task.
	OutcomeWorkerLost TaskOutcome = "worker-lost"
	// OutcomeTimeout indicates the worker did not respond within the
	// stage or execution timeout.
	OutcomeTimeout TaskOutcome = "timeout"
	// OutcomeCancelled indicates the task was cancelled before or during
	// execution.
	OutcomeCancelled TaskOutcome = "cancelled"
)

// Valid returns true if the outcome is a known value.
func (o TaskOutcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeWorkerLost, OutcomeTimeout, OutcomeCancelled:
		return true
	default:
		return false
	}
}

// Terminal is true for every valid outcome; it exists so callers reading
// checkpoint rows can distinguish recorded outcomes from in-flight blanks.
func (o TaskOutcome) Terminal() bool {
	return o.Valid()
}
