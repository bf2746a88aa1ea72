// Package proc provides the process-spawn boundary for worker
// instances. The Spawner interface abstracts os/exec so lifecycle and
// orchestration logic can be tested against a fake without real
// processes.
package proc

import (
	"context"
	"io"
)

// Spec describes one worker process to start.
type Spec struct {
	// Command is the executable to run.
	Command string
	// Args are the command arguments.
	Args []string
	// Env is the environment-style key/value context passed at spawn
	// time: instance id, descriptor name, capability list, and task
	// parameters.
	Env map[string]string
	// Dir is the working directory, if non-empty.
	Dir string
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// Code is the process exit code; -1 if the process was killed.
	Code int
	// Err is the wait error, if any.
	Err error
}

// Handle is a started worker process. Exactly one owner holds a Handle;
// handles are never shared between instances.
type Handle interface {
	// Pid returns the operating system process ID.
	Pid() int
	// Stdin is the pipe worker records are written to.
	Stdin() io.Writer
	// Stdout is the pipe worker records are read from.
	Stdout() io.Reader
	// Kill forcibly terminates the process.
	Kill() error
	// Done is closed once the process ends.
	Done() <-chan struct{}
	// ExitStatus is valid once Done is closed.
	ExitStatus() ExitStatus
}

// Spawner starts worker processes.
type Spawner interface {
	// Start launches the process described by spec. The context bounds
	// process startup only, not the process lifetime.
	Start(ctx context.Context, spec Spec) (Handle, error)
}
