package models

import (
	"fmt"
	"time"
)

// Category classifies how a worker's lifetime relates to the tasks it runs.
type Category string

const (
	// CategoryPersistent is a long-lived worker that multiplexes many tasks.
	CategoryPersistent Category = "persistent"
	// CategoryPooled is a homogeneous, elastically scaled worker that runs
	// one task at a time.
	CategoryPooled Category = "pooled"
	// CategorySingleUse is spawned per task and terminated on completion.
	CategorySingleUse Category = "single-use"
)

// Valid returns true if the category is a known value.
func (c Category) Valid() bool {
	switch c {
	case CategoryPersistent, CategoryPooled, CategorySingleUse:
		return true
	default:
		return false
	}
}

// PoolSettings holds elastic sizing for pooled descriptors.
type PoolSettings struct {
	// Min is the minimum number of live instances.
	Min int `mapstructure:"min" yaml:"min"`
	// Max is the maximum number of live instances.
	Max int `mapstructure:"max" yaml:"max"`
	// ScaleUpThreshold is the backlog depth that triggers a scale-up spawn.
	ScaleUpThreshold int `mapstructure:"scale_up_threshold" yaml:"scale_up_threshold"`
}

// WorkerDescriptor is the static configuration for a worker kind.
// It is immutable after configuration load.
type WorkerDescriptor struct {
	// Name identifies the descriptor and is the routing target name.
	Name string `mapstructure:"name" yaml:"name"`
	// Category is the worker lifetime category.
	Category Category `mapstructure:"category" yaml:"category"`
	// Capabilities is the set of capability tags this worker offers.
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities"`
	// ConcurrencyLimit is the maximum simultaneous tasks (default 1).
	ConcurrencyLimit int `mapstructure:"concurrency_limit" yaml:"concurrency_limit"`
	// MemoryLimitMB is the worker's memory ceiling in megabytes.
	MemoryLimitMB int `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
	// ExecTimeout bounds a single task execution inside the worker.
	ExecTimeout time.Duration `mapstructure:"exec_timeout" yaml:"exec_timeout"`
	// Command is the executable spawned for each instance.
	Command string `mapstructure:"command" yaml:"command"`
	// Args are passed to Command at spawn time.
	Args []string `mapstructure:"args" yaml:"args"`
	// Pool holds elastic sizing; only meaningful for CategoryPooled.
	Pool PoolSettings `mapstructure:"pool" yaml:"pool"`
}

// HasCapability returns true if the descriptor offers the given capability.
func (d *WorkerDescriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Validate checks the descriptor for structural errors.
func (d *WorkerDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("worker descriptor missing name")
	}
	if !d.Category.Valid() {
		return fmt.Errorf("worker %q: unknown category %q", d.Name, d.Category)
	}
	if d.Command == "" {
		return fmt.Errorf("worker %q: missing command", d.Name)
	}
	if d.ConcurrencyLimit < 0 {
		return fmt.Errorf("worker %q: negative concurrency limit", d.Name)
	}
	if d.Category != CategoryPersistent && d.ConcurrencyLimit > 1 {
		return fmt.Errorf("worker %q: concurrency limit above 1 requires persistent category", d.Name)
	}
	if d.Category == CategoryPooled {
		if d.Pool.Min < 0 || d.Pool.Max < 1 || d.Pool.Min > d.Pool.Max {
			return fmt.Errorf("worker %q: invalid pool bounds min=%d max=%d", d.Name, d.Pool.Min, d.Pool.Max)
		}
		if d.Pool.ScaleUpThreshold < 1 {
			return fmt.Errorf("worker %q: scale_up_threshold must be at least 1", d.Name)
		}
	}
	return nil
}

// EffectiveConcurrency returns the concurrency limit, defaulting to 1.
func (d *WorkerDescriptor) EffectiveConcurrency() int {
	if d.ConcurrencyLimit <= 0 {
		return 1
	}
	return d.ConcurrencyLimit
}

// InstanceState represents the lifecycle state of a worker instance.
type InstanceState string

const (
	// StateSpawning indicates the process started but has not signalled ready.
	StateSpawning InstanceState = "spawning"
	// StateReady indicates the instance is idle and accepting tasks.
	StateReady InstanceState = "ready"
	// StateBusy indicates the instance has at least one in-flight task.
	StateBusy InstanceState = "busy"
	// StateDraining indicates the instance is finishing work before exit.
	StateDraining InstanceState = "draining"
	// StateTerminated indicates the process has exited.
	StateTerminated InstanceState = "terminated"
)

// Valid returns true if the state is a known value.
func (s InstanceState) Valid() bool {
	switch s {
	case StateSpawning, StateReady, StateBusy, StateDraining, StateTerminated:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows moving to next.
func (s InstanceState) CanTransition(next InstanceState) bool {
	switch s {
	case StateSpawning:
		return next == StateReady || next == StateTerminated
	case StateReady:
		return next == StateBusy || next == StateDraining || next == StateTerminated
	case StateBusy:
		return next == StateReady || next == StateDraining || next == StateTerminated
	case StateDraining:
		return next == StateTerminated
	case StateTerminated:
		return false
	default:
		return false
	}
}
