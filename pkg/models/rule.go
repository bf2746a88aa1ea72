package models

import (
	"fmt"
	"path"
)

// DispatchMode determines how a matched task reaches its target.
type DispatchMode string

const (
	// DispatchSpawnNew spawns a fresh single-use instance for the task.
	DispatchSpawnNew DispatchMode = "spawn-new"
	// DispatchPoolRoundRobin forwards the task to a named pool.
	DispatchPoolRoundRobin DispatchMode = "pool-round-robin"
	// DispatchPersistentAssign assigns the task to a named persistent
	// instance if it has spare capacity.
	DispatchPersistentAssign DispatchMode = "persistent-assign"
)

// Valid returns true if the mode is a known value.
func (m DispatchMode) Valid() bool {
	switch m {
	case DispatchSpawnNew, DispatchPoolRoundRobin, DispatchPersistentAssign:
		return true
	default:
		return false
	}
}

// RoutingRule maps a task predicate to a target and dispatch mode.
// Rules are evaluated in declaration order; first match wins.
type RoutingRule struct {
	// Name identifies the rule in logs and errors.
	Name string `mapstructure:"name" yaml:"name"`
	// TaskType is a glob pattern matched against Task.Type.
	TaskType string `mapstructure:"task_type" yaml:"task_type"`
	// RequiresCapability, if set, must be offered by the target
	// descriptor. Checked once at configuration load, not per call.
	RequiresCapability string `mapstructure:"requires_capability" yaml:"requires_capability"`
	// Target is the descriptor (spawn-new, persistent-assign) or pool
	// name (pool-round-robin) the task is dispatched to.
	Target string `mapstructure:"target" yaml:"target"`
	// Mode is how the task reaches the target.
	Mode DispatchMode `mapstructure:"mode" yaml:"mode"`
}

// Matches reports whether the rule's predicate accepts the task.
func (r *RoutingRule) Matches(t Task) bool {
	ok, err := path.Match(r.TaskType, t.Type)
	return err == nil && ok
}

// Validate checks the rule for structural errors. Target resolution
// against descriptors happens at router construction.
func (r *RoutingRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("routing rule missing name")
	}
	if r.TaskType == "" {
		return fmt.Errorf("rule %q: missing task_type pattern", r.Name)
	}
	if _, err := path.Match(r.TaskType, "probe"); err != nil {
		return fmt.Errorf("rule %q: bad task_type pattern %q: %w", r.Name, r.TaskType, err)
	}
	if r.Target == "" {
		return fmt.Errorf("rule %q: missing target", r.Name)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("rule %q: unknown dispatch mode %q", r.Name, r.Mode)
	}
	return nil
}
