// Package router matches inbound tasks to capability-compatible
// workers using ordered routing rules.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/tolvanen/warden/internal/lifecycle"
	"github.com/tolvanen/warden/internal/pool"
	"github.com/tolvanen/warden/pkg/models"
)

// Routing outcomes that are reported to the caller rather than
// silently dropped.
var (
	// ErrUnroutable indicates no rule matched the task.
	ErrUnroutable = errors.New("no routing rule matched task")
	// ErrNoCapacity indicates the persistent target is at its
	// concurrency limit. The caller decides retry or drop; the router
	// never queues for persistent workers.
	ErrNoCapacity = errors.New("persistent worker at capacity")
)

// SpawnSingleFunc spawns a fresh single-use instance for the named
// descriptor, applying the task's parameters to the spawn context.
type SpawnSingleFunc func(ctx context.Context, descriptorName string, task models.Task) (*lifecycle.Instance, error)

// Decision is the result of routing a task.
type Decision struct {
	// Rule is the matched rule.
	Rule models.RoutingRule
	// Instance is the assigned instance; nil when Queued.
	Instance *lifecycle.Instance
	// Pool is set for pool-round-robin dispatches.
	Pool *pool.Pool
	// Queued is true when the task joined a pool backlog instead of
	// being assigned.
	Queued bool
}

// Router routes tasks by evaluating rules in declaration order.
// Targets and capability requirements are resolved once at
// construction, so Route is a pure function of the task and the
// current pool/registry state.
type Router struct {
	rules       []models.RoutingRule
	descriptors map[string]models.WorkerDescriptor
	pools       map[string]*pool.Pool
	reg         *lifecycle.Registry
	spawnSingle SpawnSingleFunc
	logf        func(format string, args ...interface{})
}

// New builds a router, validating every rule against the descriptor
// set: the target must exist, its category must fit the dispatch mode,
// and any required capability must be offered by the target.
func New(
	rules []models.RoutingRule,
	descriptors map[string]models.WorkerDescriptor,
	pools map[string]*pool.Pool,
	reg *lifecycle.Registry,
	spawnSingle SpawnSingleFunc,
	logf func(format string, args ...interface{}),
) (*Router, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		desc, ok := descriptors[r.Target]
		if !ok {
			return nil, fmt.Errorf("rule %q: unknown target %q", r.Name, r.Target)
		}
		switch r.Mode {
		case models.DispatchSpawnNew:
			if desc.Category != models.CategorySingleUse {
				return nil, fmt.Errorf("rule %q: spawn-new target %q must be single-use, is %s", r.Name, r.Target, desc.Category)
			}
		case models.DispatchPoolRoundRobin:
			if desc.Category != models.CategoryPooled {
				return nil, fmt.Errorf("rule %q: pool target %q must be pooled, is %s", r.Name, r.Target, desc.Category)
			}
			if _, ok := pools[r.Target]; !ok {
				return nil, fmt.Errorf("rule %q: no pool registered for %q", r.Name, r.Target)
			}
		case models.DispatchPersistentAssign:
			if desc.Category != models.CategoryPersistent {
				return nil, fmt.Errorf("rule %q: persistent target %q must be persistent, is %s", r.Name, r.Target, desc.Category)
			}
		}
		if r.RequiresCapability != "" && !desc.HasCapability(r.RequiresCapability) {
			return nil, fmt.Errorf("rule %q: target %q lacks required capability %q", r.Name, r.Target, r.RequiresCapability)
		}
	}

	return &Router{
		rules:       rules,
		descriptors: descriptors,
		pools:       pools,
		reg:         reg,
		spawnSingle: spawnSingle,
		logf:        logf,
	}, nil
}

// Route matches the task against the rules in declaration order and
// dispatches it per the first match. Unroutable and no-capacity are
// distinct, observable errors.
func (r *Router) Route(ctx context.Context, task models.Task) (*Decision, error) {
	for _, rule := range r.rules {
		if !rule.Matches(task) {
			continue
		}

		switch rule.Mode {
		case models.DispatchSpawnNew:
			return r.routeSpawnNew(ctx, rule, task)
		case models.DispatchPoolRoundRobin:
			return r.routePool(ctx, rule, task)
		case models.DispatchPersistentAssign:
			return r.routePersistent(rule, task)
		}
	}

	r.logf("[router] task %s (type %s): unroutable", task.ID, task.Type)
	return nil, fmt.Errorf("task %s type %q: %w", task.ID, task.Type, ErrUnroutable)
}

func (r *Router) routeSpawnNew(ctx context.Context, rule models.RoutingRule, task models.Task) (*Decision, error) {
	inst, err := r.spawnSingle(ctx, rule.Target, task)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	if err := inst.AddTask(task.ID); err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	r.logf("[router] task %s -> fresh %s instance %s", task.ID, rule.Target, inst.ID)
	return &Decision{Rule: rule, Instance: inst}, nil
}

func (r *Router) routePool(ctx context.Context, rule models.RoutingRule, task models.Task) (*Decision, error) {
	p := r.pools[rule.Target]
	inst, queued := p.Assign(ctx, task)
	if queued {
		r.logf("[router] task %s -> pool %s backlog", task.ID, rule.Target)
		return &Decision{Rule: rule, Pool: p, Queued: true}, nil
	}
	r.logf("[router] task %s -> pool %s instance %s", task.ID, rule.Target, inst.ID)
	return &Decision{Rule: rule, Pool: p, Instance: inst}, nil
}

func (r *Router) routePersistent(rule models.RoutingRule, task models.Task) (*Decision, error) {
	inst := r.reg.FindPersistent(rule.Target)
	if inst == nil {
		return nil, fmt.Errorf("task %s: persistent worker %q not running: %w", task.ID, rule.Target, ErrUnroutable)
	}
	if inst.InFlight() >= inst.Descriptor.EffectiveConcurrency() {
		r.logf("[router] task %s -> persistent %s: no capacity", task.ID, rule.Target)
		return nil, fmt.Errorf("task %s target %q: %w", task.ID, rule.Target, ErrNoCapacity)
	}
	if err := inst.AddTask(task.ID); err != nil {
		return nil, fmt.Errorf("task %s target %q: %w", task.ID, rule.Target, ErrNoCapacity)
	}
	r.logf("[router] task %s -> persistent %s instance %s", task.ID, rule.Target, inst.ID)
	return &Decision{Rule: rule, Instance: inst}, nil
}
