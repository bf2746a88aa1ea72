// Package pool manages a named group of homogeneous pooled worker
// instances with elastic sizing and a FIFO task backlog.
package pool

import (
	"context"
	"sync"

	"github.com/tolvanen/warden/internal/lifecycle"
	"github.com/tolvanen/warden/pkg/models"
)

// SpawnFunc creates one new pooled instance. It is provided by the
// lifecycle manager at construction so the pool never reaches into the
// process boundary itself.
type SpawnFunc func(ctx context.Context) (*lifecycle.Instance, error)

// Assignment pairs an instance with the task that was just placed on
// it. The caller is responsible for delivering the task-assign record.
type Assignment struct {
	Instance *lifecycle.Instance
	Task     models.Task
}

// Pool holds the instances and backlog for one pooled descriptor.
// All mutation happens under a single mutex, so routing decisions and
// concurrent stage dispatches observe a consistent snapshot and
// scale-up checks cannot race.
type Pool struct {
	desc  models.WorkerDescriptor
	spawn SpawnFunc
	logf  func(format string, args ...interface{})

	mu        sync.Mutex
	instances []*lifecycle.Instance // registration order
	backlog   []models.Task
	cursor    int
}

// New creates a pool for the descriptor. Call Start to bring the pool
// up to its minimum size.
func New(desc models.WorkerDescriptor, spawn SpawnFunc, logf func(format string, args ...interface{})) *Pool {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Pool{desc: desc, spawn: spawn, logf: logf}
}

// Name returns the pool's descriptor name.
func (p *Pool) Name() string {
	return p.desc.Name
}

// Descriptor returns the pool's static configuration.
func (p *Pool) Descriptor() models.WorkerDescriptor {
	return p.desc
}

// Start spawns instances up to the pool minimum.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.instances) < p.desc.Pool.Min {
		inst, err := p.spawn(ctx)
		if err != nil {
			return err
		}
		p.instances = append(p.instances, inst)
	}
	return nil
}

// Assign places the task on an idle instance, scanning from the
// round-robin cursor in registration order. If no instance is idle and
// the pool has slack with the backlog at the scale-up threshold, one
// new instance is spawned and the scan retried once; otherwise the task
// joins the backlog. The queued return is true when the task was
// enqueued rather than assigned.
func (p *Pool) Assign(ctx context.Context, task models.Task) (inst *lifecycle.Instance, queued bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst := p.assignIdleLocked(task); inst != nil {
		return inst, false
	}

	if len(p.instances) < p.desc.Pool.Max && len(p.backlog) >= p.desc.Pool.ScaleUpThreshold {
		fresh, err := p.spawn(ctx)
		if err != nil {
			// Retry-once policy: a failed scale-up falls through to the
			// backlog, which is re-drained on every completion.
			p.logf("[pool %s] scale-up spawn failed: %v", p.desc.Name, err)
		} else {
			p.logf("[pool %s] scaled up to %d instances", p.desc.Name, len(p.instances)+1)
			p.instances = append(p.instances, fresh)
			if inst := p.assignIdleLocked(task); inst != nil {
				return inst, false
			}
		}
	}

	p.backlog = append(p.backlog, task)
	p.logf("[pool %s] queued task %s (backlog %d)", p.desc.Name, task.ID, len(p.backlog))
	return nil, true
}

// assignIdleLocked scans for an idle instance starting at the cursor
// and records the task on the first one found.
func (p *Pool) assignIdleLocked(task models.Task) *lifecycle.Instance {
	n := len(p.instances)
	for k := 0; k < n; k++ {
		idx := (p.cursor + k) % n
		cand := p.instances[idx]
		if !cand.Idle() {
			continue
		}
		if err := cand.AddTask(task.ID); err != nil {
			continue
		}
		p.cursor = (idx + 1) % n
		return cand
	}
	return nil
}

// Complete clears a finished task from its instance and drains the
// backlog onto any instances that are now idle.
func (p *Pool) Complete(instanceID, taskID string) []Assignment {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, inst := range p.instances {
		if inst.ID == instanceID {
			inst.RemoveTask(taskID)
			break
		}
	}
	return p.drainLocked()
}

func (p *Pool) drainLocked() []Assignment {
	var out []Assignment
	for len(p.backlog) > 0 {
		inst := p.assignIdleLocked(p.backlog[0])
		if inst == nil {
			break
		}
		out = append(out, Assignment{Instance: inst, Task: p.backlog[0]})
		p.backlog = p.backlog[1:]
	}
	return out
}

// Cancel removes a queued task from the backlog. It returns false if
// the task is not queued; cancellation of dispatched tasks is the
// orchestrator's concern.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, t := range p.backlog {
		if t.ID == taskID {
			p.backlog = append(p.backlog[:i], p.backlog[i+1:]...)
			return true
		}
	}
	return false
}

// HandleExit removes an exited instance and, if the pool has fallen
// below its minimum, spawns a replacement immediately. Backlogged work
// is drained onto the replacement.
func (p *Pool) HandleExit(ctx context.Context, instanceID string) (assignments []Assignment, replaced bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	found := false
	for i, inst := range p.instances {
		if inst.ID == instanceID {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}
	if p.cursor >= len(p.instances) {
		p.cursor = 0
	}

	if len(p.instances) < p.desc.Pool.Min {
		fresh, err := p.spawn(ctx)
		if err != nil {
			p.logf("[pool %s] replacement spawn failed: %v", p.desc.Name, err)
		} else {
			p.instances = append(p.instances, fresh)
			replaced = true
			p.logf("[pool %s] replaced exited instance %s with %s", p.desc.Name, instanceID, fresh.ID)
		}
	}

	return p.drainLocked(), replaced
}

// Remove drops an exited instance without spawning a replacement or
// draining the backlog. This is the shutdown path: the below-minimum
// replacement of HandleExit must not run while the fleet is being torn
// down.
func (p *Pool) Remove(instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, inst := range p.instances {
		if inst.ID == instanceID {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			if p.cursor >= len(p.instances) {
				p.cursor = 0
			}
			return true
		}
	}
	return false
}

// Owns reports whether the instance belongs to this pool.
func (p *Pool) Owns(instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if inst.ID == instanceID {
			return true
		}
	}
	return false
}

// Len returns the current instance count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// BacklogLen returns the number of queued tasks.
func (p *Pool) BacklogLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Instances returns a snapshot of the pool's instances in registration
// order.
func (p *Pool) Instances() []*lifecycle.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*lifecycle.Instance, len(p.instances))
	copy(out, p.instances)
	return out
}
