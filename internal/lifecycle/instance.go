// Package lifecycle creates, tracks, and tears down worker instances.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/tolvanen/warden/internal/message"
	"github.com/tolvanen/warden/internal/proc"
	"github.com/tolvanen/warden/pkg/models"
)

// Instance is one supervised worker process and its bookkeeping. The
// instance owns its process handle exclusively.
type Instance struct {
	// ID is the unique instance identifier.
	ID string
	// Descriptor is the static configuration this instance was spawned from.
	Descriptor models.WorkerDescriptor
	// CreatedAt is when the process was spawned.
	CreatedAt time.Time

	handle proc.Handle
	conn   *message.Conn

	mu       sync.Mutex
	state    models.InstanceState
	inflight map[string]struct{}
	lastBeat time.Time
}

func newInstance(id string, desc models.WorkerDescriptor, handle proc.Handle, conn *message.Conn) *Instance {
	return &Instance{
		ID:         id,
		Descriptor: desc,
		CreatedAt:  time.Now(),
		handle:     handle,
		conn:       conn,
		state:      models.StateSpawning,
		inflight:   make(map[string]struct{}),
		lastBeat:   time.Now(),
	}
}

// Conn returns the instance's message channel.
func (i *Instance) Conn() *message.Conn {
	return i.conn
}

// Handle returns the owned process handle.
func (i *Instance) Handle() proc.Handle {
	return i.handle
}

// State returns the current lifecycle state.
func (i *Instance) State() models.InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Idle reports whether the instance is ready with no in-flight tasks.
func (i *Instance) Idle() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == models.StateReady && len(i.inflight) == 0
}

// InFlight returns the number of tasks currently assigned.
func (i *Instance) InFlight() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.inflight)
}

// TaskIDs returns the in-flight task identifiers.
func (i *Instance) TaskIDs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	ids := make([]string, 0, len(i.inflight))
	for id := range i.inflight {
		ids = append(ids, id)
	}
	return ids
}

// AddTask records a task assignment, transitioning ready -> busy.
// It fails if the instance is not accepting work or is at its
// concurrency limit.
func (i *Instance) AddTask(taskID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != models.StateReady && i.state != models.StateBusy {
		return fmt.Errorf("instance %s is %s, not accepting tasks", i.ID, i.state)
	}
	if len(i.inflight) >= i.Descriptor.EffectiveConcurrency() {
		return fmt.Errorf("instance %s at concurrency limit %d", i.ID, i.Descriptor.EffectiveConcurrency())
	}
	i.inflight[taskID] = struct{}{}
	i.state = models.StateBusy
	return nil
}

// RemoveTask clears a completed assignment, transitioning busy -> ready
// once nothing is in flight.
func (i *Instance) RemoveTask(taskID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.inflight, taskID)
	if i.state == models.StateBusy && len(i.inflight) == 0 {
		i.state = models.StateReady
	}
}

// HasTask reports whether the task is in flight on this instance.
func (i *Instance) HasTask(taskID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.inflight[taskID]
	return ok
}

// MarkReady transitions spawning -> ready after the readiness signal.
func (i *Instance) MarkReady() error {
	return i.transition(models.StateReady)
}

// BeginDraining stops the instance from accepting new work.
func (i *Instance) BeginDraining() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == models.StateReady || i.state == models.StateBusy {
		i.state = models.StateDraining
	}
}

// MarkTerminated records process exit.
func (i *Instance) MarkTerminated() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = models.StateTerminated
}

func (i *Instance) transition(next models.InstanceState) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.state.CanTransition(next) {
		return fmt.Errorf("instance %s: illegal transition %s -> %s", i.ID, i.state, next)
	}
	i.state = next
	return nil
}

// MarkHeartbeat records a liveness report at t.
func (i *Instance) MarkHeartbeat(t time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastBeat = t
}

// LastHeartbeat returns the most recent liveness report time.
func (i *Instance) LastHeartbeat() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastBeat
}
