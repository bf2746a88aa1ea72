package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tolvanen/warden/internal/lifecycle"
	"github.com/tolvanen/warden/internal/message"
	"github.com/tolvanen/warden/internal/pool"
	"github.com/tolvanen/warden/internal/router"
	"github.com/tolvanen/warden/pkg/models"
)

// runLoop is the coordinating loop. Worker records, process exits,
// submissions, and health verdicts all arrive on channels here, so
// routing state changes are serialized.
func (o *Orchestrator) runLoop(ctx context.Context) {
	defer close(o.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-o.submissions:
			o.routeTask(ctx, task, false)
		case m := <-o.records:
			o.handleRecord(ctx, m)
		case ev := <-o.manager.Exits():
			o.handleExit(ctx, ev)
		case inst := <-o.unhealthy:
			o.handleUnhealthy(ctx, inst)
		}
	}
}

// spawnInstance spawns a worker and starts pumping its records into
// the coordinating loop.
func (o *Orchestrator) spawnInstance(ctx context.Context, desc models.WorkerDescriptor) (*lifecycle.Instance, error) {
	inst, err := o.manager.Spawn(ctx, desc, nil)
	if err != nil {
		o.stats.SpawnFailures.Inc()
		return nil, err
	}

	go func() {
		for m := range inst.Conn().Inbox() {
			o.records <- m
		}
		if malformed := inst.Conn().Malformed(); malformed > 0 {
			o.stats.DroppedMessages.Add(float64(malformed))
		}
	}()

	if o.store != nil {
		if err := o.store.RecordInstanceSpawn(inst.ID, desc.Name, desc.Category, inst.Handle().Pid()); err != nil {
			o.logger.Log("[orchestrator] checkpoint spawn %s: %v", inst.ID, err)
		}
	}
	o.emitter.Emit(Event{Type: EventWorkerSpawned, InstanceID: inst.ID, Worker: desc.Name})
	return inst, nil
}

// routeTask routes one submitted task. A spawn failure is retried with
// a second routing attempt; any further failure is terminal.
func (o *Orchestrator) routeTask(ctx context.Context, task models.Task, rerouted bool) {
	dec, err := o.router.Route(ctx, task)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrUnroutable):
			o.stats.TasksUnroutable.Inc()
			o.emitter.Emit(Event{Type: EventTaskUnroutable, TaskID: task.ID, Error: err})
			o.resolve(task.ID, models.OutcomeFailed, err.Error())
		case errors.Is(err, router.ErrNoCapacity):
			o.stats.TasksNoCapacity.Inc()
			o.emitter.Emit(Event{Type: EventTaskRejected, TaskID: task.ID, Error: err})
			o.resolve(task.ID, models.OutcomeFailed, err.Error())
		case !rerouted:
			o.logger.Log("[orchestrator] task %s spawn failure, re-routing once: %v", task.ID, err)
			o.routeTask(ctx, task, true)
		default:
			o.emitter.Emit(Event{Type: EventTaskFailed, TaskID: task.ID, Error: err})
			o.resolve(task.ID, models.OutcomeFailed, err.Error())
		}
		return
	}

	o.stats.TasksRouted.WithLabelValues(string(dec.Rule.Mode)).Inc()

	if dec.Queued {
		o.trackTask(task, "")
		if p, ok := o.pools[dec.Rule.Target]; ok {
			o.noteBacklog(p)
		}
		o.emitter.Emit(Event{Type: EventTaskQueued, TaskID: task.ID, Worker: dec.Rule.Target})
		return
	}
	o.assign(dec.Instance, task)
}

// assign records the routed task and writes its task-assign record.
func (o *Orchestrator) assign(inst *lifecycle.Instance, task models.Task) {
	o.trackTask(task, inst.ID)

	err := inst.Conn().Send(message.Message{
		Kind:   message.KindTaskAssign,
		TaskID: task.ID,
		Params: task.Params,
	})
	if err != nil {
		o.logger.Log("[orchestrator] assign task %s to %s failed: %v", task.ID, inst.ID, err)
		inst.RemoveTask(task.ID)
		o.resolve(task.ID, models.OutcomeFailed, err.Error())
		return
	}
	o.emitter.Emit(Event{Type: EventTaskRouted, TaskID: task.ID, InstanceID: inst.ID, Worker: inst.Descriptor.Name})
}

// trackTask registers the task in the in-flight table, preserving an
// existing waiter across queue/assign transitions.
func (o *Orchestrator) trackTask(task models.Task, instanceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.inflight[task.ID]; ok {
		existing.instanceID = instanceID
		existing.routedAt = time.Now()
		return
	}
	o.inflight[task.ID] = &inflightTask{
		task:       task,
		instanceID: instanceID,
		routedAt:   time.Now(),
	}
}

// handleRecord processes one inbound worker record.
func (o *Orchestrator) handleRecord(ctx context.Context, m message.Message) {
	switch m.Kind {
	case message.KindTaskStarted:
		o.emitter.Emit(Event{Type: EventTaskStarted, TaskID: m.TaskID, InstanceID: m.InstanceID})
	case message.KindTaskCompleted:
		o.finishTask(ctx, m.TaskID, m.InstanceID, models.OutcomeCompleted, "")
	case message.KindTaskFailed:
		o.finishTask(ctx, m.TaskID, m.InstanceID, models.OutcomeFailed, m.Error)
	case message.KindHeartbeat, message.KindHealthReport:
		o.monitor.ObserveReport(m.InstanceID, time.Now())
	case message.KindShutdownAck:
		o.logger.Log("[orchestrator] instance %s acknowledged shutdown", m.InstanceID)
	default:
		o.logger.Log("[orchestrator] unexpected %s record from %s, ignoring", m.Kind, m.InstanceID)
	}
}

// finishTask settles a terminal task record: metrics, checkpoint,
// instance bookkeeping, backlog drain, and waiter resolution.
func (o *Orchestrator) finishTask(ctx context.Context, taskID, instanceID string, outcome models.TaskOutcome, errText string) {
	o.mu.Lock()
	entry, ok := o.inflight[taskID]
	o.mu.Unlock()
	if !ok {
		o.logger.Log("[orchestrator] terminal record for unknown task %s, ignoring", taskID)
		return
	}

	inst := o.registry.Get(instanceID)
	var category models.Category
	if inst != nil {
		category = inst.Descriptor.Category
	}

	switch outcome {
	case models.OutcomeCompleted:
		o.stats.RecordCompleted(string(category), time.Since(entry.routedAt))
		o.emitter.Emit(Event{Type: EventTaskCompleted, TaskID: taskID, InstanceID: instanceID, Outcome: outcome})
	default:
		o.stats.RecordFailed(string(category))
		o.emitter.Emit(Event{Type: EventTaskFailed, TaskID: taskID, InstanceID: instanceID, Outcome: outcome, Message: errText})
	}

	if o.store != nil {
		if err := o.store.RecordTaskOutcome(entry.task, outcome, instanceID, errText); err != nil {
			o.logger.Log("[orchestrator] checkpoint task %s: %v", taskID, err)
		}
	}

	if inst != nil {
		if p := o.owningPool(instanceID); p != nil {
			o.dispatchAssignments(p.Complete(instanceID, taskID))
			o.noteBacklog(p)
		} else {
			inst.RemoveTask(taskID)
			if inst.Descriptor.Category == models.CategorySingleUse {
				// Single-use instances end with their task.
				go func(id string) {
					if _, err := o.manager.Terminate(ctx, id, true); err != nil &&
						!errors.Is(err, lifecycle.ErrUnknownInstance) {
						o.logger.Log("[orchestrator] terminate %s: %v", id, err)
					}
				}(instanceID)
			}
		}
	}

	o.resolve(taskID, outcome, errText)
}

// resolve removes the task from the in-flight table and signals its
// waiter, if any.
func (o *Orchestrator) resolve(taskID string, outcome models.TaskOutcome, errText string) {
	o.mu.Lock()
	entry, ok := o.inflight[taskID]
	if ok {
		delete(o.inflight, taskID)
	}
	o.mu.Unlock()

	if ok && entry.done != nil {
		entry.done <- taskResult{outcome: outcome, errText: errText}
	}
}

// owningPool returns the pool that owns the instance, or nil.
func (o *Orchestrator) owningPool(instanceID string) *pool.Pool {
	for _, p := range o.pools {
		if p.Owns(instanceID) {
			return p
		}
	}
	return nil
}

// dispatchAssignments sends task-assign records for backlog drains.
func (o *Orchestrator) dispatchAssignments(assignments []pool.Assignment) {
	for _, a := range assignments {
		o.assign(a.Instance, a.Task)
	}
}

// noteBacklog refreshes the backlog gauge for one pool.
func (o *Orchestrator) noteBacklog(p *pool.Pool) {
	o.stats.PoolBacklog.WithLabelValues(p.Name()).Set(float64(p.BacklogLen()))
}

// handleExit settles a process exit: lost tasks become worker-lost,
// pool membership is repaired, and persistent workers are respawned.
func (o *Orchestrator) handleExit(ctx context.Context, ev lifecycle.ExitEvent) {
	if o.store != nil {
		if err := o.store.RecordInstanceExit(ev.InstanceID, ev.Code, len(ev.LostTasks)); err != nil {
			o.logger.Log("[orchestrator] checkpoint exit %s: %v", ev.InstanceID, err)
		}
	}

	if len(ev.LostTasks) > 0 {
		o.stats.WorkersLost.Inc()
		o.emitter.Emit(Event{
			Type:       EventWorkerLost,
			InstanceID: ev.InstanceID,
			Worker:     ev.Descriptor.Name,
			Message:    fmt.Sprintf("exit code %d with %d tasks in flight", ev.Code, len(ev.LostTasks)),
		})
	} else {
		o.emitter.Emit(Event{Type: EventWorkerExited, InstanceID: ev.InstanceID, Worker: ev.Descriptor.Name})
	}

	if p, ok := o.pools[ev.Descriptor.Name]; ok {
		// During shutdown the below-minimum replacement must not run,
		// or terminated pooled workers respawn behind TerminateAll's
		// back and outlive the orchestrator.
		if o.pause.IsStopped() {
			p.Remove(ev.InstanceID)
		} else {
			assignments, replaced := p.HandleExit(ctx, ev.InstanceID)
			if replaced {
				o.stats.ScaleEvents.WithLabelValues("replace").Inc()
			}
			o.dispatchAssignments(assignments)
			o.noteBacklog(p)
		}
	}

	for _, taskID := range ev.LostTasks {
		o.mu.Lock()
		entry, ok := o.inflight[taskID]
		o.mu.Unlock()
		if !ok {
			continue
		}
		o.stats.RecordFailed(string(ev.Descriptor.Category))
		if o.store != nil {
			if err := o.store.RecordTaskOutcome(entry.task, models.OutcomeWorkerLost, ev.InstanceID, "worker exited mid-task"); err != nil {
				o.logger.Log("[orchestrator] checkpoint task %s: %v", taskID, err)
			}
		}
		o.emitter.Emit(Event{Type: EventTaskFailed, TaskID: taskID, InstanceID: ev.InstanceID, Outcome: models.OutcomeWorkerLost})
		o.resolve(taskID, models.OutcomeWorkerLost, "worker exited mid-task")
	}

	// A lost persistent worker is respawned unless the orchestrator is
	// stopping.
	if ev.Descriptor.Category == models.CategoryPersistent && !o.pause.IsStopped() {
		if _, err := o.spawnInstance(ctx, ev.Descriptor); err != nil {
			o.logger.Log("[orchestrator] respawn persistent %s: %v", ev.Descriptor.Name, err)
		}
	}
}

// flagUnhealthy is the monitor's unhealthy callback; it defers the
// decision to the coordinating loop.
func (o *Orchestrator) flagUnhealthy(inst *lifecycle.Instance) {
	select {
	case o.unhealthy <- inst:
	default:
		o.logger.Log("[orchestrator] unhealthy channel full, dropping verdict for %s", inst.ID)
	}
}

// handleUnhealthy acts on a monitor verdict. Pooled and single-use
// instances are killed, which routes recovery through the exit path.
// Persistent workers are only logged: killing the sole instance of a
// persistent worker loses every in-flight task on it.
func (o *Orchestrator) handleUnhealthy(ctx context.Context, inst *lifecycle.Instance) {
	o.emitter.Emit(Event{Type: EventWorkerUnhealthy, InstanceID: inst.ID, Worker: inst.Descriptor.Name})

	if inst.Descriptor.Category == models.CategoryPersistent {
		o.logger.Log("[orchestrator] persistent instance %s unhealthy, leaving in place", inst.ID)
		return
	}
	go func() {
		if _, err := o.manager.Terminate(ctx, inst.ID, false); err != nil &&
			!errors.Is(err, lifecycle.ErrUnknownInstance) {
			o.logger.Log("[orchestrator] terminate unhealthy %s: %v", inst.ID, err)
		}
	}()
}

// terminateIdle is the monitor's scale-down callback.
func (o *Orchestrator) terminateIdle(ctx context.Context, inst *lifecycle.Instance) {
	o.stats.ScaleEvents.WithLabelValues("down").Inc()
	go func() {
		if _, err := o.manager.Terminate(ctx, inst.ID, true); err != nil &&
			!errors.Is(err, lifecycle.ErrUnknownInstance) {
			o.logger.Log("[orchestrator] scale down %s: %v", inst.ID, err)
		}
	}()
}

// Dispatch routes a pipeline task straight to the named worker and
// blocks until its terminal outcome. It implements pipeline.Dispatcher.
func (o *Orchestrator) Dispatch(ctx context.Context, worker string, task models.Task) error {
	desc, ok := o.descriptors[worker]
	if !ok {
		return fmt.Errorf("unknown worker %q", worker)
	}

	done := make(chan taskResult, 1)
	o.mu.Lock()
	o.inflight[task.ID] = &inflightTask{task: task, routedAt: time.Now(), done: done}
	o.mu.Unlock()

	if err := o.dispatchToWorker(ctx, desc, task); err != nil {
		o.mu.Lock()
		delete(o.inflight, task.ID)
		o.mu.Unlock()
		return err
	}

	select {
	case res := <-done:
		if res.outcome != models.OutcomeCompleted {
			return fmt.Errorf("task %s %s: %s", task.ID, res.outcome, res.errText)
		}
		return nil
	case <-ctx.Done():
		o.mu.Lock()
		if entry, ok := o.inflight[task.ID]; ok {
			entry.done = nil
		}
		o.mu.Unlock()
		return ctx.Err()
	}
}

// dispatchToWorker places the task on an instance of the named worker.
func (o *Orchestrator) dispatchToWorker(ctx context.Context, desc models.WorkerDescriptor, task models.Task) error {
	switch desc.Category {
	case models.CategorySingleUse:
		inst, err := o.spawnInstance(ctx, desc)
		if err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		if err := inst.AddTask(task.ID); err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		o.assign(inst, task)
		return nil

	case models.CategoryPooled:
		p := o.pools[desc.Name]
		inst, queued := p.Assign(ctx, task)
		if queued {
			o.noteBacklog(p)
			o.emitter.Emit(Event{Type: EventTaskQueued, TaskID: task.ID, Worker: desc.Name})
			return nil
		}
		o.assign(inst, task)
		return nil

	case models.CategoryPersistent:
		inst := o.registry.FindPersistent(desc.Name)
		if inst == nil {
			return fmt.Errorf("task %s: persistent worker %q not running", task.ID, desc.Name)
		}
		if err := inst.AddTask(task.ID); err != nil {
			o.stats.TasksNoCapacity.Inc()
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		o.assign(inst, task)
		return nil
	}
	return fmt.Errorf("task %s: worker %q has unknown category %q", task.ID, desc.Name, desc.Category)
}
