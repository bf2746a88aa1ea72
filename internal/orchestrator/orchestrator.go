package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tolvanen/warden/internal/barrier"
	"github.com/tolvanen/warden/internal/health"
	"github.com/tolvanen/warden/internal/lifecycle"
	"github.com/tolvanen/warden/internal/message"
	"github.com/tolvanen/warden/internal/metrics"
	"github.com/tolvanen/warden/internal/pipeline"
	"github.com/tolvanen/warden/internal/pool"
	"github.com/tolvanen/warden/internal/router"
	"github.com/tolvanen/warden/internal/state"
	"github.com/tolvanen/warden/pkg/models"
)

// Config holds the static definition of the fleet the orchestrator
// supervises.
type Config struct {
	// Workers are the descriptors of every worker type.
	Workers []models.WorkerDescriptor
	// Rules route submitted tasks to workers, evaluated in order.
	Rules []models.RoutingRule
	// Pipelines are the named multi-stage workflows.
	Pipelines []models.Pipeline

	// ReadyTimeout bounds the wait for a worker's ready signal.
	ReadyTimeout time.Duration
	// GracePeriod bounds graceful termination.
	GracePeriod time.Duration
	// StageTimeout bounds pipeline stages without an explicit timeout.
	StageTimeout time.Duration
	// BarrierTimeout bounds synchronized stage barriers.
	BarrierTimeout time.Duration
	// MonitorInterval is the liveness probe cadence.
	MonitorInterval time.Duration
	// InstanceCeiling caps the total live instance count. Zero disables.
	InstanceCeiling int
}

// taskResult is the terminal disposition delivered to a task's waiter.
type taskResult struct {
	outcome models.TaskOutcome
	errText string
}

// inflightTask tracks one routed task until a terminal record arrives.
type inflightTask struct {
	task       models.Task
	instanceID string
	routedAt   time.Time
	rerouted   bool
	done       chan taskResult
}

// Orchestrator wires the registry, lifecycle manager, pools, router,
// pipeline executor, barrier coordinator, and health monitor together
// behind a single coordinating loop.
type Orchestrator struct {
	cfg         Config
	descriptors map[string]models.WorkerDescriptor
	pipelines   map[string]models.Pipeline

	registry *lifecycle.Registry
	manager  *lifecycle.Manager
	pools    map[string]*pool.Pool
	router   *router.Router
	barriers *barrier.Coordinator
	executor *pipeline.Executor
	monitor  *health.Monitor

	stats    *metrics.Metrics
	store    *state.DB
	logger   *DebugLogger
	emitter  *EventEmitter
	pause    *PauseController
	snapshot *metrics.SnapshotWriter

	records     chan message.Message
	submissions chan models.Task
	unhealthy   chan *lifecycle.Instance

	mu       sync.Mutex
	inflight map[string]*inflightTask

	started  time.Time
	cancel   context.CancelFunc
	loopDone chan struct{}
	bg       sync.WaitGroup
}

// New validates the config and assembles an orchestrator. Construction
// errors are fatal: a fleet with an invalid descriptor, rule, or
// pipeline never starts.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	descriptors := make(map[string]models.WorkerDescriptor, len(cfg.Workers))
	for _, desc := range cfg.Workers {
		if err := desc.Validate(); err != nil {
			return nil, fmt.Errorf("worker %q: %w", desc.Name, err)
		}
		if _, dup := descriptors[desc.Name]; dup {
			return nil, fmt.Errorf("worker %q: duplicate descriptor", desc.Name)
		}
		descriptors[desc.Name] = desc
	}

	pipelines := make(map[string]models.Pipeline, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
		for _, stage := range p.Stages {
			for _, w := range stage.Workers {
				if _, ok := descriptors[w]; !ok {
					return nil, fmt.Errorf("pipeline %q stage %q: unknown worker %q", p.Name, stage.Name, w)
				}
			}
		}
		pipelines[p.Name] = p
	}

	o := &Orchestrator{
		cfg:         cfg,
		descriptors: descriptors,
		pipelines:   pipelines,
		registry:    lifecycle.NewRegistry(),
		pools:       make(map[string]*pool.Pool),
		stats:       options.stats,
		store:       options.store,
		logger:      options.logger,
		emitter:     NewEventEmitter(options.eventBuffer),
		pause:       NewPauseController(),
		records:     make(chan message.Message, 256),
		submissions: make(chan models.Task, 64),
		unhealthy:   make(chan *lifecycle.Instance, 16),
		inflight:    make(map[string]*inflightTask),
		loopDone:    make(chan struct{}),
	}

	o.manager = lifecycle.NewManager(options.spawner, o.registry, lifecycle.ManagerConfig{
		ReadyTimeout: cfg.ReadyTimeout,
		GracePeriod:  cfg.GracePeriod,
		Logf:         o.logger.Log,
	})

	for name, desc := range descriptors {
		if desc.Category != models.CategoryPooled {
			continue
		}
		d := desc
		o.pools[name] = pool.New(d, func(ctx context.Context) (*lifecycle.Instance, error) {
			return o.spawnInstance(ctx, d)
		}, o.logger.Log)
	}

	r, err := router.New(cfg.Rules, descriptors, o.pools, o.registry,
		func(ctx context.Context, descriptorName string, task models.Task) (*lifecycle.Instance, error) {
			desc, ok := descriptors[descriptorName]
			if !ok {
				return nil, fmt.Errorf("unknown worker %q", descriptorName)
			}
			return o.spawnInstance(ctx, desc)
		}, o.logger.Log)
	if err != nil {
		return nil, err
	}
	o.router = r

	o.barriers = barrier.NewCoordinator(cfg.BarrierTimeout, o.logger.Log)
	o.executor = pipeline.NewExecutor(o, o.barriers, o.stats, cfg.StageTimeout, o.logger.Log)
	o.monitor = health.NewMonitor(o.registry, health.Config{
		Interval: cfg.MonitorInterval,
		Ceiling:  cfg.InstanceCeiling,
		Logf:     o.logger.Log,
	}, o.stats, o.flagUnhealthy, o.terminateIdle)

	if options.snapshotPath != "" {
		o.snapshot = metrics.NewSnapshotWriter(o.stats, options.snapshotPath, options.snapshotInterval)
	}

	return o, nil
}

// Start brings up the minimum fleet and starts the coordinating loop.
// Persistent workers and pool minimums that fail to spawn are fatal.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.started = time.Now()
	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	for _, desc := range o.descriptors {
		if desc.Category != models.CategoryPersistent {
			continue
		}
		if _, err := o.spawnInstance(ctx, desc); err != nil {
			cancel()
			return fmt.Errorf("start persistent worker %q: %w", desc.Name, err)
		}
	}
	for name, p := range o.pools {
		if err := p.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start pool %q: %w", name, err)
		}
	}

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.monitor.Run(loopCtx)
	}()
	if o.snapshot != nil {
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			o.snapshot.Run(loopCtx)
		}()
	}
	go o.runLoop(loopCtx)

	o.logger.Log("[orchestrator] started with %d worker types, %d rules, %d pipelines",
		len(o.descriptors), len(o.cfg.Rules), len(o.pipelines))
	return nil
}

// Submit enqueues a task for routing. It blocks while the orchestrator
// is paused and fails once it is stopped.
func (o *Orchestrator) Submit(ctx context.Context, task models.Task) error {
	if err := o.pause.WaitIfPaused(ctx); err != nil {
		return err
	}
	select {
	case o.submissions <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunPipeline executes a configured pipeline by name and checkpoints
// the result.
func (o *Orchestrator) RunPipeline(ctx context.Context, name string) (*pipeline.RunResult, error) {
	p, ok := o.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}

	o.emitter.Emit(Event{Type: EventPipelineStarted, Pipeline: name})
	started := time.Now()

	run := o.executor.Execute(ctx, p)

	o.stats.PipelineRuns.WithLabelValues(string(run.Status)).Inc()
	if o.store != nil {
		if err := o.store.RecordPipelineRun(*run, started); err != nil {
			o.logger.Log("[orchestrator] checkpoint pipeline run %s: %v", run.RunID, err)
		}
	}
	o.emitter.Emit(Event{
		Type:     EventPipelineCompleted,
		Pipeline: name,
		Message:  fmt.Sprintf("run %s %s (degraded=%v)", run.RunID, run.Status, run.Degraded),
	})
	return run, nil
}

// Pause stops routing new tasks. In-flight work continues.
func (o *Orchestrator) Pause() {
	o.pause.Pause()
	o.logger.Log("[orchestrator] paused, no new tasks will be routed")
}

// Resume re-enables task routing after a pause.
func (o *Orchestrator) Resume() {
	o.pause.Resume()
	o.logger.Log("[orchestrator] resumed")
}

// Events exposes the orchestrator's event stream.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Registry exposes the instance registry for read-only inspection.
func (o *Orchestrator) Registry() *lifecycle.Registry {
	return o.registry
}

// Pool returns the named pool, or nil.
func (o *Orchestrator) Pool(name string) *pool.Pool {
	return o.pools[name]
}

// Shutdown stops routing, terminates every instance gracefully, and
// reports how many required a forced kill.
func (o *Orchestrator) Shutdown(ctx context.Context) (forced int) {
	o.logger.Log("[orchestrator] shutting down")
	o.emitter.Emit(Event{Type: EventShutdown})
	o.pause.Stop()

	forced = o.manager.TerminateAll(ctx)

	if o.cancel != nil {
		o.cancel()
		<-o.loopDone
		o.bg.Wait()
	}

	o.failAllInflight("orchestrator shutdown")
	if o.snapshot != nil {
		if err := o.snapshot.Write(); err != nil {
			o.logger.Log("[orchestrator] final snapshot: %v", err)
		}
	}
	o.emitter.Close()
	o.logger.Log("[orchestrator] shutdown complete (%d forced)", forced)
	return forced
}

// failAllInflight resolves every remaining waiter as cancelled.
func (o *Orchestrator) failAllInflight(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.inflight {
		if t.done != nil {
			t.done <- taskResult{outcome: models.OutcomeCancelled, errText: reason}
		}
		delete(o.inflight, id)
	}
}
