package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tolvanen/warden/internal/message"
	"github.com/tolvanen/warden/internal/pipeline"
	"github.com/tolvanen/warden/internal/proc"
	"github.com/tolvanen/warden/pkg/models"
)

// completeScript makes every fake worker acknowledge assigned tasks,
// complete them immediately, and exit on shutdown.
func completeScript(h *proc.FakeHandle, m message.Message) {
	switch m.Kind {
	case message.KindTaskAssign:
		h.Emit(message.Message{Kind: message.KindTaskStarted, TaskID: m.TaskID})
		h.Emit(message.Message{Kind: message.KindTaskCompleted, TaskID: m.TaskID})
	case message.KindHeartbeat:
		h.Emit(message.Message{Kind: message.KindHealthReport})
	case message.KindShutdown:
		h.Emit(message.Message{Kind: message.KindShutdownAck})
		h.Exit(0)
	}
}

func testConfig() Config {
	return Config{
		Workers: []models.WorkerDescriptor{
			{Name: "scanner", Category: models.CategoryPersistent, Command: "worker-scan", ConcurrencyLimit: 4},
			{Name: "builders", Category: models.CategoryPooled, Command: "worker-build",
				Pool: models.PoolSettings{Min: 1, Max: 3, ScaleUpThreshold: 2}},
			{Name: "archivist", Category: models.CategorySingleUse, Command: "worker-archive"},
		},
		Rules: []models.RoutingRule{
			{Name: "scans", TaskType: "scan*", Target: "scanner", Mode: models.DispatchPersistentAssign},
			{Name: "builds", TaskType: "build*", Target: "builders", Mode: models.DispatchPoolRoundRobin},
			{Name: "archives", TaskType: "archive*", Target: "archivist", Mode: models.DispatchSpawnNew},
		},
		ReadyTimeout:    time.Second,
		GracePeriod:     100 * time.Millisecond,
		StageTimeout:    2 * time.Second,
		BarrierTimeout:  200 * time.Millisecond,
		MonitorInterval: time.Hour,
	}
}

func newTestOrchestrator(t *testing.T, script func(*proc.FakeHandle, message.Message)) (*Orchestrator, *proc.FakeSpawner) {
	t.Helper()
	spawner := proc.NewFakeSpawner()
	spawner.Script = script

	o, err := New(testConfig(), WithSpawner(spawner))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		o.Shutdown(context.Background())
	})
	return o, spawner
}

// awaitEvent drains the event stream until the wanted type appears.
func awaitEvent(t *testing.T, o *Orchestrator, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-o.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestOrchestrator_SubmitCompletesPersistentTask(t *testing.T) {
	o, _ := newTestOrchestrator(t, completeScript)

	task := models.NewTask("scan-source", map[string]string{"path": "/src"})
	if err := o.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev := awaitEvent(t, o, EventTaskCompleted)
	if ev.TaskID != task.ID {
		t.Errorf("completed task = %s, want %s", ev.TaskID, task.ID)
	}
}

func TestOrchestrator_SubmitPooledTask(t *testing.T) {
	o, _ := newTestOrchestrator(t, completeScript)

	task := models.NewTask("build-core", nil)
	if err := o.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	awaitEvent(t, o, EventTaskCompleted)
}

func TestOrchestrator_SpawnNewTerminatesAfterTask(t *testing.T) {
	o, spawner := newTestOrchestrator(t, completeScript)

	before := len(spawner.Handles())
	task := models.NewTask("archive-logs", nil)
	if err := o.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	awaitEvent(t, o, EventTaskCompleted)

	if got := len(spawner.Handles()); got != before+1 {
		t.Errorf("spawned %d instances for single-use task, want 1", got-before)
	}
	awaitEvent(t, o, EventWorkerExited)
}

func TestOrchestrator_UnroutableTask(t *testing.T) {
	o, _ := newTestOrchestrator(t, completeScript)

	task := models.NewTask("deploy-prod", nil)
	if err := o.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev := awaitEvent(t, o, EventTaskUnroutable)
	if ev.TaskID != task.ID {
		t.Errorf("unroutable task = %s, want %s", ev.TaskID, task.ID)
	}
}

func TestOrchestrator_WorkerLostMidTask(t *testing.T) {
	crashOnAssign := func(h *proc.FakeHandle, m message.Message) {
		switch m.Kind {
		case message.KindTaskAssign:
			h.Exit(1)
		case message.KindShutdown:
			h.Exit(0)
		}
	}
	o, _ := newTestOrchestrator(t, crashOnAssign)

	task := models.NewTask("scan-source", nil)
	if err := o.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	awaitEvent(t, o, EventWorkerLost)
	ev := awaitEvent(t, o, EventTaskFailed)
	if ev.Outcome != models.OutcomeWorkerLost {
		t.Errorf("outcome = %s, want %s", ev.Outcome, models.OutcomeWorkerLost)
	}
	// The lost persistent worker is respawned.
	awaitEvent(t, o, EventWorkerSpawned)
}

func TestOrchestrator_RunPipeline(t *testing.T) {
	o, _ := newTestOrchestrator(t, completeScript)
	o.pipelines["release"] = models.Pipeline{
		Name: "release",
		Stages: []models.Stage{
			{Name: "build", Workers: []string{"builders"}, Blocking: true},
			{Name: "archive", Workers: []string{"archivist"}, DependsOn: []string{"build"}},
		},
	}

	run, err := o.RunPipeline(context.Background(), "release")
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if run.Status != pipeline.RunCompleted {
		t.Errorf("run status = %s, want %s", run.Status, pipeline.RunCompleted)
	}
	if got := run.StageOutcome("archive"); got != pipeline.StageSuccess {
		t.Errorf("archive stage = %s, want %s", got, pipeline.StageSuccess)
	}
}

func TestOrchestrator_RunPipelineUnknown(t *testing.T) {
	o, _ := newTestOrchestrator(t, completeScript)
	if _, err := o.RunPipeline(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown pipeline")
	}
}

func TestOrchestrator_PauseBlocksSubmit(t *testing.T) {
	o, _ := newTestOrchestrator(t, completeScript)
	o.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := o.Submit(ctx, models.NewTask("scan-source", nil)); err == nil {
		t.Error("Submit should block while paused")
	}

	o.Resume()
	if err := o.Submit(context.Background(), models.NewTask("scan-source", nil)); err != nil {
		t.Errorf("Submit after resume: %v", err)
	}
	awaitEvent(t, o, EventTaskCompleted)
}

func TestOrchestrator_ShutdownCountsForcedKills(t *testing.T) {
	ignoreShutdown := func(h *proc.FakeHandle, m message.Message) {}

	spawner := proc.NewFakeSpawner()
	spawner.Script = ignoreShutdown
	o, err := New(testConfig(), WithSpawner(spawner))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	forced := o.Shutdown(context.Background())
	if forced == 0 {
		t.Error("workers ignoring shutdown must be counted as forced")
	}
}

func TestOrchestrator_ShutdownDoesNotReplacePooledWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.Workers[1].Pool = models.PoolSettings{Min: 2, Max: 3, ScaleUpThreshold: 2}

	spawner := proc.NewFakeSpawner()
	spawner.Script = completeScript
	o, err := New(cfg, WithSpawner(spawner))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before := len(spawner.Handles())
	forced := o.Shutdown(context.Background())
	if forced != 0 {
		t.Errorf("forced = %d, want 0 for workers honoring shutdown", forced)
	}

	// Pooled exits during shutdown must not trigger the below-minimum
	// replacement: every process that ever existed has exited, and no
	// new ones were spawned.
	if got := len(spawner.Handles()); got != before {
		t.Errorf("%d workers spawned during shutdown, want 0", got-before)
	}
	for _, h := range spawner.Handles() {
		select {
		case <-h.Done():
		default:
			t.Errorf("worker pid %d still running after Shutdown returned", h.Pid())
		}
	}
}

func TestOrchestrator_BacklogGaugeTracksQueuedTasks(t *testing.T) {
	holdTasks := func(h *proc.FakeHandle, m message.Message) {
		switch m.Kind {
		case message.KindTaskAssign:
			h.Emit(message.Message{Kind: message.KindTaskStarted, TaskID: m.TaskID})
		case message.KindShutdown:
			h.Emit(message.Message{Kind: message.KindShutdownAck})
			h.Exit(0)
		}
	}
	o, _ := newTestOrchestrator(t, holdTasks)

	if err := o.Submit(context.Background(), models.NewTask("build-a", nil)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	awaitEvent(t, o, EventTaskRouted)

	// The only pool instance is now busy and the backlog is below the
	// scale-up threshold, so the second task queues.
	if err := o.Submit(context.Background(), models.NewTask("build-b", nil)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	awaitEvent(t, o, EventTaskQueued)

	gauge := o.stats.PoolBacklog.WithLabelValues("builders")
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("backlog gauge = %v, want 1", got)
	}
}

func TestOrchestrator_InvalidConfigFails(t *testing.T) {
	cfg := testConfig()
	cfg.Rules = append(cfg.Rules, models.RoutingRule{
		Name: "broken", TaskType: "x*", Target: "nope", Mode: models.DispatchSpawnNew,
	})
	if _, err := New(cfg, WithSpawner(proc.NewFakeSpawner())); err == nil {
		t.Error("expected construction error for unknown rule target")
	}
}
