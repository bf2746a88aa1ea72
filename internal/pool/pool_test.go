package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tolvanen/warden/internal/lifecycle"
	"github.com/tolvanen/warden/internal/proc"
	"github.com/tolvanen/warden/pkg/models"
)

// poolWorld wires a pool to a lifecycle manager backed by fake processes.
type poolWorld struct {
	pool    *Pool
	spawner *proc.FakeSpawner
	manager *lifecycle.Manager
}

func newPoolWorld(t *testing.T, min, max, threshold int) *poolWorld {
	t.Helper()

	desc := models.WorkerDescriptor{
		Name:     "builders",
		Category: models.CategoryPooled,
		Command:  "worker-build",
		Pool:     models.PoolSettings{Min: min, Max: max, ScaleUpThreshold: threshold},
	}
	spawner := proc.NewFakeSpawner()
	mgr := lifecycle.NewManager(spawner, lifecycle.NewRegistry(), lifecycle.ManagerConfig{
		ReadyTimeout: time.Second,
		GracePeriod:  100 * time.Millisecond,
	})

	p := New(desc, func(ctx context.Context) (*lifecycle.Instance, error) {
		return mgr.Spawn(ctx, desc, nil)
	}, nil)

	return &poolWorld{pool: p, spawner: spawner, manager: mgr}
}

func task(id string) models.Task {
	return models.Task{ID: id, Type: "build", Priority: models.PriorityNormal, CreatedAt: time.Now()}
}

func TestPool_StartSpawnsMinimum(t *testing.T) {
	w := newPoolWorld(t, 2, 5, 3)
	if err := w.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := w.pool.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestPool_RoundRobinRegistrationOrder(t *testing.T) {
	w := newPoolWorld(t, 3, 3, 10)
	if err := w.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	instances := w.pool.Instances()

	// Three idle instances, three tasks: each instance receives exactly
	// one, in registration order.
	for i, id := range []string{"t1", "t2", "t3"} {
		inst, queued := w.pool.Assign(context.Background(), task(id))
		if queued {
			t.Fatalf("task %s unexpectedly queued", id)
		}
		if inst.ID != instances[i].ID {
			t.Errorf("task %s went to instance %d, want %d", id, indexOf(instances, inst), i)
		}
	}

	// A fourth task queues: every instance is busy and there is no slack.
	if _, queued := w.pool.Assign(context.Background(), task("t4")); !queued {
		t.Fatal("t4 should be queued")
	}

	// Completing the first instance's task frees it; the backlog drains
	// onto it, so exactly one instance has now received two tasks.
	assigned := w.pool.Complete(instances[0].ID, "t1")
	if len(assigned) != 1 {
		t.Fatalf("drained %d assignments, want 1", len(assigned))
	}
	if assigned[0].Instance.ID != instances[0].ID || assigned[0].Task.ID != "t4" {
		t.Errorf("drain gave %s to %s", assigned[0].Task.ID, assigned[0].Instance.ID)
	}
	if w.pool.BacklogLen() != 0 {
		t.Errorf("backlog = %d, want 0", w.pool.BacklogLen())
	}
}

func indexOf(instances []*lifecycle.Instance, inst *lifecycle.Instance) int {
	for i, c := range instances {
		if c.ID == inst.ID {
			return i
		}
	}
	return -1
}

func TestPool_ScaleUpScenario(t *testing.T) {
	// min=2, max=5, scaleUpThreshold=3. Both instances busy; four tasks
	// arrive back-to-back. Expect exactly one scale-up spawn once the
	// backlog reaches 3, with the remaining work queued.
	w := newPoolWorld(t, 2, 5, 3)
	if err := w.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i, inst := range w.pool.Instances() {
		if err := inst.AddTask("busy-" + string(rune('a'+i))); err != nil {
			t.Fatalf("occupy instance: %v", err)
		}
	}

	for _, id := range []string{"q1", "q2", "q3"} {
		if _, queued := w.pool.Assign(context.Background(), task(id)); !queued {
			t.Fatalf("task %s should queue while instances are busy", id)
		}
	}
	if w.pool.Len() != 2 {
		t.Fatalf("no scale-up expected below threshold, Len() = %d", w.pool.Len())
	}

	inst, queued := w.pool.Assign(context.Background(), task("q4"))
	if queued {
		t.Fatal("q4 should be assigned to the scale-up instance")
	}
	if w.pool.Len() != 3 {
		t.Errorf("Len() = %d, want 3 after one scale-up", w.pool.Len())
	}
	if !inst.HasTask("q4") {
		t.Error("scale-up instance should hold q4")
	}
	if w.pool.BacklogLen() != 3 {
		t.Errorf("backlog = %d, want 3", w.pool.BacklogLen())
	}
}

func TestPool_ScaleUpSpawnFailureFallsToBacklog(t *testing.T) {
	w := newPoolWorld(t, 1, 3, 1)
	if err := w.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.pool.Instances()[0].AddTask("busy"); err != nil {
		t.Fatal(err)
	}
	if _, queued := w.pool.Assign(context.Background(), task("q1")); !queued {
		t.Fatal("q1 should queue")
	}

	w.spawner.FailStarts(errors.New("fork failed"))
	if _, queued := w.pool.Assign(context.Background(), task("q2")); !queued {
		t.Fatal("q2 should fall through to the backlog when scale-up fails")
	}
	if w.pool.Len() != 1 {
		t.Errorf("Len() = %d, want 1", w.pool.Len())
	}
	if w.pool.BacklogLen() != 2 {
		t.Errorf("backlog = %d, want 2", w.pool.BacklogLen())
	}

	// The queued work is not stranded: the next completion re-drains it.
	w.spawner.FailStarts(nil)
	assigned := w.pool.Complete(w.pool.Instances()[0].ID, "busy")
	if len(assigned) != 1 || assigned[0].Task.ID != "q1" {
		t.Fatalf("drain after completion = %+v, want q1", assigned)
	}
}

func TestPool_CancelQueuedTask(t *testing.T) {
	w := newPoolWorld(t, 1, 1, 5)
	if err := w.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.pool.Instances()[0].AddTask("busy"); err != nil {
		t.Fatal(err)
	}

	w.pool.Assign(context.Background(), task("q1"))
	w.pool.Assign(context.Background(), task("q2"))

	if !w.pool.Cancel("q1") {
		t.Error("Cancel(q1) should succeed for a queued task")
	}
	if w.pool.Cancel("busy") {
		t.Error("Cancel should not touch dispatched tasks")
	}
	if w.pool.BacklogLen() != 1 {
		t.Errorf("backlog = %d, want 1", w.pool.BacklogLen())
	}
}

func TestPool_HandleExitReplacesBelowMinimum(t *testing.T) {
	w := newPoolWorld(t, 2, 4, 2)
	if err := w.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	gone := w.pool.Instances()[0].ID

	_, replaced := w.pool.HandleExit(context.Background(), gone)
	if !replaced {
		t.Error("exit below minimum should spawn a replacement")
	}
	if w.pool.Len() != 2 {
		t.Errorf("Len() = %d, want 2", w.pool.Len())
	}
	if w.pool.Owns(gone) {
		t.Error("exited instance should be detached")
	}
}

func TestPool_HandleExitAboveMinimumNoReplacement(t *testing.T) {
	w := newPoolWorld(t, 1, 4, 1)
	if err := w.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Force a scale-up so the pool is above its minimum.
	if err := w.pool.Instances()[0].AddTask("busy"); err != nil {
		t.Fatal(err)
	}
	w.pool.Assign(context.Background(), task("q1"))
	if _, queued := w.pool.Assign(context.Background(), task("t2")); queued {
		t.Fatal("t2 should trigger scale-up")
	}
	if w.pool.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", w.pool.Len())
	}

	_, replaced := w.pool.HandleExit(context.Background(), w.pool.Instances()[1].ID)
	if replaced {
		t.Error("exit above minimum should not replace")
	}
	if w.pool.Len() != 1 {
		t.Errorf("Len() = %d, want 1", w.pool.Len())
	}
}

func TestPool_RemoveNeverReplaces(t *testing.T) {
	w := newPoolWorld(t, 2, 4, 2)
	if err := w.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	gone := w.pool.Instances()[0].ID

	if !w.pool.Remove(gone) {
		t.Fatal("Remove should report the instance was detached")
	}
	// Below minimum, yet no replacement: Remove is the teardown path.
	if w.pool.Len() != 1 {
		t.Errorf("Len() = %d, want 1", w.pool.Len())
	}
	if got := len(w.spawner.Handles()); got != 2 {
		t.Errorf("%d processes spawned, want the original 2", got)
	}
	if w.pool.Remove(gone) {
		t.Error("second Remove of the same instance should report false")
	}
}

func TestPool_BoundsInvariant(t *testing.T) {
	w := newPoolWorld(t, 2, 3, 1)
	check := func(when string) {
		t.Helper()
		n := w.pool.Len()
		if n < 2 || n > 3 {
			t.Errorf("%s: instance count %d outside [2,3]", when, n)
		}
	}

	if err := w.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	check("after start")

	for _, inst := range w.pool.Instances() {
		inst.AddTask("busy-" + inst.ID)
	}
	w.pool.Assign(context.Background(), task("q1"))
	check("after queueing")
	w.pool.Assign(context.Background(), task("t1"))
	check("after scale-up")
	w.pool.Assign(context.Background(), task("t2"))
	w.pool.Assign(context.Background(), task("t3"))
	check("at maximum")

	w.pool.HandleExit(context.Background(), w.pool.Instances()[0].ID)
	check("after exit")
}
