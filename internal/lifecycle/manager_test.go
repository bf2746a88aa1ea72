package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tolvanen/warden/internal/message"
	"github.com/tolvanen/warden/internal/proc"
	"github.com/tolvanen/warden/pkg/models"
)

func testDescriptor(category models.Category) models.WorkerDescriptor {
	d := models.WorkerDescriptor{
		Name:         "tester",
		Category:     category,
		Capabilities: []string{"test"},
		Command:      "worker-test",
	}
	if category == models.CategoryPooled {
		d.Pool = models.PoolSettings{Min: 1, Max: 3, ScaleUpThreshold: 2}
	}
	return d
}

func newTestManager(spawner proc.Spawner) *Manager {
	return NewManager(spawner, NewRegistry(), ManagerConfig{
		ReadyTimeout: 200 * time.Millisecond,
		GracePeriod:  200 * time.Millisecond,
	})
}

func TestManager_SpawnReady(t *testing.T) {
	spawner := proc.NewFakeSpawner()
	m := newTestManager(spawner)

	inst, err := m.Spawn(context.Background(), testDescriptor(models.CategoryPooled), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if inst.State() != models.StateReady {
		t.Errorf("state = %s, want ready", inst.State())
	}
	if m.Registry().Get(inst.ID) == nil {
		t.Error("instance not registered")
	}

	env := spawner.Handles()[0].Spec().Env
	if env["WARDEN_INSTANCE_ID"] != inst.ID {
		t.Errorf("spawn env instance id = %q, want %q", env["WARDEN_INSTANCE_ID"], inst.ID)
	}
	if env["WARDEN_CAPABILITIES"] != "test" {
		t.Errorf("spawn env capabilities = %q", env["WARDEN_CAPABILITIES"])
	}
}

func TestManager_SpawnReadyTimeout(t *testing.T) {
	spawner := proc.NewFakeSpawner()
	spawner.AutoReady = false
	m := newTestManager(spawner)

	_, err := m.Spawn(context.Background(), testDescriptor(models.CategorySingleUse), nil)
	if !errors.Is(err, ErrSpawnTimeout) {
		t.Fatalf("err = %v, want ErrSpawnTimeout", err)
	}
	if m.Registry().Count() != 0 {
		t.Error("failed spawn should not be registered")
	}
}

func TestManager_SpawnExitBeforeReady(t *testing.T) {
	spawner := proc.NewFakeSpawner()
	spawner.AutoReady = false
	m := newTestManager(spawner)

	done := make(chan error, 1)
	go func() {
		_, err := m.Spawn(context.Background(), testDescriptor(models.CategorySingleUse), nil)
		done <- err
	}()

	// Wait for the fake process to exist, then exit it non-zero.
	deadline := time.Now().Add(time.Second)
	for len(spawner.Handles()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fake process never started")
		}
		time.Sleep(time.Millisecond)
	}
	spawner.Handles()[0].Exit(2)

	err := <-done
	if !errors.Is(err, ErrSpawnExited) {
		t.Fatalf("err = %v, want ErrSpawnExited", err)
	}
}

func TestManager_ExitWithInFlightTask(t *testing.T) {
	spawner := proc.NewFakeSpawner()
	m := newTestManager(spawner)

	inst, err := m.Spawn(context.Background(), testDescriptor(models.CategorySingleUse), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := inst.AddTask("task-1"); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	spawner.Handles()[0].Exit(1)

	select {
	case ev := <-m.Exits():
		if ev.InstanceID != inst.ID {
			t.Errorf("exit instance = %s, want %s", ev.InstanceID, inst.ID)
		}
		if ev.Code != 1 {
			t.Errorf("exit code = %d, want 1", ev.Code)
		}
		if len(ev.LostTasks) != 1 || ev.LostTasks[0] != "task-1" {
			t.Errorf("lost tasks = %v, want [task-1]", ev.LostTasks)
		}
	case <-time.After(time.Second):
		t.Fatal("no exit event")
	}

	if m.Registry().Get(inst.ID) != nil {
		t.Error("exited instance still registered")
	}
	if inst.State() != models.StateTerminated {
		t.Errorf("state = %s, want terminated", inst.State())
	}
}

func TestManager_TerminateGraceful(t *testing.T) {
	spawner := proc.NewFakeSpawner()
	spawner.Script = func(h *proc.FakeHandle, m message.Message) {
		if m.Kind == message.KindShutdown {
			h.Emit(message.Message{Kind: message.KindShutdownAck})
			h.Exit(0)
		}
	}
	m := newTestManager(spawner)

	inst, err := m.Spawn(context.Background(), testDescriptor(models.CategoryPersistent), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	forced, err := m.Terminate(context.Background(), inst.ID, true)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if forced {
		t.Error("cooperative worker should not need a forced kill")
	}
}

func TestManager_TerminateGracefulTimeoutKills(t *testing.T) {
	spawner := proc.NewFakeSpawner()
	m := newTestManager(spawner)

	inst, err := m.Spawn(context.Background(), testDescriptor(models.CategoryPersistent), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// Worker ignores shutdown; the grace period must expire into a kill.
	forced, err := m.Terminate(context.Background(), inst.ID, true)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !forced {
		t.Error("unresponsive worker should be force-killed")
	}
}

func TestManager_TerminateUnknown(t *testing.T) {
	m := newTestManager(proc.NewFakeSpawner())
	if _, err := m.Terminate(context.Background(), "nope", true); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("err = %v, want ErrUnknownInstance", err)
	}
}

func TestInstance_ConcurrencyLimit(t *testing.T) {
	spawner := proc.NewFakeSpawner()
	m := newTestManager(spawner)

	desc := testDescriptor(models.CategoryPersistent)
	desc.ConcurrencyLimit = 2

	inst, err := m.Spawn(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := inst.AddTask("a"); err != nil {
		t.Fatalf("first AddTask: %v", err)
	}
	if err := inst.AddTask("b"); err != nil {
		t.Fatalf("second AddTask: %v", err)
	}
	if err := inst.AddTask("c"); err == nil {
		t.Error("third AddTask should exceed the concurrency limit")
	}

	inst.RemoveTask("a")
	if err := inst.AddTask("c"); err != nil {
		t.Errorf("AddTask after completion: %v", err)
	}

	inst.RemoveTask("b")
	inst.RemoveTask("c")
	if inst.State() != models.StateReady {
		t.Errorf("state = %s, want ready after all tasks done", inst.State())
	}
}
