package models

import (
	"testing"
	"time"
)

func validPooledDescriptor() WorkerDescriptor {
	return WorkerDescriptor{
		Name:         "builder",
		Category:     CategoryPooled,
		Capabilities: []string{"build", "lint"},
		Command:      "worker-build",
		ExecTimeout:  time.Minute,
		Pool:         PoolSettings{Min: 1, Max: 4, ScaleUpThreshold: 2},
	}
}

func TestWorkerDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*WorkerDescriptor)
		wantErr bool
	}{
		{"valid pooled", func(d *WorkerDescriptor) {}, false},
		{"missing name", func(d *WorkerDescriptor) { d.Name = "" }, true},
		{"unknown category", func(d *WorkerDescriptor) { d.Category = "elastic" }, true},
		{"missing command", func(d *WorkerDescriptor) { d.Command = "" }, true},
		{"negative concurrency", func(d *WorkerDescriptor) { d.ConcurrencyLimit = -1 }, true},
		{"pooled with concurrency above 1", func(d *WorkerDescriptor) { d.ConcurrencyLimit = 2 }, true},
		{"min above max", func(d *WorkerDescriptor) { d.Pool.Min = 5 }, true},
		{"zero max", func(d *WorkerDescriptor) { d.Pool.Max = 0 }, true},
		{"zero scale threshold", func(d *WorkerDescriptor) { d.Pool.ScaleUpThreshold = 0 }, true},
		{"persistent multi-task", func(d *WorkerDescriptor) {
			d.Category = CategoryPersistent
			d.ConcurrencyLimit = 4
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validPooledDescriptor()
			tt.mutate(&d)
			err := d.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWorkerDescriptor_EffectiveConcurrency(t *testing.T) {
	d := validPooledDescriptor()
	if got := d.EffectiveConcurrency(); got != 1 {
		t.Errorf("default concurrency = %d, want 1", got)
	}
	d.ConcurrencyLimit = 3
	if got := d.EffectiveConcurrency(); got != 3 {
		t.Errorf("explicit concurrency = %d, want 3", got)
	}
}

func TestWorkerDescriptor_HasCapability(t *testing.T) {
	d := validPooledDescriptor()
	if !d.HasCapability("build") {
		t.Error("expected build capability")
	}
	if d.HasCapability("deploy") {
		t.Error("unexpected deploy capability")
	}
}

func TestInstanceState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to InstanceState
		want     bool
	}{
		{StateSpawning, StateReady, true},
		{StateSpawning, StateTerminated, true},
		{StateSpawning, StateBusy, false},
		{StateReady, StateBusy, true},
		{StateReady, StateDraining, true},
		{StateBusy, StateReady, true},
		{StateBusy, StateSpawning, false},
		{StateDraining, StateTerminated, true},
		{StateDraining, StateReady, false},
		{StateTerminated, StateReady, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
