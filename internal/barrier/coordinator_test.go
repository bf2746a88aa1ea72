package barrier

import (
	"context"
	"testing"
	"time"
)

func TestQuorumFor(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{5, 3},
		{10, 6},
	}
	for _, tt := range tests {
		if got := QuorumFor(tt.n); got != tt.want {
			t.Errorf("QuorumFor(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestCoordinator_QuorumSatisfies(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)
	if err := c.OpenBarrier("phase-1", []string{"a", "b", "c", "d", "e"}); err != nil {
		t.Fatal(err)
	}

	c.Acknowledge("phase-1", "a")
	c.Acknowledge("phase-1", "b")
	if c.IsSatisfied("phase-1") {
		t.Error("2/5 acks should not satisfy a 60% quorum")
	}

	c.Acknowledge("phase-1", "c")
	if !c.IsSatisfied("phase-1") {
		t.Error("3/5 acks should satisfy a 60% quorum")
	}
	if c.TimedOut("phase-1") {
		t.Error("quorum satisfaction is not a timeout")
	}
}

func TestCoordinator_AckIdempotent(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)
	if err := c.OpenBarrier("phase-1", []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}

	// Repeated acknowledgements from one participant count once.
	c.Acknowledge("phase-1", "a")
	c.Acknowledge("phase-1", "a")
	c.Acknowledge("phase-1", "a")
	if c.IsSatisfied("phase-1") {
		t.Error("one distinct participant of three should not satisfy quorum")
	}

	c.Acknowledge("phase-1", "b")
	if !c.IsSatisfied("phase-1") {
		t.Error("two distinct participants of three should satisfy quorum")
	}
}

func TestCoordinator_IgnoresUnknown(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)
	if err := c.OpenBarrier("phase-1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	c.Acknowledge("phase-1", "stranger")
	c.Acknowledge("other", "a")
	if c.IsSatisfied("phase-1") {
		t.Error("non-participant acks should not count")
	}
}

func TestCoordinator_TimeoutUnblocksDegraded(t *testing.T) {
	c := NewCoordinator(50*time.Millisecond, nil)
	if err := c.OpenBarrier("phase-1", []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}
	c.Acknowledge("phase-1", "a")

	satisfied, err := c.Await(context.Background(), "phase-1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if satisfied {
		t.Error("barrier should time out, not satisfy")
	}
	if !c.IsSatisfied("phase-1") {
		t.Error("timed-out barrier still unblocks dependents")
	}
	if !c.TimedOut("phase-1") {
		t.Error("TimedOut should report the degraded unblock")
	}
}

func TestCoordinator_AwaitQuorum(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)
	if err := c.OpenBarrier("phase-1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	go func() {
		c.Acknowledge("phase-1", "a")
		c.Acknowledge("phase-1", "b")
	}()

	satisfied, err := c.Await(context.Background(), "phase-1")
	if err != nil || !satisfied {
		t.Errorf("Await = (%v, %v), want quorum", satisfied, err)
	}
}

func TestCoordinator_AwaitUnknownBarrier(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)
	if _, err := c.Await(context.Background(), "ghost"); err == nil {
		t.Error("awaiting an unopened barrier should error")
	}
}
