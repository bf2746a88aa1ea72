// Package barrier implements quorum barriers for synchronous
// collaboration phases: a barrier opens with a participant set and is
// satisfied once 60% of distinct participants acknowledge, or declared
// timed out, whichever comes first.
package barrier

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Quorum is the fraction of participants required to satisfy a barrier.
const Quorum = 0.6

// DefaultTimeout is how long a barrier waits before unblocking
// dependents in a degraded state.
const DefaultTimeout = 5 * time.Second

type barrierState struct {
	participants map[string]struct{}
	acks         map[string]struct{}
	needed       int
	openedAt     time.Time
	deadline     time.Time
	satisfied    chan struct{} // closed on quorum
	once         sync.Once
}

// Coordinator tracks open barriers for a single orchestrator.
type Coordinator struct {
	timeout time.Duration
	logf    func(format string, args ...interface{})

	mu       sync.Mutex
	barriers map[string]*barrierState
}

// NewCoordinator creates a coordinator. A non-positive timeout uses
// DefaultTimeout.
func NewCoordinator(timeout time.Duration, logf func(format string, args ...interface{})) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Coordinator{
		timeout:  timeout,
		logf:     logf,
		barriers: make(map[string]*barrierState),
	}
}

// QuorumFor returns how many distinct acknowledgements satisfy a
// barrier with n participants.
func QuorumFor(n int) int {
	return int(math.Ceil(Quorum * float64(n)))
}

// OpenBarrier registers a barrier over the participant set. Reopening
// an existing name resets it.
func (c *Coordinator) OpenBarrier(name string, participants []string) error {
	if len(participants) == 0 {
		return fmt.Errorf("barrier %q: no participants", name)
	}

	set := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		set[p] = struct{}{}
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barriers[name] = &barrierState{
		participants: set,
		acks:         make(map[string]struct{}),
		needed:       QuorumFor(len(set)),
		openedAt:     now,
		deadline:     now.Add(c.timeout),
		satisfied:    make(chan struct{}),
	}
	c.logf("[barrier] opened %q with %d participants, quorum %d", name, len(set), QuorumFor(len(set)))
	return nil
}

// Acknowledge records one participant's arrival. Repeat
// acknowledgements from the same participant count once; unknown
// participants and barriers are ignored with a log line.
func (c *Coordinator) Acknowledge(name, participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.barriers[name]
	if !ok {
		c.logf("[barrier] ack for unknown barrier %q from %s, ignoring", name, participantID)
		return
	}
	if _, ok := b.participants[participantID]; !ok {
		c.logf("[barrier] ack from non-participant %s for %q, ignoring", participantID, name)
		return
	}
	if _, dup := b.acks[participantID]; dup {
		return
	}
	b.acks[participantID] = struct{}{}
	c.logf("[barrier] %q ack %d/%d from %s", name, len(b.acks), b.needed, participantID)

	if len(b.acks) >= b.needed {
		b.once.Do(func() { close(b.satisfied) })
	}
}

// IsSatisfied reports whether the barrier has reached quorum or timed
// out. Either way dependents may proceed; TimedOut distinguishes the
// degraded case.
func (c *Coordinator) IsSatisfied(name string) bool {
	c.mu.Lock()
	b, ok := c.barriers[name]
	c.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-b.satisfied:
		return true
	default:
	}
	return time.Now().After(b.deadline)
}

// TimedOut reports whether the barrier unblocked by timeout rather
// than quorum.
func (c *Coordinator) TimedOut(name string) bool {
	c.mu.Lock()
	b, ok := c.barriers[name]
	c.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-b.satisfied:
		return false
	default:
	}
	return time.Now().After(b.deadline)
}

// Await blocks until the barrier reaches quorum, its timeout expires,
// or ctx ends. It returns true when quorum was reached: a false return
// with a nil ctx error means the phase should proceed degraded.
func (c *Coordinator) Await(ctx context.Context, name string) (satisfied bool, err error) {
	c.mu.Lock()
	b, ok := c.barriers[name]
	c.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("barrier %q not open", name)
	}

	timer := time.NewTimer(time.Until(b.deadline))
	defer timer.Stop()

	select {
	case <-b.satisfied:
		return true, nil
	case <-timer.C:
		c.logf("[barrier] %q timed out, unblocking degraded", name)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close removes a barrier.
func (c *Coordinator) Close(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.barriers, name)
}
