// Package health probes worker liveness and enforces the global
// instance ceiling.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/tolvanen/warden/internal/lifecycle"
	"github.com/tolvanen/warden/internal/message"
	"github.com/tolvanen/warden/internal/metrics"
	"github.com/tolvanen/warden/pkg/models"
)

// DefaultInterval is how often liveness probes are sent.
const DefaultInterval = 15 * time.Second

// missLimit is the number of consecutive unanswered probes before an
// instance is declared unhealthy.
const missLimit = 3

// UnhealthyFunc is invoked when an instance misses too many probes.
// The monitor never terminates instances itself; the orchestrator
// decides what replacement means for each category.
type UnhealthyFunc func(inst *lifecycle.Instance)

// ScaleDownFunc terminates one instance to bring the fleet back under
// the ceiling.
type ScaleDownFunc func(ctx context.Context, inst *lifecycle.Instance)

// Config tunes the monitor.
type Config struct {
	// Interval between probe rounds. Zero means DefaultInterval.
	Interval time.Duration
	// Ceiling is the maximum live instance count. Zero disables it.
	Ceiling int
	// Logf receives diagnostic lines. Nil disables logging.
	Logf func(format string, args ...any)
}

// Monitor sends heartbeat probes, tracks responses, flags unhealthy
// instances, and selects scale-down victims when the fleet exceeds
// its ceiling.
type Monitor struct {
	reg       *lifecycle.Registry
	cfg       Config
	stats     *metrics.Metrics
	unhealthy UnhealthyFunc
	scaleDown ScaleDownFunc

	mu      sync.Mutex
	misses  map[string]int
	probed  map[string]time.Time
	flagged map[string]bool
}

// NewMonitor creates a monitor over the shared registry. stats may be
// nil when gauges are not wanted.
func NewMonitor(reg *lifecycle.Registry, cfg Config, stats *metrics.Metrics, unhealthy UnhealthyFunc, scaleDown ScaleDownFunc) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}
	return &Monitor{
		reg:       reg,
		cfg:       cfg,
		stats:     stats,
		unhealthy: unhealthy,
		scaleDown: scaleDown,
		misses:    make(map[string]int),
		probed:    make(map[string]time.Time),
		flagged:   make(map[string]bool),
	}
}

// Run probes on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// ObserveReport records a health report from an instance, resetting
// its miss count.
func (m *Monitor) ObserveReport(instanceID string, at time.Time) {
	if inst := m.reg.Get(instanceID); inst != nil {
		inst.MarkHeartbeat(at)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[instanceID] = 0
	delete(m.flagged, instanceID)
}

// Tick runs one probe round: settle the previous round's answers, send
// new probes, and enforce the ceiling. Exported so tests can drive the
// monitor without real time.
func (m *Monitor) Tick(ctx context.Context) {
	instances := m.reg.All()

	m.settle(instances)
	m.probe(instances)
	m.enforceCeiling(ctx, instances)
	m.updateGauges()
}

// settle counts a miss for every instance that was probed last round
// and has not answered since, and flags those past the limit.
func (m *Monitor) settle(instances []*lifecycle.Instance) {
	var gone []*lifecycle.Instance

	m.mu.Lock()
	seen := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		seen[inst.ID] = struct{}{}
		probedAt, ok := m.probed[inst.ID]
		if !ok {
			continue
		}
		if inst.LastHeartbeat().Before(probedAt) {
			m.misses[inst.ID]++
		} else {
			m.misses[inst.ID] = 0
		}
		if m.misses[inst.ID] >= missLimit && !m.flagged[inst.ID] {
			m.flagged[inst.ID] = true
			gone = append(gone, inst)
		}
	}
	// Drop bookkeeping for instances the registry no longer tracks.
	for id := range m.probed {
		if _, ok := seen[id]; !ok {
			delete(m.probed, id)
			delete(m.misses, id)
			delete(m.flagged, id)
		}
	}
	m.mu.Unlock()

	for _, inst := range gone {
		m.cfg.Logf("instance %s (%s) unhealthy after %d missed probes", inst.ID, inst.Descriptor.Name, missLimit)
		if m.unhealthy != nil {
			m.unhealthy(inst)
		}
	}
}

// probe sends a heartbeat to every live instance.
func (m *Monitor) probe(instances []*lifecycle.Instance) {
	now := time.Now()
	for _, inst := range instances {
		switch inst.State() {
		case models.StateReady, models.StateBusy:
		default:
			continue
		}
		if err := inst.Conn().Send(message.Message{Kind: message.KindHeartbeat}); err != nil {
			m.cfg.Logf("failed to probe instance %s: %v", inst.ID, err)
			continue
		}
		m.mu.Lock()
		m.probed[inst.ID] = now
		m.mu.Unlock()
	}
}

// enforceCeiling terminates idle instances while the fleet is over the
// configured maximum. Victims are chosen oldest first among idle
// single-use instances, then idle pooled ones. Persistent workers are
// never scaled down.
func (m *Monitor) enforceCeiling(ctx context.Context, instances []*lifecycle.Instance) {
	if m.cfg.Ceiling <= 0 || m.scaleDown == nil {
		return
	}

	live := 0
	for _, inst := range instances {
		if inst.State() != models.StateTerminated {
			live++
		}
	}
	over := live - m.cfg.Ceiling
	if over <= 0 {
		return
	}

	for _, category := range []models.Category{models.CategorySingleUse, models.CategoryPooled} {
		for _, inst := range oldestIdle(instances, category) {
			if over <= 0 {
				return
			}
			m.cfg.Logf("fleet over ceiling (%d), scaling down idle %s instance %s", m.cfg.Ceiling, category, inst.ID)
			m.scaleDown(ctx, inst)
			over--
		}
	}
	if over > 0 {
		m.cfg.Logf("fleet still %d over ceiling, no idle non-persistent instances left", over)
	}
}

// oldestIdle returns the idle instances of one category ordered oldest
// first.
func oldestIdle(instances []*lifecycle.Instance, category models.Category) []*lifecycle.Instance {
	var idle []*lifecycle.Instance
	for _, inst := range instances {
		if inst.Descriptor.Category != category {
			continue
		}
		if inst.State() == models.StateReady && inst.Idle() {
			idle = append(idle, inst)
		}
	}
	for i := 1; i < len(idle); i++ {
		for j := i; j > 0 && idle[j].CreatedAt.Before(idle[j-1].CreatedAt); j-- {
			idle[j], idle[j-1] = idle[j-1], idle[j]
		}
	}
	return idle
}

func (m *Monitor) updateGauges() {
	if m.stats == nil {
		return
	}
	counts := m.reg.CountByCategory()
	// Write every category, so one whose last instance exited falls
	// back to zero instead of holding its stale count.
	for _, category := range []models.Category{models.CategoryPersistent, models.CategoryPooled, models.CategorySingleUse} {
		m.stats.SetActive(string(category), counts[category])
	}
}

// Misses reports the current consecutive miss count for an instance.
func (m *Monitor) Misses(instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.misses[instanceID]
}
