// Package metrics aggregates orchestrator counters and gauges on a
// dedicated prometheus registry and writes periodic JSON snapshots for
// external reporting.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's instruments. A dedicated registry
// keeps tests isolated from the default global one.
type Metrics struct {
	registry *prometheus.Registry

	TasksRouted      *prometheus.CounterVec
	TasksUnroutable  prometheus.Counter
	TasksNoCapacity  prometheus.Counter
	TasksCompleted   *prometheus.CounterVec
	TasksFailed      *prometheus.CounterVec
	TaskDuration     prometheus.Histogram
	ActiveInstances  *prometheus.GaugeVec
	PoolBacklog      *prometheus.GaugeVec
	SpawnFailures    prometheus.Counter
	WorkersLost      prometheus.Counter
	DroppedMessages  prometheus.Counter
	PipelineRuns     *prometheus.CounterVec
	BarrierTimeouts  prometheus.Counter
	ScaleEvents      *prometheus.CounterVec

	// Shadow counters back the JSON snapshot, which needs plain values
	// rather than a scrape.
	mu           sync.Mutex
	completed    map[string]uint64
	failed       map[string]uint64
	durationsSum time.Duration
	durationsN   uint64
	active       map[string]int
}

// New creates a Metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tasks_routed_total",
			Help: "Tasks routed, by dispatch mode.",
		}, []string{"mode"}),
		TasksUnroutable: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_tasks_unroutable_total",
			Help: "Tasks no routing rule matched.",
		}),
		TasksNoCapacity: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_tasks_no_capacity_total",
			Help: "Tasks rejected because a persistent target was full.",
		}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tasks_completed_total",
			Help: "Tasks completed successfully, by worker category.",
		}, []string{"category"}),
		TasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tasks_failed_total",
			Help: "Tasks that failed, by worker category.",
		}, []string{"category"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_task_duration_seconds",
			Help:    "Task wall time from assignment to terminal outcome.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_active_instances",
			Help: "Live worker instances, by category.",
		}, []string{"category"}),
		PoolBacklog: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_pool_backlog",
			Help: "Queued tasks per pool.",
		}, []string{"pool"}),
		SpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_spawn_failures_total",
			Help: "Workers that never reached ready.",
		}),
		WorkersLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_workers_lost_total",
			Help: "Worker processes that exited mid-task.",
		}),
		DroppedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_dropped_messages_total",
			Help: "Malformed worker records dropped.",
		}),
		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_pipeline_runs_total",
			Help: "Pipeline runs, by terminal status.",
		}, []string{"status"}),
		BarrierTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_barrier_timeouts_total",
			Help: "Barriers that unblocked by timeout instead of quorum.",
		}),
		ScaleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_scale_events_total",
			Help: "Pool scale events, by direction.",
		}, []string{"direction"}),

		completed: make(map[string]uint64),
		failed:    make(map[string]uint64),
		active:    make(map[string]int),
	}
}

// Registry returns the underlying prometheus registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCompleted counts a successful task and its duration.
func (m *Metrics) RecordCompleted(category string, took time.Duration) {
	m.TasksCompleted.WithLabelValues(category).Inc()
	m.TaskDuration.Observe(took.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[category]++
	m.durationsSum += took
	m.durationsN++
}

// RecordFailed counts a failed task.
func (m *Metrics) RecordFailed(category string) {
	m.TasksFailed.WithLabelValues(category).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[category]++
}

// SetActive records the live instance count for a category.
func (m *Metrics) SetActive(category string, n int) {
	m.ActiveInstances.WithLabelValues(category).Set(float64(n))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[category] = n
}
