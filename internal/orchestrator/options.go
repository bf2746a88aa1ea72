package orchestrator

import (
	"time"

	"github.com/tolvanen/warden/internal/metrics"
	"github.com/tolvanen/warden/internal/proc"
	"github.com/tolvanen/warden/internal/state"
)

// orchestratorOptions holds optional collaborators resolved at
// construction time.
type orchestratorOptions struct {
	spawner          proc.Spawner
	logger           *DebugLogger
	stats            *metrics.Metrics
	store            *state.DB
	eventBuffer      int
	snapshotPath     string
	snapshotInterval time.Duration
}

// Option customizes orchestrator construction.
type Option func(*orchestratorOptions)

func defaultOptions() orchestratorOptions {
	return orchestratorOptions{
		spawner:     proc.NewExecSpawner(),
		logger:      NopLogger(),
		stats:       metrics.New(),
		eventBuffer: 256,
	}
}

// WithSpawner overrides the process spawner. Tests use this to swap in
// a fake.
func WithSpawner(s proc.Spawner) Option {
	return func(o *orchestratorOptions) { o.spawner = s }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *orchestratorOptions) { o.stats = m }
}

// WithStore enables checkpointing to the given database.
func WithStore(db *state.DB) Option {
	return func(o *orchestratorOptions) { o.store = db }
}

// WithEventBuffer sets the event channel buffer size.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithSnapshot enables periodic metrics snapshots at the given path.
func WithSnapshot(path string, interval time.Duration) Option {
	return func(o *orchestratorOptions) {
		o.snapshotPath = path
		o.snapshotInterval = interval
	}
}
