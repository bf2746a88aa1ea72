package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the point-in-time JSON view of the orchestrator written
// to disk for the status and watch commands.
type Snapshot struct {
	TakenAt         time.Time         `json:"takenAt"`
	Uptime          string            `json:"uptime"`
	TasksCompleted  map[string]uint64 `json:"tasksCompleted"`
	TasksFailed     map[string]uint64 `json:"tasksFailed"`
	MeanTaskSeconds float64           `json:"meanTaskSeconds"`
	ActiveInstances map[string]int    `json:"activeInstances"`
}

// Capture assembles a snapshot from the shadow counters.
func (m *Metrics) Capture(started time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	completed := make(map[string]uint64, len(m.completed))
	for k, v := range m.completed {
		completed[k] = v
	}
	failed := make(map[string]uint64, len(m.failed))
	for k, v := range m.failed {
		failed[k] = v
	}
	active := make(map[string]int, len(m.active))
	for k, v := range m.active {
		active[k] = v
	}

	var mean float64
	if m.durationsN > 0 {
		mean = m.durationsSum.Seconds() / float64(m.durationsN)
	}

	return Snapshot{
		TakenAt:         time.Now(),
		Uptime:          time.Since(started).Round(time.Second).String(),
		TasksCompleted:  completed,
		TasksFailed:     failed,
		MeanTaskSeconds: mean,
		ActiveInstances: active,
	}
}

// SnapshotWriter persists snapshots to a JSON file at a fixed interval
// and once more on shutdown.
type SnapshotWriter struct {
	metrics  *Metrics
	path     string
	interval time.Duration
	started  time.Time
}

// NewSnapshotWriter creates a writer targeting path. The parent
// directory is created on the first write.
func NewSnapshotWriter(m *Metrics, path string, interval time.Duration) *SnapshotWriter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &SnapshotWriter{
		metrics:  m,
		path:     path,
		interval: interval,
		started:  time.Now(),
	}
}

// Run writes snapshots until ctx is cancelled, then writes a final one.
func (w *SnapshotWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.Write()
			return
		case <-ticker.C:
			_ = w.Write()
		}
	}
}

// Write captures and persists one snapshot. The file is replaced
// atomically so readers never observe a partial document.
func (w *SnapshotWriter) Write() error {
	snap := w.metrics.Capture(w.started)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a snapshot file written by a running orchestrator.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap, nil
}
