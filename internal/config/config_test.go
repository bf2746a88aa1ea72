package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tolvanen/warden/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
workers:
  - name: scanner
    category: persistent
    command: worker-scan
    concurrency_limit: 4
    capabilities: [scan]
  - name: builders
    category: pooled
    command: worker-build
    pool:
      min: 2
      max: 5
      scale_up_threshold: 3
routes:
  - name: scans
    task_type: "scan*"
    target: scanner
    mode: persistent-assign
  - name: builds
    task_type: "build*"
    target: builders
    mode: pool-round-robin
pipelines:
  - name: release
    stages:
      - name: build
        workers: [builders]
        blocking: true
      - name: verify
        workers: [scanner]
        depends_on: [build]
        synchronized: true
timeouts:
  ready: 2s
  grace: 500ms
monitor:
  interval: 5s
  instance_ceiling: 10
`

func TestLoadFromPath(t *testing.T) {
	cfg, err := LoadFromPath(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if len(cfg.Workers) != 2 {
		t.Fatalf("got %d workers, want 2", len(cfg.Workers))
	}
	if cfg.Workers[0].Category != models.CategoryPersistent {
		t.Errorf("scanner category = %q, want persistent", cfg.Workers[0].Category)
	}
	if cfg.Workers[1].Pool.ScaleUpThreshold != 3 {
		t.Errorf("scale_up_threshold = %d, want 3", cfg.Workers[1].Pool.ScaleUpThreshold)
	}
	if len(cfg.Routes) != 2 || cfg.Routes[1].Mode != models.DispatchPoolRoundRobin {
		t.Errorf("unexpected routes: %+v", cfg.Routes)
	}
	if len(cfg.Pipelines) != 1 || !cfg.Pipelines[0].Stages[1].Synchronized {
		t.Errorf("unexpected pipelines: %+v", cfg.Pipelines)
	}
	if cfg.Timeouts.Ready != 2*time.Second {
		t.Errorf("ready timeout = %v, want 2s", cfg.Timeouts.Ready)
	}
	if cfg.Monitor.InstanceCeiling != 10 {
		t.Errorf("instance_ceiling = %d, want 10", cfg.Monitor.InstanceCeiling)
	}
}

func TestLoadFromPath_Defaults(t *testing.T) {
	cfg, err := LoadFromPath(writeConfig(t, "workers: []\n"))
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Timeouts.Grace != 5*time.Second {
		t.Errorf("default grace = %v, want 5s", cfg.Timeouts.Grace)
	}
	if cfg.Monitor.Interval != 15*time.Second {
		t.Errorf("default monitor interval = %v, want 15s", cfg.Monitor.Interval)
	}
	if cfg.Orchestrator.EventBuffer != 256 {
		t.Errorf("default event buffer = %d, want 256", cfg.Orchestrator.EventBuffer)
	}
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate_RejectsUnknownRuleTarget(t *testing.T) {
	bad := `
workers:
  - name: scanner
    category: persistent
    command: worker-scan
routes:
  - name: builds
    task_type: "build*"
    target: builders
    mode: pool-round-robin
`
	if _, err := LoadFromPath(writeConfig(t, bad)); err == nil {
		t.Error("expected error for rule targeting unknown worker")
	}
}

func TestValidate_RejectsBadPoolBounds(t *testing.T) {
	bad := `
workers:
  - name: builders
    category: pooled
    command: worker-build
    pool:
      min: 5
      max: 2
      scale_up_threshold: 1
`
	if _, err := LoadFromPath(writeConfig(t, bad)); err == nil {
		t.Error("expected error for min greater than max")
	}
}

func TestValidate_RejectsPipelineUnknownWorker(t *testing.T) {
	bad := `
workers:
  - name: scanner
    category: persistent
    command: worker-scan
pipelines:
  - name: release
    stages:
      - name: build
        workers: [ghost]
`
	if _, err := LoadFromPath(writeConfig(t, bad)); err == nil {
		t.Error("expected error for pipeline naming unknown worker")
	}
}
