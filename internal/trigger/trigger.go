// Package trigger implements the file spool through which the route
// command hands tasks to a running orchestrator. The route command
// drops one YAML file per trigger into the spool directory; the
// orchestrator watches the directory and converts each file into a
// submitted task.
package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tolvanen/warden/pkg/models"
)

// ActionShutdown is the reserved action tag the cleanup command spools
// to ask a running orchestrator to shut down. It is never routed.
const ActionShutdown = "shutdown"

// Trigger describes one external request for work.
type Trigger struct {
	// File is the path that changed, for file-driven triggers.
	File string `yaml:"file,omitempty"`
	// Command is the command tag that fired, for command triggers.
	Command string `yaml:"command,omitempty"`
	// Action is the task type tag routed against the rule set.
	Action string `yaml:"action"`
	// CreatedAt is when the trigger was written.
	CreatedAt time.Time `yaml:"created_at"`
}

// Task converts the trigger into a routable task. The action tag
// becomes the task type; file and command ride along as parameters.
func (tr Trigger) Task() models.Task {
	params := map[string]string{}
	if tr.File != "" {
		params["file"] = tr.File
	}
	if tr.Command != "" {
		params["command"] = tr.Command
	}
	task := models.NewTask(tr.Action, params)
	if !tr.CreatedAt.IsZero() {
		task.CreatedAt = tr.CreatedAt
	}
	return task
}

// Write drops the trigger into the spool directory as a uniquely named
// YAML file. The file is written to a temp name first so the watcher
// never reads a partial document.
func Write(spoolDir string, tr Trigger) (string, error) {
	if tr.Action == "" {
		return "", fmt.Errorf("trigger missing action")
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}

	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}

	data, err := yaml.Marshal(tr)
	if err != nil {
		return "", fmt.Errorf("marshal trigger: %w", err)
	}

	name := fmt.Sprintf("%d-%s.trigger", time.Now().UnixNano(), models.ShortID())
	path := filepath.Join(spoolDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write trigger: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish trigger: %w", err)
	}
	return path, nil
}

// Read parses one trigger file.
func Read(path string) (Trigger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Trigger{}, fmt.Errorf("read trigger: %w", err)
	}
	var tr Trigger
	if err := yaml.Unmarshal(data, &tr); err != nil {
		return Trigger{}, fmt.Errorf("parse trigger %s: %w", path, err)
	}
	if tr.Action == "" {
		return Trigger{}, fmt.Errorf("trigger %s missing action", path)
	}
	return tr, nil
}
