package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/tolvanen/warden/pkg/models"
)

// SubmitFunc receives each task parsed from the spool.
type SubmitFunc func(ctx context.Context, task models.Task) error

// Watcher consumes trigger files from a spool directory. Each consumed
// file is deleted; malformed files are logged and deleted so they do
// not wedge the spool.
type Watcher struct {
	dir    string
	submit SubmitFunc
	logf   func(format string, args ...interface{})
}

// NewWatcher creates a watcher over the spool directory, creating it
// if needed.
func NewWatcher(dir string, submit SubmitFunc, logf func(format string, args ...interface{})) (*Watcher, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Watcher{dir: dir, submit: submit, logf: logf}, nil
}

// Run drains any triggers already spooled, then watches for new ones
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	// Triggers written before the watch started are not redelivered by
	// fsnotify, so sweep once first.
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".trigger") {
				continue
			}
			w.consume(ctx, ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logf("[trigger] watch error: %v", err)
		}
	}
}

// sweep consumes every trigger file currently in the spool.
func (w *Watcher) sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logf("[trigger] sweep %s: %v", w.dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".trigger") {
			continue
		}
		w.consume(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) consume(ctx context.Context, path string) {
	tr, err := Read(path)
	if err != nil {
		w.logf("[trigger] dropping malformed trigger: %v", err)
		_ = os.Remove(path)
		return
	}
	_ = os.Remove(path)

	task := tr.Task()
	if err := w.submit(ctx, task); err != nil {
		w.logf("[trigger] submit task %s: %v", task.ID, err)
		return
	}
	w.logf("[trigger] submitted task %s (action %s)", task.ID, tr.Action)
}
