package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/tolvanen/warden/internal/metrics"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow orchestrator snapshots as they are written",
	Long: `Watch the metrics snapshot file and reprint it on every update.
Press Ctrl-C to stop.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dir := filepath.Dir(cfg.Snapshot.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	// Snapshots are replaced by rename, so watch the directory rather
	// than the file itself.
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	if snap, err := metrics.ReadSnapshot(cfg.Snapshot.Path); err == nil {
		printSnapshot(snap)
	} else {
		fmt.Printf("waiting for snapshots at %s\n", cfg.Snapshot.Path)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigs:
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Name != cfg.Snapshot.Path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			snap, err := metrics.ReadSnapshot(cfg.Snapshot.Path)
			if err != nil {
				continue
			}
			fmt.Println()
			printSnapshot(snap)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}
