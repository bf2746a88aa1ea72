package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tolvanen/warden/internal/config"
	"github.com/tolvanen/warden/internal/metrics"
	"github.com/tolvanen/warden/internal/orchestrator"
	"github.com/tolvanen/warden/internal/state"
	"github.com/tolvanen/warden/internal/trigger"
	"github.com/tolvanen/warden/pkg/models"
)

var (
	runDuration time.Duration
	runPipeline string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator",
	Long: `Start the orchestrator: spawn persistent workers and pool minimums,
watch the trigger spool for routed work, and run until interrupted.

With --pipeline, the named pipeline is executed once and the process
exits when it finishes. With --duration, the orchestrator shuts down
after the given time.

The exit code is 0 on clean shutdown and non-zero if any worker had to
be forcibly terminated.`,
	RunE: runOrchestrator,
}

func init() {
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "Shut down after this duration (default: run until interrupted)")
	runCmd.Flags().StringVar(&runPipeline, "pipeline", "", "Execute one named pipeline, then exit")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	logger := orchestrator.NewDebugLoggerForProject(cwd)
	defer logger.Close()

	db, err := state.OpenProject(cwd)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state db: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Workers:         cfg.Workers,
		Rules:           cfg.Routes,
		Pipelines:       cfg.Pipelines,
		ReadyTimeout:    cfg.Timeouts.Ready,
		GracePeriod:     cfg.Timeouts.Grace,
		StageTimeout:    cfg.Timeouts.Stage,
		BarrierTimeout:  cfg.Timeouts.Barrier,
		MonitorInterval: cfg.Monitor.Interval,
		InstanceCeiling: cfg.Monitor.InstanceCeiling,
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics.New()),
		orchestrator.WithStore(db),
		orchestrator.WithEventBuffer(cfg.Orchestrator.EventBuffer),
		orchestrator.WithSnapshot(cfg.Snapshot.Path, cfg.Snapshot.Interval),
	)
	if err != nil {
		return fmt.Errorf("configure orchestrator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	fmt.Printf("warden running with %d worker types (pid %d)\n", len(cfg.Workers), os.Getpid())

	// Drain events into the debug log so the channel never backs up.
	go func() {
		for ev := range orch.Events() {
			logger.Log("[event] %s task=%s instance=%s %s", ev.Type, ev.TaskID, ev.InstanceID, ev.Message)
		}
	}()

	if runPipeline != "" {
		run, err := orch.RunPipeline(ctx, runPipeline)
		if err != nil {
			orch.Shutdown(context.Background())
			return err
		}
		forced := orch.Shutdown(context.Background())
		fmt.Printf("pipeline %s run %s: %s (degraded=%v)\n", runPipeline, run.RunID, run.Status, run.Degraded)
		if forced > 0 {
			return fmt.Errorf("%d workers required forced termination", forced)
		}
		return nil
	}

	// The route and cleanup commands talk to this process through the
	// trigger spool.
	watcher, err := trigger.NewWatcher(cfg.Orchestrator.SpoolDir, func(ctx context.Context, task models.Task) error {
		if task.Type == trigger.ActionShutdown {
			fmt.Printf("shutdown requested (reason: %s)\n", task.Params["command"])
			cancel()
			return nil
		}
		return orch.Submit(ctx, task)
	}, logger.Log)
	if err != nil {
		orch.Shutdown(context.Background())
		return fmt.Errorf("open trigger spool: %w", err)
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Log("[warden] trigger watcher: %v", err)
		}
	}()

	duration := runDuration
	if duration == 0 {
		duration = cfg.Orchestrator.RunDuration
	}
	var expiry <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		expiry = timer.C
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigs:
		fmt.Println("interrupted, shutting down")
	case <-expiry:
		fmt.Printf("run duration %s elapsed, shutting down\n", duration)
	case <-ctx.Done():
	}

	forced := orch.Shutdown(context.Background())
	if forced > 0 {
		return fmt.Errorf("%d workers required forced termination", forced)
	}
	fmt.Println("clean shutdown")
	return nil
}
