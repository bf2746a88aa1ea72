package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tolvanen/warden/internal/state"
	"github.com/tolvanen/warden/internal/trigger"
)

var (
	cleanupReason string
	cleanupPurge  time.Duration
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Request graceful shutdown of a running orchestrator",
	Long: `Ask a running orchestrator to terminate all worker instances
gracefully. The orchestrator process reports its own exit code: 0 when
every worker exited voluntarily, non-zero when any required a forced
kill.

With --purge-older-than, task history older than the given age is also
removed from the state database.

Examples:
  warden cleanup --reason=deploy
  warden cleanup --reason=nightly --purge-older-than=720h`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupReason, "reason", "manual", "Reason tag recorded with the shutdown")
	cleanupCmd.Flags().DurationVar(&cleanupPurge, "purge-older-than", 0, "Also purge task history older than this age")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := trigger.Write(cfg.Orchestrator.SpoolDir, trigger.Trigger{
		Action:  trigger.ActionShutdown,
		Command: cleanupReason,
	}); err != nil {
		return err
	}
	fmt.Printf("shutdown requested (reason: %s)\n", cleanupReason)

	if cleanupPurge > 0 {
		db, err := state.OpenProject(".")
		if err != nil {
			return fmt.Errorf("open state db: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate state db: %w", err)
		}
		purged, err := db.PurgeOldTasks(cleanupPurge)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d task records older than %s\n", purged, cleanupPurge)
	}
	return nil
}
