package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tolvanen/warden/internal/metrics"
	"github.com/tolvanen/warden/internal/state"
	"github.com/tolvanen/warden/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator state",
	Long: `Display the last metrics snapshot written by a running orchestrator
plus the task outcome totals from the state database.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	snap, err := metrics.ReadSnapshot(cfg.Snapshot.Path)
	if err != nil {
		fmt.Println("No snapshot found. Is 'warden run' running in this project?")
	} else {
		printSnapshot(snap)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state db: %w", err)
	}

	counts, err := db.OutcomeCounts()
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		fmt.Println("\nTask history:")
		printOutcome(counts, models.OutcomeCompleted, color.FgGreen)
		printOutcome(counts, models.OutcomeFailed, color.FgRed)
		printOutcome(counts, models.OutcomeWorkerLost, color.FgRed)
		printOutcome(counts, models.OutcomeTimeout, color.FgYellow)
		printOutcome(counts, models.OutcomeCancelled, color.FgYellow)
	}
	return nil
}

func printSnapshot(snap metrics.Snapshot) {
	fmt.Printf("Snapshot from %s (uptime %s)\n", snap.TakenAt.Format("15:04:05"), snap.Uptime)

	if len(snap.ActiveInstances) > 0 {
		fmt.Println("\nActive instances:")
		for _, category := range sortedKeys(snap.ActiveInstances) {
			fmt.Printf("  %-12s %d\n", category, snap.ActiveInstances[category])
		}
	}

	var completed, failed uint64
	for _, n := range snap.TasksCompleted {
		completed += n
	}
	for _, n := range snap.TasksFailed {
		failed += n
	}
	fmt.Printf("\nTasks: %s completed, %s failed",
		color.GreenString("%d", completed), color.RedString("%d", failed))
	if snap.MeanTaskSeconds > 0 {
		fmt.Printf(", mean %.2fs", snap.MeanTaskSeconds)
	}
	fmt.Println()
}

func printOutcome(counts map[models.TaskOutcome]int, outcome models.TaskOutcome, attr color.Attribute) {
	if n, ok := counts[outcome]; ok {
		fmt.Printf("  %s %d\n", color.New(attr).Sprintf("%-12s", string(outcome)), n)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
