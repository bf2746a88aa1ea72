package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Process-pool task orchestrator",
	Long: `Warden supervises a fleet of worker processes and routes tasks to them.

Workers come in three lifetimes: persistent workers that multiplex many
tasks, elastic pools of one-task-at-a-time workers, and single-use
workers spawned per task. Routing rules map task types to workers, and
pipelines chain stages of work with dependency and quorum semantics.

Start the orchestrator with 'warden run', then hand it work with
'warden route' and watch it with 'warden status' or 'warden watch'.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default: .warden.yaml discovery)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
