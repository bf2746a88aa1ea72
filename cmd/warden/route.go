package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tolvanen/warden/internal/trigger"
)

var (
	routeFile    string
	routeCommand string
	routeAction  string
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Enqueue a task for a running orchestrator",
	Long: `Enqueue a task by dropping a trigger into the spool directory watched
by 'warden run'. The action tag is matched against the routing rules;
the file and command, when given, ride along as task parameters.

Examples:
  warden route --file=src/main.go --action=scan-source
  warden route --command="make release" --action=build-release`,
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().StringVar(&routeFile, "file", "", "File path the trigger concerns")
	routeCmd.Flags().StringVar(&routeCommand, "command", "", "Command tag that fired the trigger")
	routeCmd.Flags().StringVar(&routeAction, "action", "", "Task type tag routed against the rule set (required)")
	routeCmd.MarkFlagRequired("action")
}

func runRoute(cmd *cobra.Command, args []string) error {
	if routeAction == trigger.ActionShutdown {
		return fmt.Errorf("action %q is reserved, use 'warden cleanup'", trigger.ActionShutdown)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path, err := trigger.Write(cfg.Orchestrator.SpoolDir, trigger.Trigger{
		File:    routeFile,
		Command: routeCommand,
		Action:  routeAction,
	})
	if err != nil {
		return err
	}
	fmt.Printf("spooled trigger %s (action %s)\n", path, routeAction)
	return nil
}
