package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tolvanen/warden/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and validate the resolved configuration",
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("User config:    %s\n", config.GetUserConfigPath())
	if project := config.GetProjectConfigPath(); project != "" {
		fmt.Printf("Project config: %s\n", project)
	} else {
		fmt.Println("Project config: (none found)")
	}

	cfg, err := loadConfig()
	if err != nil {
		color.Red("invalid: %v", err)
		return err
	}

	color.Green("configuration valid")
	fmt.Printf("  %d workers, %d routes, %d pipelines\n", len(cfg.Workers), len(cfg.Routes), len(cfg.Pipelines))
	for _, w := range cfg.Workers {
		fmt.Printf("  worker %-14s %-11s %s\n", w.Name, w.Category, w.Command)
	}
	for _, r := range cfg.Routes {
		fmt.Printf("  route  %-14s %s -> %s (%s)\n", r.Name, r.TaskType, r.Target, r.Mode)
	}
	return nil
}
