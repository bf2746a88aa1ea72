// Package config handles configuration loading for Warden.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/tolvanen/warden/pkg/models"
)

// Config holds all configuration for Warden.
type Config struct {
	Workers      []models.WorkerDescriptor `mapstructure:"workers"`
	Routes       []models.RoutingRule      `mapstructure:"routes"`
	Pipelines    []models.Pipeline         `mapstructure:"pipelines"`
	Timeouts     TimeoutsConfig            `mapstructure:"timeouts"`
	Monitor      MonitorConfig             `mapstructure:"monitor"`
	Snapshot     SnapshotConfig            `mapstructure:"snapshot"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator"`
}

// TimeoutsConfig holds the orchestrator's bounded waits.
type TimeoutsConfig struct {
	// Ready bounds the wait for a worker's ready signal.
	Ready time.Duration `mapstructure:"ready"`
	// Grace bounds graceful termination before a forced kill.
	Grace time.Duration `mapstructure:"grace"`
	// Stage bounds pipeline stages without an explicit timeout.
	Stage time.Duration `mapstructure:"stage"`
	// Barrier bounds synchronized stage barriers.
	Barrier time.Duration `mapstructure:"barrier"`
}

// MonitorConfig holds health monitor settings.
type MonitorConfig struct {
	// Interval is the liveness probe cadence.
	Interval time.Duration `mapstructure:"interval"`
	// InstanceCeiling caps the total live instance count. Zero disables.
	InstanceCeiling int `mapstructure:"instance_ceiling"`
}

// SnapshotConfig holds metrics snapshot settings.
type SnapshotConfig struct {
	// Path is the snapshot file location, relative to the project root
	// when not absolute.
	Path string `mapstructure:"path"`
	// Interval is how often the snapshot is rewritten.
	Interval time.Duration `mapstructure:"interval"`
}

// OrchestratorConfig holds top-level driver settings.
type OrchestratorConfig struct {
	// RunDuration makes the run command exit after the given duration.
	// Zero means run until interrupted.
	RunDuration time.Duration `mapstructure:"run_duration"`
	// SpoolDir is where the route command drops trigger files.
	SpoolDir string `mapstructure:"spool_dir"`
	// EventBuffer sizes the orchestrator event channel.
	EventBuffer int `mapstructure:"event_buffer"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (WARDEN_*)
// 2. Project config (.warden.yaml in current directory or parent)
// 3. User config (~/.config/warden/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		// Merge project config (takes precedence)
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("WARDEN")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every descriptor, rule, and pipeline. Configuration
// errors are fatal: the orchestrator never starts on a bad config.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Workers))
	for i := range c.Workers {
		if err := c.Workers[i].Validate(); err != nil {
			return err
		}
		if names[c.Workers[i].Name] {
			return fmt.Errorf("worker %q: duplicate descriptor", c.Workers[i].Name)
		}
		names[c.Workers[i].Name] = true
	}
	for i := range c.Routes {
		if err := c.Routes[i].Validate(); err != nil {
			return err
		}
		if !names[c.Routes[i].Target] {
			return fmt.Errorf("rule %q: unknown target %q", c.Routes[i].Name, c.Routes[i].Target)
		}
	}
	for i := range c.Pipelines {
		if err := c.Pipelines[i].Validate(); err != nil {
			return err
		}
		for _, stage := range c.Pipelines[i].Stages {
			for _, w := range stage.Workers {
				if !names[w] {
					return fmt.Errorf("pipeline %q stage %q: unknown worker %q", c.Pipelines[i].Name, stage.Name, w)
				}
			}
		}
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("timeouts.ready", "10s")
	v.SetDefault("timeouts.grace", "5s")
	v.SetDefault("timeouts.stage", "1m")
	v.SetDefault("timeouts.barrier", "5s")

	v.SetDefault("monitor.interval", "15s")
	v.SetDefault("monitor.instance_ceiling", 0)

	v.SetDefault("snapshot.path", filepath.Join(".warden", "snapshot.json"))
	v.SetDefault("snapshot.interval", "10s")

	v.SetDefault("orchestrator.run_duration", "0")
	v.SetDefault("orchestrator.spool_dir", filepath.Join(".warden", "spool"))
	v.SetDefault("orchestrator.event_buffer", 256)
}

// getUserConfigDir returns the XDG config directory for Warden.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "warden")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "warden")
	}
	return filepath.Join(home, ".config", "warden")
}

// findProjectConfig searches for .warden.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".warden.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
