package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "cronpilot.db")

	// Scheduler defaults
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.tick_interval_seconds", 5)
	v.SetDefault("scheduler.max_workers", 10)
	v.SetDefault("scheduler.default_timeout_seconds", 3600)
	v.SetDefault("scheduler.max_starts_per_minute", 0) // disabled

	// Tasks defaults
	v.SetDefault("tasks.directory", "./tasks")
	v.SetDefault("tasks.install_timeout_seconds", 300)

	// History defaults
	v.SetDefault("history.retention_days", 7)
}
