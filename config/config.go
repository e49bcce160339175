// Package config loads the cronpilot configuration via Viper.
//
// Configuration is merged from (lowest to highest precedence): built-in
// defaults, a cronpilot.toml found by walking up from the working directory,
// and CRONPILOT_* environment variables.
package config

// Config represents the full cronpilot configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	History   HistoryConfig   `mapstructure:"history"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the scheduling engine.
type SchedulerConfig struct {
	// Timezone is the IANA zone applied uniformly to all schedule
	// resolution (e.g. "UTC", "Europe/Berlin").
	Timezone string `mapstructure:"timezone"`

	// TickIntervalSeconds is how often the coordinator loop checks for
	// due jobs (default: 5).
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`

	// MaxWorkers bounds total concurrent job executions (default: 10).
	MaxWorkers int `mapstructure:"max_workers"`

	// DefaultTimeoutSeconds bounds a single execution when the job does
	// not declare its own timeout (default: 3600).
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`

	// MaxStartsPerMinute rate-limits process spawns across all jobs.
	// 0 disables the limiter.
	MaxStartsPerMinute int `mapstructure:"max_starts_per_minute"`
}

// TasksConfig configures where job entry points and their environments live.
type TasksConfig struct {
	Directory string `mapstructure:"directory"`

	// InstallTimeoutSeconds bounds a single dependency install run
	// (default: 300).
	InstallTimeoutSeconds int `mapstructure:"install_timeout_seconds"`
}

// HistoryConfig configures run-history retention.
type HistoryConfig struct {
	// RetentionDays is the age after which run records become eligible
	// for cleanup by the storage collaborator (default: 7).
	RetentionDays int `mapstructure:"retention_days"`
}
