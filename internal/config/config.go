// Package config loads autoloop configuration with precedence
// runtime overrides > environment variables > defaults.
package config

import "time"

// Config is the complete autoloop configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Data         DataConfig         `mapstructure:"data"`
	Collaborator CollaboratorConfig `mapstructure:"collaborator"`
	Reclaim      ReclaimConfig      `mapstructure:"reclaim"`
	Autofix      AutofixConfig      `mapstructure:"autofix"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// DataConfig locates local state: the job database and per-job run logs.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// CollaboratorConfig configures the collaborator HTTP client.
type CollaboratorConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Retries      int           `mapstructure:"retries"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollRate     float64       `mapstructure:"poll_rate"`
}

// ReclaimConfig configures port reclamation timing. Both values are passed
// explicitly to the reclaim package, which refuses implicit defaults.
type ReclaimConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

// AutofixConfig configures the remediation loop.
type AutofixConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}
