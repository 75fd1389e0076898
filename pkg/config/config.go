// Package config loads and validates this process's worker.yaml
// configuration: queue/pool tuning, log level, and the
// GRAPHILE_ENABLE_DANGEROUS_LOGS debug escape hatch. Database connection
// settings are loaded separately, from the environment, by
// pkg/database.LoadConfigFromEnv.
package config

import "fmt"

// Config is the fully resolved, validated configuration for one worker
// process.
type Config struct {
	configPath string

	Queue    *QueueConfig `yaml:"queue"`
	LogLevel string       `yaml:"log_level"`

	// DangerousLogs mirrors graphile-worker's GRAPHILE_ENABLE_DANGEROUS_LOGS:
	// when set, the resolved Config is dumped at Debug level on startup,
	// which can include queue names and other operational detail not meant
	// for routine logs.
	DangerousLogs bool `yaml:"-"`
}

// ConfigPath returns the file this configuration was loaded from.
func (c *Config) ConfigPath() string { return c.configPath }

// yamlConfig is the on-disk shape of worker.yaml.
type yamlConfig struct {
	Queue    *QueueConfig `yaml:"queue"`
	LogLevel string       `yaml:"log_level"`
}

func (c *Config) String() string {
	if c == nil || c.Queue == nil {
		return "config{<nil>}"
	}
	return fmt.Sprintf(
		"config{queue_name=%s worker_count=%d lock_timeout=%s log_level=%s}",
		c.Queue.QueueName, c.Queue.WorkerCount, c.Queue.LockTimeout, c.LogLevel,
	)
}
