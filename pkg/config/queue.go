package config

import "time"

// QueueConfig contains worker pool and job-scheduling configuration. These
// values control how many workers run, how aggressively they poll, and how
// orphaned (stuck-locked) jobs are reclaimed.
type QueueConfig struct {
	// QueueName selects which queue_name partition of the jobs table this
	// process's workers claim from.
	QueueName string `yaml:"queue_name"`

	// WorkerCount is the number of worker goroutines in the pool.
	WorkerCount int `yaml:"worker_count"`

	// LockTimeout is how long a claimed job may stay locked before the
	// reset-locked ticker considers it abandoned and reclaims it.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// MinResetLockedInterval and MaxResetLockedInterval bound the jittered
	// delay between reset-locked ticks.
	MinResetLockedInterval time.Duration `yaml:"min_reset_locked_interval"`
	MaxResetLockedInterval time.Duration `yaml:"max_reset_locked_interval"`

	// GracefulShutdownAbortTimeout bounds how long a graceful shutdown waits
	// for in-flight jobs before giving up and terminating anyway.
	GracefulShutdownAbortTimeout time.Duration `yaml:"graceful_shutdown_abort_timeout"`

	// NoHandleSignals opts this pool out of the process-wide OS signal
	// broker. Intended for tests and for hosts embedding their own signal
	// coordination.
	NoHandleSignals bool `yaml:"no_handle_signals"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		QueueName:                    "default",
		WorkerCount:                  4,
		LockTimeout:                  5 * time.Minute,
		MinResetLockedInterval:       8 * time.Minute,
		MaxResetLockedInterval:       10 * time.Minute,
		GracefulShutdownAbortTimeout: 5 * time.Second,
	}
}
