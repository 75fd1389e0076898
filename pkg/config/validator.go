package config

import "fmt"

// Validator validates configuration comprehensively with clear error
// messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast — stops at the
// first error).
func (v *Validator) ValidateAll() error {
	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateQueue() error {
	q := v.cfg.Queue
	if q == nil {
		return fmt.Errorf("queue configuration is nil")
	}

	if q.QueueName == "" {
		return NewValidationError("queue", "", "queue_name", fmt.Errorf("must not be empty"))
	}
	if q.WorkerCount < 1 || q.WorkerCount > 50 {
		return NewValidationError("queue", "", "worker_count", fmt.Errorf("must be between 1 and 50, got %d", q.WorkerCount))
	}
	if q.LockTimeout <= 0 {
		return NewValidationError("queue", "", "lock_timeout", fmt.Errorf("must be positive, got %v", q.LockTimeout))
	}
	if q.MinResetLockedInterval <= 0 {
		return NewValidationError("queue", "", "min_reset_locked_interval", fmt.Errorf("must be positive, got %v", q.MinResetLockedInterval))
	}
	if q.MaxResetLockedInterval < q.MinResetLockedInterval {
		return NewValidationError("queue", "", "max_reset_locked_interval",
			fmt.Errorf("must be >= min_reset_locked_interval, got max=%v min=%v", q.MaxResetLockedInterval, q.MinResetLockedInterval))
	}
	if q.GracefulShutdownAbortTimeout < 0 {
		return NewValidationError("queue", "", "graceful_shutdown_abort_timeout", fmt.Errorf("must be non-negative, got %v", q.GracefulShutdownAbortTimeout))
	}

	return nil
}
