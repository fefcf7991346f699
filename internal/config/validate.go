package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// Every duration must parse and be positive. Empty means unset.
	for _, f := range cfg.durations() {
		if *f.str == "" {
			continue
		}
		d, err := time.ParseDuration(*f.str)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   f.key,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   f.key,
				Message: "must be positive",
			})
		}
	}

	positive := []struct {
		field string
		value int
	}{
		{"WORKER_POOL_SIZE", cfg.WorkerPoolSize},
		{"EXECUTION_LOG_CAPACITY", cfg.ExecutionLogCapacity},
		{"RESPONSE_MAX_BYTES", cfg.ResponseMaxBytes},
		{"PERSIST_BUFFER_SIZE", cfg.PersistBufferSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{Field: p.field, Message: "must be a positive integer"})
		}
	}

	if cfg.BackoffBase > 0 && cfg.BackoffMax > 0 && cfg.BackoffMax < cfg.BackoffBase {
		errs = append(errs, ValidationError{
			Field:   "BACKOFF_MAX",
			Message: fmt.Sprintf("must be >= BACKOFF_BASE (%s)", cfg.BackoffBaseStr),
		})
	}

	if cfg.CircuitBreakerThreshold < 0 {
		errs = append(errs, ValidationError{Field: "CIRCUIT_BREAKER_THRESHOLD", Message: "must not be negative"})
	}
	if cfg.ManualRunRate < 0 {
		errs = append(errs, ValidationError{Field: "MANUAL_RUN_RATE", Message: "must not be negative"})
	}

	// STORE_DRIVER must be a known driver with its connection setting
	switch cfg.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, ValidationError{
				Field:   "DATABASE_URL",
				Message: "required when STORE_DRIVER=postgres",
			})
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			errs = append(errs, ValidationError{
				Field:   "SQLITE_PATH",
				Message: "required when STORE_DRIVER=sqlite",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "STORE_DRIVER",
			Message: fmt.Sprintf("must be 'memory', 'postgres' or 'sqlite', got %q", cfg.StoreDriver),
		})
	}

	switch cfg.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "LOG_FORMAT",
			Message: fmt.Sprintf("must be 'console' or 'json', got %q", cfg.LogFormat),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
