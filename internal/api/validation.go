package api

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MaxRetries bounds the retry count accepted from clients.
const MaxRetries = 10

// maxTimeout bounds a single attempt.
const maxTimeout = 10 * time.Minute

// validateCreateJob checks request shape. Schedule grammar is checked by
// the registry so the error carries the evaluator's reason.
func validateCreateJob(req CreateJobRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("name is required")
	}

	if strings.TrimSpace(req.Schedule) == "" {
		return fmt.Errorf("schedule is required")
	}

	if req.Timezone != "" {
		if err := validateTimezone(req.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}

	if req.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if err := validateEndpointURL(req.Endpoint); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}

	if req.Method != "" {
		if err := validateMethod(req.Method); err != nil {
			return err
		}
	}
	if err := validateRetries(req.Retries); err != nil {
		return err
	}
	return validateTimeoutMillis(req.Timeout)
}

func validateUpdateJob(req UpdateJobRequest) error {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if req.Schedule != nil && strings.TrimSpace(*req.Schedule) == "" {
		return fmt.Errorf("schedule must not be empty")
	}
	if req.Timezone != nil && *req.Timezone != "" {
		if err := validateTimezone(*req.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}
	if req.Endpoint != nil {
		if err := validateEndpointURL(*req.Endpoint); err != nil {
			return fmt.Errorf("invalid endpoint: %w", err)
		}
	}
	if req.Method != nil {
		if err := validateMethod(*req.Method); err != nil {
			return err
		}
	}
	if req.Retries != nil {
		if err := validateRetries(*req.Retries); err != nil {
			return err
		}
	}
	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		return validateTimeoutMillis(*req.Timeout)
	}
	return nil
}

func validateTimezone(tz string) error {
	_, err := time.LoadLocation(tz)
	return err
}

func validateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func validateMethod(m string) error {
	switch strings.ToUpper(m) {
	case "GET", "POST":
		return nil
	}
	return fmt.Errorf("method must be GET or POST, got %q", m)
}

func validateRetries(n int) error {
	if n < 0 || n > MaxRetries {
		return fmt.Errorf("retries must be between 0 and %d", MaxRetries)
	}
	return nil
}

func validateTimeoutMillis(ms int64) error {
	if ms < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	// Compare in milliseconds; converting first can overflow and wrap.
	if ms > maxTimeout.Milliseconds() {
		return fmt.Errorf("timeout must not exceed %s", maxTimeout)
	}
	return nil
}
