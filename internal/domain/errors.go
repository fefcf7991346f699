package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidJob      = errors.New("invalid job")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyRunning  = errors.New("dispatch already running")
)

// InvalidScheduleError reports a cron expression or timezone that cannot be
// evaluated.
type InvalidScheduleError struct {
	Expression string
	Timezone   string
	Reason     string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q (tz=%s): %s", e.Expression, e.Timezone, e.Reason)
}

func (e *InvalidScheduleError) Is(target error) bool { return target == ErrInvalidSchedule }

// NewInvalidJobError marks a validation message as ErrInvalidJob.
func NewInvalidJobError(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidJob)
}

// NotFoundError reports an unknown job or execution identifier.
type NotFoundError struct {
	Kind string // "job" or "execution"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// JobNotFound is a shorthand for a NotFoundError of kind "job".
func JobNotFound(id string) error { return &NotFoundError{Kind: "job", ID: id} }

// ExecutionNotFound is a shorthand for a NotFoundError of kind "execution".
func ExecutionNotFound(id string) error { return &NotFoundError{Kind: "execution", ID: id} }

// AlreadyRunningError is returned when a dispatch for the job is in flight.
type AlreadyRunningError struct {
	JobID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("job %s: dispatch already running", e.JobID)
}

func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }

// DispatchErrorKind classifies a failed attempt.
type DispatchErrorKind string

const (
	DispatchTimeout     DispatchErrorKind = "timeout"
	DispatchConnection  DispatchErrorKind = "connection"
	DispatchServer      DispatchErrorKind = "server"
	DispatchCircuitOpen DispatchErrorKind = "circuit_open"
	DispatchCancelled   DispatchErrorKind = "cancelled"
)

// DispatchError describes an attempt that failed for infrastructure reasons.
// Timeouts, connection errors and 5xx responses are retryable.
type DispatchError struct {
	Kind       DispatchErrorKind
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	switch {
	case e.Kind == DispatchServer:
		return fmt.Sprintf("server error: status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *DispatchError) Retryable() bool {
	switch e.Kind {
	case DispatchTimeout, DispatchConnection, DispatchServer:
		return true
	default:
		return false
	}
}

// TerminalClientError is a 4xx response. Retrying it cannot succeed.
type TerminalClientError struct {
	StatusCode int
}

func (e *TerminalClientError) Error() string {
	return fmt.Sprintf("client error: status %d", e.StatusCode)
}
