package metrics

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, dispatched, deferred int)
	TickDrift(drift time.Duration)
	JobPanicked()

	// Dispatcher metrics
	AttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DispatchOutcome(outcome string, trigger domain.Trigger)
	RetryScheduled()
	DispatchRejected(trigger domain.Trigger)
	DispatchesInFlightIncr()
	DispatchesInFlightDecr()

	// Change bus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	ChangeDropped()

	// Persistence metrics
	StoreWrite(op string, err error)
	ReconcileCompleted(jobs int, err error)
}

// Outcome constants for DispatchOutcome.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
)

// StatusClass constants for AttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass3xx             = "3xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassCircuitOpen     = "circuit_open"
	StatusClassCancelled       = "cancelled"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps an attempt's status code and error to a bounded
// status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		var de *domain.DispatchError
		if errors.As(err, &de) {
			switch de.Kind {
			case domain.DispatchTimeout:
				return StatusClassTimeout
			case domain.DispatchConnection:
				return StatusClassConnectionError
			case domain.DispatchServer:
				return StatusClass5xx
			case domain.DispatchCircuitOpen:
				return StatusClassCircuitOpen
			case domain.DispatchCancelled:
				return StatusClassCancelled
			}
		}
		var tce *domain.TerminalClientError
		if errors.As(err, &tce) {
			return StatusClass4xx
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return StatusClassTimeout
		case errors.Is(err, context.Canceled):
			return StatusClassCancelled
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 300 && statusCode < 400:
		return StatusClass3xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500 && statusCode < 600:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
