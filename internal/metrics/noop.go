package metrics

import (
	"time"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                      {}
func (n *NoopSink) TickCompleted(duration time.Duration, dispatched, deferred int)    {}
func (n *NoopSink) TickDrift(drift time.Duration)                                     {}
func (n *NoopSink) JobPanicked()                                                      {}
func (n *NoopSink) AttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DispatchOutcome(outcome string, trigger domain.Trigger)            {}
func (n *NoopSink) RetryScheduled()                                                   {}
func (n *NoopSink) DispatchRejected(trigger domain.Trigger)                           {}
func (n *NoopSink) DispatchesInFlightIncr()                                           {}
func (n *NoopSink) DispatchesInFlightDecr()                                           {}
func (n *NoopSink) BufferSizeUpdate(size int)                                         {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                    {}
func (n *NoopSink) ChangeDropped()                                                    {}
func (n *NoopSink) StoreWrite(op string, err error)                                   {}
func (n *NoopSink) ReconcileCompleted(jobs int, err error)                            {}
