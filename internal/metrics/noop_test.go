package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Verify that calling all methods on NoopSink does not panic.
	s := NewNoopSink()

	// Scheduler metrics
	s.TickStarted()
	s.TickCompleted(100*time.Millisecond, 5, 1)
	s.TickDrift(10 * time.Millisecond)
	s.JobPanicked()

	// Dispatcher metrics
	s.AttemptCompleted(1, StatusClass2xx, 200*time.Millisecond)
	s.DispatchOutcome(OutcomeSuccess, domain.TriggerSchedule)
	s.DispatchOutcome(OutcomeExhausted, domain.TriggerManual)
	s.RetryScheduled()
	s.DispatchRejected(domain.TriggerManual)
	s.DispatchesInFlightIncr()
	s.DispatchesInFlightDecr()

	// Change bus metrics
	s.BufferSizeUpdate(10)
	s.BufferCapacitySet(100)
	s.ChangeDropped()

	// Persistence metrics
	s.StoreWrite("save_job", nil)
	s.StoreWrite("insert_execution", errors.New("boom"))
	s.ReconcileCompleted(3, nil)
}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
