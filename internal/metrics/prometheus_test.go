package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_TickMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TickStarted()
	sink.TickStarted()
	sink.TickCompleted(10*time.Millisecond, 3, 2)
	sink.TickCompleted(10*time.Millisecond, 1, 0)
	sink.JobPanicked()

	if v := getCounterValue(t, reg, "blackroad_cron_scheduler_ticks_total"); v != 2 {
		t.Errorf("ticks_total = %v, want 2", v)
	}
	if v := getCounterValue(t, reg, "blackroad_cron_scheduler_jobs_dispatched_total"); v != 4 {
		t.Errorf("jobs_dispatched_total = %v, want 4", v)
	}
	if v := getCounterValue(t, reg, "blackroad_cron_scheduler_jobs_deferred_total"); v != 2 {
		t.Errorf("jobs_deferred_total = %v, want 2", v)
	}
	if v := getCounterValue(t, reg, "blackroad_cron_scheduler_job_panics_total"); v != 1 {
		t.Errorf("job_panics_total = %v, want 1", v)
	}
}

func TestPrometheusSink_AttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.AttemptCompleted(1, StatusClassTimeout, 100*time.Millisecond)
	sink.AttemptCompleted(2, StatusClass2xx, 200*time.Millisecond)

	v1 := getCounterVecValue(t, reg, "blackroad_cron_dispatcher_attempts_total",
		map[string]string{"attempt": "1", "status_class": "timeout"})
	if v1 != 1 {
		t.Errorf("attempt=1,status=timeout = %v, want 1", v1)
	}
	v2 := getCounterVecValue(t, reg, "blackroad_cron_dispatcher_attempts_total",
		map[string]string{"attempt": "2", "status_class": "2xx"})
	if v2 != 1 {
		t.Errorf("attempt=2,status=2xx = %v, want 1", v2)
	}
}

func TestPrometheusSink_DispatchOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DispatchOutcome(OutcomeSuccess, domain.TriggerSchedule)
	sink.DispatchOutcome(OutcomeSuccess, domain.TriggerSchedule)
	sink.DispatchOutcome(OutcomeExhausted, domain.TriggerManual)

	if v := getCounterVecValue(t, reg, "blackroad_cron_dispatcher_outcomes_total",
		map[string]string{"outcome": "success", "trigger": "schedule"}); v != 2 {
		t.Errorf("outcome=success,trigger=schedule = %v, want 2", v)
	}
	if v := getCounterVecValue(t, reg, "blackroad_cron_dispatcher_outcomes_total",
		map[string]string{"outcome": "exhausted", "trigger": "manual"}); v != 1 {
		t.Errorf("outcome=exhausted,trigger=manual = %v, want 1", v)
	}
}

func TestPrometheusSink_InFlightAndRejected(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DispatchesInFlightIncr()
	sink.DispatchesInFlightIncr()
	sink.DispatchesInFlightDecr()
	sink.DispatchRejected(domain.TriggerManual)

	if v := getGaugeValue(t, reg, "blackroad_cron_dispatcher_in_flight"); v != 1 {
		t.Errorf("in_flight = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "blackroad_cron_dispatcher_rejected_total",
		map[string]string{"trigger": "manual"}); v != 1 {
		t.Errorf("rejected{manual} = %v, want 1", v)
	}
}

func TestPrometheusSink_BusMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.ChangeDropped()

	if v := getGaugeValue(t, reg, "blackroad_cron_changebus_buffer_capacity"); v != 100 {
		t.Errorf("buffer_capacity = %v, want 100", v)
	}
	if v := getGaugeValue(t, reg, "blackroad_cron_changebus_buffer_size"); v != 42 {
		t.Errorf("buffer_size = %v, want 42", v)
	}
	if v := getCounterValue(t, reg, "blackroad_cron_changebus_dropped_total"); v != 1 {
		t.Errorf("dropped_total = %v, want 1", v)
	}
}

func TestPrometheusSink_StoreMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.StoreWrite("save_job", nil)
	sink.StoreWrite("save_job", errors.New("conn reset"))
	sink.ReconcileCompleted(7, nil)
	sink.ReconcileCompleted(0, errors.New("db down"))

	if v := getCounterVecValue(t, reg, "blackroad_cron_store_writes_total",
		map[string]string{"op": "save_job", "result": "error"}); v != 1 {
		t.Errorf("store_writes{save_job,error} = %v, want 1", v)
	}
	if v := getGaugeValue(t, reg, "blackroad_cron_reconciler_jobs_synced"); v != 7 {
		t.Errorf("jobs_synced = %v, want 7 (errors must not overwrite)", v)
	}
	if v := getCounterVecValue(t, reg, "blackroad_cron_reconciler_runs_total",
		map[string]string{"result": "error"}); v != 1 {
		t.Errorf("reconciler_runs{error} = %v, want 1", v)
	}
}

func TestOpenCircuitsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	open := 0
	reg.MustRegister(NewOpenCircuitsGauge(func() int { return open }))

	if v := getGaugeValue(t, reg, "blackroad_cron_circuit_breakers_open"); v != 0 {
		t.Errorf("circuit_breakers_open = %v, want 0", v)
	}
	open = 3
	if v := getGaugeValue(t, reg, "blackroad_cron_circuit_breakers_open"); v != 3 {
		t.Errorf("circuit_breakers_open = %v, want 3", v)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	reg := prometheus.NewRegistry()

	if NewPrometheusSink(reg, nil) == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}
	if NewPrometheusSink(reg, nil) == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
