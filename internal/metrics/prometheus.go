package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.SugaredLogger

	// Scheduler metrics
	ticksTotal          prometheus.Counter
	jobsDispatchedTotal prometheus.Counter
	jobsDeferredTotal   prometheus.Counter
	jobPanicsTotal      prometheus.Counter
	tickDuration        prometheus.Histogram
	tickDrift           prometheus.Histogram

	// Dispatcher metrics
	attemptsTotal      *prometheus.CounterVec
	outcomesTotal      *prometheus.CounterVec
	attemptDuration    prometheus.Histogram
	retriesTotal       prometheus.Counter
	rejectedTotal      *prometheus.CounterVec
	dispatchesInFlight prometheus.Gauge

	// Change bus metrics
	bufferSize     prometheus.Gauge
	bufferCapacity prometheus.Gauge
	droppedTotal   prometheus.Counter

	// Persistence metrics
	storeWritesTotal *prometheus.CounterVec
	reconcileRuns    *prometheus.CounterVec
	reconcileJobs    prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.SugaredLogger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &PrometheusSink{logger: logger}
	s.initSchedulerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initBusMetrics(reg)
	s.initStoreMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blackroad_cron_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.jobsDispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blackroad_cron_scheduler_jobs_dispatched_total",
		Help: "Total number of due jobs handed to a worker.",
	})
	s.jobsDeferredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blackroad_cron_scheduler_jobs_deferred_total",
		Help: "Total number of due jobs deferred to the next tick because no worker slot was free.",
	})
	s.jobPanicsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blackroad_cron_scheduler_job_panics_total",
		Help: "Total number of panics recovered while dispatching a job.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "blackroad_cron_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "blackroad_cron_scheduler_tick_drift_seconds",
		Help:    "Difference between actual tick time and expected interval in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	s.register(reg, s.ticksTotal, "blackroad_cron_scheduler_ticks_total")
	s.register(reg, s.jobsDispatchedTotal, "blackroad_cron_scheduler_jobs_dispatched_total")
	s.register(reg, s.jobsDeferredTotal, "blackroad_cron_scheduler_jobs_deferred_total")
	s.register(reg, s.jobPanicsTotal, "blackroad_cron_scheduler_job_panics_total")
	s.register(reg, s.tickDuration, "blackroad_cron_scheduler_tick_duration_seconds")
	s.register(reg, s.tickDrift, "blackroad_cron_scheduler_tick_drift_seconds")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blackroad_cron_dispatcher_attempts_total",
		Help: "Total number of endpoint call attempts.",
	}, []string{"attempt", "status_class"})

	s.outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blackroad_cron_dispatcher_outcomes_total",
		Help: "Total number of final dispatch outcomes.",
	}, []string{"outcome", "trigger"})

	s.attemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "blackroad_cron_dispatcher_attempt_duration_seconds",
		Help:    "Endpoint call latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blackroad_cron_dispatcher_retries_total",
		Help: "Total number of retries scheduled (excludes first attempt).",
	})

	s.rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blackroad_cron_dispatcher_rejected_total",
		Help: "Total number of dispatches refused because one was already running for the job.",
	}, []string{"trigger"})

	s.dispatchesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blackroad_cron_dispatcher_in_flight",
		Help: "Number of dispatches currently running.",
	})

	s.register(reg, s.attemptsTotal, "blackroad_cron_dispatcher_attempts_total")
	s.register(reg, s.outcomesTotal, "blackroad_cron_dispatcher_outcomes_total")
	s.register(reg, s.attemptDuration, "blackroad_cron_dispatcher_attempt_duration_seconds")
	s.register(reg, s.retriesTotal, "blackroad_cron_dispatcher_retries_total")
	s.register(reg, s.rejectedTotal, "blackroad_cron_dispatcher_rejected_total")
	s.register(reg, s.dispatchesInFlight, "blackroad_cron_dispatcher_in_flight")
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blackroad_cron_changebus_buffer_size",
		Help: "Current number of changes waiting to be persisted.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blackroad_cron_changebus_buffer_capacity",
		Help: "Capacity of the change bus buffer.",
	})
	s.droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blackroad_cron_changebus_dropped_total",
		Help: "Total number of changes dropped because the buffer was full.",
	})

	s.register(reg, s.bufferSize, "blackroad_cron_changebus_buffer_size")
	s.register(reg, s.bufferCapacity, "blackroad_cron_changebus_buffer_capacity")
	s.register(reg, s.droppedTotal, "blackroad_cron_changebus_dropped_total")
}

func (s *PrometheusSink) initStoreMetrics(reg prometheus.Registerer) {
	s.storeWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blackroad_cron_store_writes_total",
		Help: "Total number of store writes by operation and result.",
	}, []string{"op", "result"})
	s.reconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blackroad_cron_reconciler_runs_total",
		Help: "Total number of reconciler cycles by result.",
	}, []string{"result"})
	s.reconcileJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blackroad_cron_reconciler_jobs_synced",
		Help: "Number of jobs written by the last reconciler cycle.",
	})

	s.register(reg, s.storeWritesTotal, "blackroad_cron_store_writes_total")
	s.register(reg, s.reconcileRuns, "blackroad_cron_reconciler_runs_total")
	s.register(reg, s.reconcileJobs, "blackroad_cron_reconciler_jobs_synced")
}

// NewOpenCircuitsGauge reports, at scrape time, how many endpoints have a
// circuit that is not closed.
func NewOpenCircuitsGauge(count func() int) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "blackroad_cron_circuit_breakers_open",
		Help: "Number of endpoints whose circuit breaker is open or half-open.",
	}, func() float64 { return float64(count()) })
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warnw("metrics: failed to register collector", "name", name, "error", err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, dispatched, deferred int) {
	s.tickDuration.Observe(duration.Seconds())
	s.jobsDispatchedTotal.Add(float64(dispatched))
	s.jobsDeferredTotal.Add(float64(deferred))
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

func (s *PrometheusSink) JobPanicked() {
	s.jobPanicsTotal.Inc()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) AttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.attemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.attemptDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DispatchOutcome(outcome string, trigger domain.Trigger) {
	s.outcomesTotal.WithLabelValues(outcome, string(trigger)).Inc()
}

func (s *PrometheusSink) RetryScheduled() {
	s.retriesTotal.Inc()
}

func (s *PrometheusSink) DispatchRejected(trigger domain.Trigger) {
	s.rejectedTotal.WithLabelValues(string(trigger)).Inc()
}

func (s *PrometheusSink) DispatchesInFlightIncr() {
	s.dispatchesInFlight.Inc()
}

func (s *PrometheusSink) DispatchesInFlightDecr() {
	s.dispatchesInFlight.Dec()
}

// Change bus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) ChangeDropped() {
	s.droppedTotal.Inc()
}

// Persistence metrics implementation

func (s *PrometheusSink) StoreWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.storeWritesTotal.WithLabelValues(op, result).Inc()
}

func (s *PrometheusSink) ReconcileCompleted(jobs int, err error) {
	if err != nil {
		s.reconcileRuns.WithLabelValues("error").Inc()
		return
	}
	s.reconcileRuns.WithLabelValues("ok").Inc()
	s.reconcileJobs.Set(float64(jobs))
}
