// Package dispatcher runs a single job: it calls the job's endpoint with a
// per-attempt deadline, retries infrastructure failures with backoff, and
// reports exactly one outcome to the registry and the execution log.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-cron/internal/backoff"
	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
	"github.com/BlackRoad-OS/blackroad-cron/internal/metrics"
)

// DefaultAnalyticsTimeout bounds the analytics write that ends every run.
const DefaultAnalyticsTimeout = 2 * time.Second

// Registry is the subset of the job registry the dispatcher needs.
type Registry interface {
	Get(id string) (domain.Job, error)
	RecordOutcome(id string, outcome domain.Outcome, duration time.Duration, timestamp time.Time) (domain.Job, error)
}

type ExecutionLog interface {
	Append(exec domain.Execution)
}

// Sender performs one HTTP attempt. It never returns an error for a
// received response; Result.Error is set only when no response arrived.
type Sender interface {
	Send(ctx context.Context, req Request) Result
}

// Breaker guards endpoints that keep failing. Optional.
type Breaker interface {
	Allow(endpoint string) error
	RecordSuccess(endpoint string)
	RecordFailure(endpoint string)
}

// AnalyticsSink records finished executions. Best effort; errors are the
// sink's problem.
type AnalyticsSink interface {
	Record(ctx context.Context, exec domain.Execution)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	AttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DispatchOutcome(outcome string, trigger domain.Trigger)
	RetryScheduled()
	DispatchRejected(trigger domain.Trigger)
	DispatchesInFlightIncr()
	DispatchesInFlightDecr()
}

type Dispatcher struct {
	registry         Registry
	log              ExecutionLog
	sender           Sender
	backoff          backoff.Strategy
	breaker          Breaker       // optional, nil = disabled
	analytics        AnalyticsSink // optional, nil = disabled
	analyticsTimeout time.Duration
	metrics          MetricsSink
	logger           *zap.SugaredLogger
	clock            func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(registry Registry, log ExecutionLog, sender Sender) *Dispatcher {
	return &Dispatcher{
		registry:         registry,
		log:              log,
		sender:           sender,
		backoff:          backoff.DefaultStrategy(),
		analyticsTimeout: DefaultAnalyticsTimeout,
		metrics:          metrics.NewNoopSink(),
		logger:           zap.NewNop().Sugar(),
		clock:            time.Now,
		inflight:         make(map[string]struct{}),
	}
}

func (d *Dispatcher) WithBackoff(s backoff.Strategy) *Dispatcher {
	d.backoff = s
	return d
}

func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

func (d *Dispatcher) WithAnalyticsTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.analyticsTimeout = timeout
	}
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	if sink != nil {
		d.metrics = sink
	}
	return d
}

func (d *Dispatcher) WithLogger(l *zap.SugaredLogger) *Dispatcher {
	if l != nil {
		d.logger = l
	}
	return d
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Flight is a reserved dispatch slot for one job. While a Flight is held no
// other dispatch of the same job can begin.
type Flight struct {
	d       *Dispatcher
	jobID   string
	trigger domain.Trigger
	once    sync.Once
}

// Begin reserves the job for a dispatch. It fails with an
// *domain.AlreadyRunningError when a dispatch of the job is in flight.
func (d *Dispatcher) Begin(jobID string, trigger domain.Trigger) (*Flight, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[jobID]; busy {
		d.metrics.DispatchRejected(trigger)
		return nil, &domain.AlreadyRunningError{JobID: jobID}
	}
	d.inflight[jobID] = struct{}{}
	return &Flight{d: d, jobID: jobID, trigger: trigger}, nil
}

// InFlight reports whether a dispatch of the job is running.
func (d *Dispatcher) InFlight(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, busy := d.inflight[jobID]
	return busy
}

func (d *Dispatcher) release(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, jobID)
}

// JobID returns the reserved job.
func (f *Flight) JobID() string { return f.jobID }

// Run dispatches the job and releases the reservation.
func (f *Flight) Run(ctx context.Context) (domain.Execution, error) {
	defer f.Release()
	return f.d.dispatch(ctx, f.jobID, f.trigger)
}

// Release gives up the reservation without dispatching. Safe to call more
// than once.
func (f *Flight) Release() {
	f.once.Do(func() { f.d.release(f.jobID) })
}

// Run reserves and dispatches the job in one call. Dispatch failures are
// recorded in the returned Execution; the error is non-nil only when the
// job is unknown or already running.
func (d *Dispatcher) Run(ctx context.Context, jobID string, trigger domain.Trigger) (domain.Execution, error) {
	f, err := d.Begin(jobID, trigger)
	if err != nil {
		return domain.Execution{}, err
	}
	return f.Run(ctx)
}

func (d *Dispatcher) dispatch(ctx context.Context, jobID string, trigger domain.Trigger) (domain.Execution, error) {
	job, err := d.registry.Get(jobID)
	if err != nil {
		return domain.Execution{}, errors.Wrapf(err, "dispatch job %s", jobID)
	}

	d.metrics.DispatchesInFlightIncr()
	defer d.metrics.DispatchesInFlightDecr()

	exec := domain.Execution{
		ID:      domain.NewExecutionID(),
		JobID:   job.ID,
		Trigger: trigger,
	}
	maxAttempts := job.Retries + 1

	var outcome domain.Outcome
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			delay := d.backoff.Delay(attempt - 1)
			d.metrics.RetryScheduled()
			d.logger.Debugw("dispatcher: retry scheduled", "job_id", job.ID, "attempt", attempt, "backoff", delay)

			if err := sleep(ctx, delay); err != nil {
				exec.Error = exec.Error + " (retry aborted: " + err.Error() + ")"
				outcome = domain.OutcomeFailure
				break
			}
		}

		attemptErr := d.attempt(ctx, job, &exec, attempt)
		if attemptErr == nil {
			outcome = domain.OutcomeSuccess
			break
		}

		var de *domain.DispatchError
		retryable := errors.As(attemptErr, &de) && de.Retryable()
		if retryable && attempt < maxAttempts {
			d.logger.Infow("dispatcher: attempt failed", "job_id", job.ID, "attempt", attempt, "error", attemptErr)
			continue
		}

		// A client error ends the run early but only exhausts the job when
		// it was the last allowed attempt anyway.
		var tce *domain.TerminalClientError
		if (retryable || errors.As(attemptErr, &tce)) && attempt == maxAttempts {
			outcome = domain.OutcomeExhausted
		} else {
			outcome = domain.OutcomeFailure
		}
		break
	}

	d.finish(ctx, job, exec, outcome)
	return exec, nil
}

// attempt performs one call and overwrites exec with its result.
func (d *Dispatcher) attempt(ctx context.Context, job domain.Job, exec *domain.Execution, attempt int) error {
	startedAt := d.clock().UTC()

	var (
		res Result
		err error
	)
	if d.breaker != nil {
		if berr := d.breaker.Allow(job.Endpoint); berr != nil {
			err = &domain.DispatchError{Kind: domain.DispatchCircuitOpen, Err: berr}
		}
	}
	if err == nil {
		res = d.sender.Send(ctx, Request{
			Method:      job.Method,
			URL:         job.Endpoint,
			Headers:     job.Headers,
			Body:        job.Body,
			Timeout:     job.Timeout,
			JobID:       job.ID,
			ExecutionID: exec.ID,
			AttemptID:   uuid.NewString(),
			Attempt:     attempt,
		})
		err = classify(res)
		d.recordBreaker(job.Endpoint, res, err)
	}
	completedAt := d.clock().UTC()

	d.metrics.AttemptCompleted(attempt, metrics.ClassifyStatus(res.StatusCode, err), res.Duration)

	exec.Attempt = attempt
	exec.StartedAt = startedAt
	exec.CompletedAt = completedAt
	exec.Duration = completedAt.Sub(startedAt)
	exec.StatusCode = res.StatusCode
	if err == nil {
		exec.Status = domain.ExecutionStatusSuccess
		exec.Response = res.Body
		exec.Error = ""
	} else {
		exec.Status = domain.ExecutionStatusFailure
		exec.Response = ""
		exec.Error = err.Error()
	}
	return err
}

func (d *Dispatcher) recordBreaker(endpoint string, res Result, err error) {
	if d.breaker == nil {
		return
	}
	var de *domain.DispatchError
	switch {
	case errors.As(err, &de) && de.Retryable():
		d.breaker.RecordFailure(endpoint)
	case res.StatusCode > 0:
		d.breaker.RecordSuccess(endpoint)
	}
}

func (d *Dispatcher) finish(ctx context.Context, job domain.Job, exec domain.Execution, outcome domain.Outcome) {
	if _, err := d.registry.RecordOutcome(job.ID, outcome, exec.Duration, exec.CompletedAt); err != nil {
		// The job may have been deleted mid-dispatch; the execution is still history.
		d.logger.Warnw("dispatcher: record outcome failed", "job_id", job.ID, "error", err)
	}
	d.log.Append(exec)

	d.metrics.DispatchOutcome(outcomeLabel(outcome), exec.Trigger)
	if d.analytics != nil {
		// The reservation is still held here, so the write is bounded and
		// stops with the dispatch context.
		actx, cancel := context.WithTimeout(ctx, d.analyticsTimeout)
		d.analytics.Record(actx, exec)
		cancel()
	}

	if outcome == domain.OutcomeSuccess {
		d.logger.Infow("dispatcher: job succeeded",
			"job_id", job.ID, "execution_id", exec.ID, "attempt", exec.Attempt,
			"status_code", exec.StatusCode, "trigger", exec.Trigger)
		return
	}
	d.logger.Warnw("dispatcher: job failed",
		"job_id", job.ID, "execution_id", exec.ID, "attempt", exec.Attempt,
		"outcome", outcome.String(), "status_code", exec.StatusCode, "error", exec.Error,
		"trigger", exec.Trigger)
}

// classify turns a received response into the dispatch error taxonomy.
// Any status below 400 is success.
func classify(res Result) error {
	if res.Error != nil {
		return res.Error
	}
	switch {
	case res.StatusCode >= 500:
		return &domain.DispatchError{Kind: domain.DispatchServer, StatusCode: res.StatusCode}
	case res.StatusCode >= 400:
		return &domain.TerminalClientError{StatusCode: res.StatusCode}
	default:
		return nil
	}
}

func outcomeLabel(o domain.Outcome) string {
	switch o {
	case domain.OutcomeSuccess:
		return metrics.OutcomeSuccess
	case domain.OutcomeExhausted:
		return metrics.OutcomeExhausted
	default:
		return metrics.OutcomeFailed
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
