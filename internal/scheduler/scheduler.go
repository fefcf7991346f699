// Package scheduler runs the control loop that finds due jobs on every tick
// and hands them to the dispatcher without waiting for completion.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
	"github.com/BlackRoad-OS/blackroad-cron/internal/metrics"
)

const (
	DefaultTickInterval = 30 * time.Second
	DefaultPoolSize     = 10
)

type Registry interface {
	List() []domain.Job
	Get(id string) (domain.Job, error)
}

// Flight is a reserved dispatch of one job.
type Flight interface {
	Run(ctx context.Context) (domain.Execution, error)
	Release()
}

// Dispatcher reserves jobs for dispatch. Begin fails with
// domain.ErrAlreadyRunning when the job is in flight.
type Dispatcher interface {
	Begin(jobID string, trigger domain.Trigger) (Flight, error)
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, dispatched, deferred int)
	TickDrift(drift time.Duration)
	JobPanicked()
}

type Config struct {
	TickInterval time.Duration
	PoolSize     int
}

// TickResult summarizes one tick.
type TickResult struct {
	Due        int
	Dispatched int
	Deferred   int // no worker slot; retried next tick
	Skipped    int // in flight, or no longer due once reserved
}

type Scheduler struct {
	config     Config
	registry   Registry
	dispatcher Dispatcher
	metrics    MetricsSink
	logger     *zap.SugaredLogger
	clock      func() time.Time

	slots *semaphore.Weighted
	wg    sync.WaitGroup

	// Dispatches outlive the Run context so shutdown can drain them.
	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc

	lastTick time.Time
}

func New(config Config, registry Registry, dispatcher Dispatcher) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.PoolSize <= 0 {
		config.PoolSize = DefaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:         config,
		registry:       registry,
		dispatcher:     dispatcher,
		metrics:        metrics.NewNoopSink(),
		logger:         zap.NewNop().Sugar(),
		clock:          time.Now,
		slots:          semaphore.NewWeighted(int64(config.PoolSize)),
		dispatchCtx:    ctx,
		cancelDispatch: cancel,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	if sink != nil {
		s.metrics = sink
	}
	return s
}

func (s *Scheduler) WithLogger(l *zap.SugaredLogger) *Scheduler {
	if l != nil {
		s.logger = l
	}
	return s
}

func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Run ticks until ctx is cancelled. In-flight dispatches keep running; call
// Drain after Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Infow("scheduler: started", "tick", s.config.TickInterval, "pool_size", s.config.PoolSize)
	s.lastTick = time.Now()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return ctx.Err()
		case tick := <-ticker.C:
			if drift := tick.Sub(s.lastTick) - s.config.TickInterval; drift > 0 {
				s.metrics.TickDrift(drift)
			}
			s.lastTick = tick
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every enabled job whose nextRun is at or before now,
// oldest nextRun first. Jobs that find no free worker are deferred to the
// next tick.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	start := time.Now()
	s.metrics.TickStarted()

	now := s.clock().UTC()
	due := dueJobs(s.registry.List(), now)

	res := TickResult{Due: len(due)}
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		s.submit(job, now, &res)
	}

	s.metrics.TickCompleted(time.Since(start), res.Dispatched, res.Deferred)
	if res.Due > 0 {
		s.logger.Infow("scheduler: tick",
			"due", res.Due, "dispatched", res.Dispatched,
			"deferred", res.Deferred, "skipped", res.Skipped)
	}
	return res
}

func (s *Scheduler) submit(job domain.Job, now time.Time, res *TickResult) {
	var (
		flight   Flight
		acquired bool
		launched bool
	)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !launched {
			if flight != nil {
				flight.Release()
			}
			if acquired {
				s.slots.Release(1)
			}
		}
		s.metrics.JobPanicked()
		s.logger.Errorw("scheduler: panic while submitting job", "job_id", job.ID, "panic", r)
	}()

	flight, err := s.dispatcher.Begin(job.ID, domain.TriggerSchedule)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			res.Skipped++
			s.logger.Debugw("scheduler: job still in flight", "job_id", job.ID)
			return
		}
		s.logger.Warnw("scheduler: begin dispatch failed", "job_id", job.ID, "error", err)
		return
	}

	// The snapshot may be stale: a dispatch that finished after List
	// advanced nextRun, or the job was paused or deleted meanwhile.
	if !s.stillDue(job.ID, now) {
		flight.Release()
		res.Skipped++
		s.logger.Debugw("scheduler: job no longer due", "job_id", job.ID)
		return
	}

	if !s.slots.TryAcquire(1) {
		flight.Release()
		res.Deferred++
		s.logger.Debugw("scheduler: worker pool saturated, deferring", "job_id", job.ID)
		return
	}
	acquired = true

	s.wg.Add(1)
	launched = true
	res.Dispatched++
	go s.run(job.ID, flight)
}

func (s *Scheduler) run(jobID string, flight Flight) {
	defer s.wg.Done()
	defer s.slots.Release(1)
	defer func() {
		if r := recover(); r != nil {
			flight.Release()
			s.metrics.JobPanicked()
			s.logger.Errorw("scheduler: panic during dispatch", "job_id", jobID, "panic", r)
		}
	}()

	if _, err := flight.Run(s.dispatchCtx); err != nil {
		s.logger.Warnw("scheduler: dispatch error", "job_id", jobID, "error", err)
	}
}

// Drain waits for in-flight dispatches. If they do not finish within
// timeout they are cancelled and Drain returns false once they have
// stopped.
func (s *Scheduler) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info("scheduler: drain complete")
		return true
	case <-timer.C:
		s.logger.Warnw("scheduler: drain timeout, cancelling dispatches", "timeout", timeout)
		s.cancelDispatch()
		<-done
		return false
	}
}

func (s *Scheduler) stillDue(jobID string, now time.Time) bool {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return false
	}
	return isDue(job, now)
}

func isDue(j domain.Job, now time.Time) bool {
	return j.Enabled && !j.NextRun.IsZero() && !j.NextRun.After(now)
}

func dueJobs(jobs []domain.Job, now time.Time) []domain.Job {
	due := make([]domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if isDue(j, now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].NextRun.Equal(due[b].NextRun) {
			return due[a].NextRun.Before(due[b].NextRun)
		}
		return due[a].ID < due[b].ID
	})
	return due
}
