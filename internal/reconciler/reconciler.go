// Package reconciler periodically writes the full in-memory job set to the
// store.
//
// The change bus drops changes instead of blocking the registry, so the
// store can fall behind. Each cycle upserts every job, removes jobs the
// registry no longer knows, and trims execution history to the retention
// cap. All operations are idempotent.
package reconciler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// Source provides the authoritative job set.
type Source interface {
	List() []domain.Job
}

type Store interface {
	SaveJob(ctx context.Context, job domain.Job) error
	DeleteJob(ctx context.Context, id string) error
	LoadJobs(ctx context.Context) ([]domain.Job, error)
	PruneExecutions(ctx context.Context, keep int) (int64, error)
}

// MetricsSink defines the interface for recording reconciler metrics.
type MetricsSink interface {
	ReconcileCompleted(jobs int, err error)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// KeepExecutions is the number of newest executions retained in the
	// store. 0 disables pruning.
	KeepExecutions int

	// OpTimeout bounds each cycle.
	// Default: 30 seconds.
	OpTimeout time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		KeepExecutions: 1000,
		OpTimeout:      30 * time.Second,
	}
}

// CycleResult summarizes one reconciliation cycle.
type CycleResult struct {
	Saved   int
	Deleted int
	Pruned  int64
}

type Reconciler struct {
	config  Config
	source  Source
	store   Store
	metrics MetricsSink // optional, nil = disabled
	logger  *zap.SugaredLogger
}

func New(config Config, source Source, store Store) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = def.OpTimeout
	}
	return &Reconciler{
		config: config,
		source: source,
		store:  store,
		logger: zap.NewNop().Sugar(),
	}
}

func (r *Reconciler) WithMetrics(m MetricsSink) *Reconciler {
	r.metrics = m
	return r
}

func (r *Reconciler) WithLogger(l *zap.SugaredLogger) *Reconciler {
	if l != nil {
		r.logger = l
	}
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Infow("reconciler: started", "interval", r.config.Interval, "keep_executions", r.config.KeepExecutions)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	res, err := r.RunOnce(ctx)
	if r.metrics != nil {
		r.metrics.ReconcileCompleted(res.Saved, err)
	}
	if err != nil {
		// Store error: log and abort cycle. Will retry next interval.
		r.logger.Warnw("reconciler: cycle failed", "error", err, "saved", res.Saved)
		return
	}
	if res.Deleted > 0 || res.Pruned > 0 {
		r.logger.Infow("reconciler: cycle complete", "saved", res.Saved, "deleted", res.Deleted, "pruned", res.Pruned)
	}
}

// RunOnce executes one reconciliation cycle.
func (r *Reconciler) RunOnce(ctx context.Context) (CycleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.OpTimeout)
	defer cancel()

	var res CycleResult

	// Read the store before the registry. A job created after the snapshot
	// is then missing from both lists instead of looking stale.
	stored, err := r.store.LoadJobs(ctx)
	if err != nil {
		return res, errors.Wrap(err, "reconcile: load stored jobs")
	}

	jobs := r.source.List()
	live := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, "reconcile interrupted")
		}
		if err := r.store.SaveJob(ctx, job); err != nil {
			return res, errors.Wrapf(err, "reconcile job %s", job.ID)
		}
		live[job.ID] = struct{}{}
		res.Saved++
	}

	for _, job := range stored {
		if _, ok := live[job.ID]; ok {
			continue
		}
		if err := r.store.DeleteJob(ctx, job.ID); err != nil {
			return res, errors.Wrapf(err, "reconcile: delete stale job %s", job.ID)
		}
		res.Deleted++
	}

	if r.config.KeepExecutions > 0 {
		n, err := r.store.PruneExecutions(ctx, r.config.KeepExecutions)
		if err != nil {
			return res, errors.Wrap(err, "reconcile: prune executions")
		}
		res.Pruned = n
	}
	return res, nil
}
