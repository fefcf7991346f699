// Package persist applies registry and execution-log changes to a store.
//
// Changes arrive on the change bus. Writes are idempotent, so a change that
// is lost (bus overflow, crash) is repaired by the reconciler's next full
// snapshot rather than by retrying here.
package persist

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

const (
	DefaultOpTimeout    = 5 * time.Second
	DefaultDrainTimeout = 30 * time.Second
)

// Store operations used by the writer.
const (
	OpSaveJob         = "save_job"
	OpDeleteJob       = "delete_job"
	OpInsertExecution = "insert_execution"
)

type Store interface {
	SaveJob(ctx context.Context, job domain.Job) error
	DeleteJob(ctx context.Context, id string) error
	InsertExecution(ctx context.Context, exec domain.Execution) error
}

// MetricsSink defines the interface for recording store write metrics.
type MetricsSink interface {
	StoreWrite(op string, err error)
}

type Writer struct {
	store        Store
	opTimeout    time.Duration
	drainTimeout time.Duration
	metrics      MetricsSink // optional, nil = disabled
	logger       *zap.SugaredLogger
}

func New(store Store) *Writer {
	return &Writer{
		store:        store,
		opTimeout:    DefaultOpTimeout,
		drainTimeout: DefaultDrainTimeout,
		logger:       zap.NewNop().Sugar(),
	}
}

func (w *Writer) WithOpTimeout(d time.Duration) *Writer {
	if d > 0 {
		w.opTimeout = d
	}
	return w
}

func (w *Writer) WithDrainTimeout(d time.Duration) *Writer {
	if d > 0 {
		w.drainTimeout = d
	}
	return w
}

func (w *Writer) WithMetrics(m MetricsSink) *Writer {
	w.metrics = m
	return w
}

func (w *Writer) WithLogger(l *zap.SugaredLogger) *Writer {
	if l != nil {
		w.logger = l
	}
	return w
}

// Run applies changes until ctx is cancelled or ch is closed. After
// cancellation the remaining buffered changes are drained, bounded by the
// drain timeout.
func (w *Writer) Run(ctx context.Context, ch <-chan domain.Change) {
	for {
		select {
		case <-ctx.Done():
			w.drain(ch, nil)
			return
		case c, ok := <-ch:
			if !ok {
				w.logger.Info("persist: change stream closed")
				return
			}
			// Both cases were ready; ctx must not be used for the write.
			if ctx.Err() != nil {
				w.drain(ch, &c)
				return
			}
			if err := w.Apply(ctx, c); err != nil {
				w.logger.Warnw("persist: write failed", "kind", c.Kind, "job_id", c.JobID, "error", err)
			}
		}
	}
}

// drain writes first, if set, and whatever is buffered in ch, using a fresh
// context because the run context is already cancelled.
func (w *Writer) drain(ch <-chan domain.Change, first *domain.Change) {
	drainCtx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
	defer cancel()

	count := 0
	apply := func(c domain.Change) {
		if err := w.Apply(drainCtx, c); err != nil {
			w.logger.Warnw("persist: drain write failed", "kind", c.Kind, "job_id", c.JobID, "error", err)
		}
		count++
	}
	if first != nil {
		apply(*first)
	}
	for {
		if drainCtx.Err() != nil {
			w.logger.Warnw("persist: drain timeout", "processed", count)
			return
		}
		select {
		case <-drainCtx.Done():
			w.logger.Warnw("persist: drain timeout", "processed", count)
			return
		case c, ok := <-ch:
			if !ok {
				w.logger.Infow("persist: drain complete", "processed", count)
				return
			}
			apply(c)
		default:
			if count > 0 {
				w.logger.Infow("persist: drain complete", "processed", count)
			}
			return
		}
	}
}

// Apply writes a single change, bounded by the op timeout.
func (w *Writer) Apply(ctx context.Context, c domain.Change) error {
	opCtx, cancel := context.WithTimeout(ctx, w.opTimeout)
	defer cancel()

	var (
		op  string
		err error
	)
	switch c.Kind {
	case domain.ChangeJobSaved:
		op = OpSaveJob
		if c.Job == nil {
			return errors.Newf("change %s for job %s carries no job", c.Kind, c.JobID)
		}
		err = w.store.SaveJob(opCtx, *c.Job)
	case domain.ChangeJobDeleted:
		op = OpDeleteJob
		err = w.store.DeleteJob(opCtx, c.JobID)
	case domain.ChangeExecutionAdded:
		op = OpInsertExecution
		if c.Execution == nil {
			return errors.Newf("change %s for job %s carries no execution", c.Kind, c.JobID)
		}
		err = w.store.InsertExecution(opCtx, *c.Execution)
	default:
		return errors.Newf("unknown change kind %q", c.Kind)
	}

	if w.metrics != nil {
		w.metrics.StoreWrite(op, err)
	}
	return err
}
