package persist

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

type Loader interface {
	LoadJobs(ctx context.Context) ([]domain.Job, error)
	LoadRecentExecutions(ctx context.Context, limit int) ([]domain.Execution, error)
}

type JobRestorer interface {
	Restore(jobs []domain.Job) int
}

type ExecutionRestorer interface {
	Restore(execs []domain.Execution)
	Cap() int
}

// RestoreResult counts what was loaded at startup.
type RestoreResult struct {
	Jobs       int
	Skipped    int
	Executions int
}

// Restore loads persisted jobs and the newest executions into memory. It
// must run before the scheduler starts.
func Restore(ctx context.Context, src Loader, jobs JobRestorer, execs ExecutionRestorer) (RestoreResult, error) {
	var res RestoreResult

	loaded, err := src.LoadJobs(ctx)
	if err != nil {
		return res, errors.Wrap(err, "restore jobs")
	}
	res.Jobs = jobs.Restore(loaded)
	res.Skipped = len(loaded) - res.Jobs

	history, err := src.LoadRecentExecutions(ctx, execs.Cap())
	if err != nil {
		return res, errors.Wrap(err, "restore executions")
	}
	execs.Restore(history)
	res.Executions = len(history)
	return res, nil
}
