// Package postgres implements store.Store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
	"github.com/BlackRoad-OS/blackroad-cron/internal/store"
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements store.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New wraps an existing connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	s := New(db)
	if err := s.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

// SaveJob upserts a job snapshot. An older snapshot never overwrites a newer
// one.
func (s *Store) SaveJob(ctx context.Context, job domain.Job) error {
	headers, err := store.EncodeHeaders(job.Headers)
	if err != nil {
		return err
	}
	var lastRun sql.NullTime
	if job.LastRun != nil {
		lastRun = sql.NullTime{Time: *job.LastRun, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, queryUpsertJob,
		job.ID,
		job.Name,
		job.Description,
		job.Schedule,
		job.Timezone,
		job.Endpoint,
		job.Method,
		headers,
		job.Body,
		job.Enabled,
		job.Retries,
		job.Timeout.Milliseconds(),
		lastRun,
		job.NextRun,
		string(job.Status),
		job.Stats.Runs,
		job.Stats.Successes,
		job.Stats.Failures,
		int64(job.Stats.AvgDuration),
		job.CreatedAt,
		job.UpdatedAt,
	)
	return errors.Wrapf(err, "save job %s", job.ID)
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, queryDeleteJob, id)
	return errors.Wrapf(err, "delete job %s", id)
}

// LoadJobs returns every persisted job ordered by creation time.
func (s *Store) LoadJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, queryLoadJobs)
	if err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		var (
			job       domain.Job
			headers   string
			timeoutMs int64
			lastRun   sql.NullTime
			status    string
			avgNs     int64
		)
		err := rows.Scan(
			&job.ID,
			&job.Name,
			&job.Description,
			&job.Schedule,
			&job.Timezone,
			&job.Endpoint,
			&job.Method,
			&headers,
			&job.Body,
			&job.Enabled,
			&job.Retries,
			&timeoutMs,
			&lastRun,
			&job.NextRun,
			&status,
			&job.Stats.Runs,
			&job.Stats.Successes,
			&job.Stats.Failures,
			&avgNs,
			&job.CreatedAt,
			&job.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		if job.Headers, err = store.DecodeHeaders(headers); err != nil {
			return nil, errors.Wrapf(err, "job %s", job.ID)
		}
		job.Timeout = time.Duration(timeoutMs) * time.Millisecond
		if lastRun.Valid {
			t := lastRun.Time.UTC()
			job.LastRun = &t
		}
		job.NextRun = job.NextRun.UTC()
		job.CreatedAt = job.CreatedAt.UTC()
		job.UpdatedAt = job.UpdatedAt.UTC()
		job.Status = domain.JobStatus(status)
		job.Stats.AvgDuration = time.Duration(avgNs)
		result = append(result, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}

	return result, nil
}

// InsertExecution stores an execution. Known ids are ignored.
func (s *Store) InsertExecution(ctx context.Context, exec domain.Execution) error {
	_, err := s.db.ExecContext(ctx, queryInsertExecution,
		exec.ID,
		exec.JobID,
		exec.StartedAt,
		exec.CompletedAt,
		int64(exec.Duration),
		string(exec.Status),
		exec.StatusCode,
		exec.Response,
		exec.Error,
		exec.Attempt,
		string(exec.Trigger),
	)
	return errors.Wrapf(err, "insert execution %s", exec.ID)
}

func (s *Store) LoadRecentExecutions(ctx context.Context, limit int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, queryLoadRecentExecutions, limit)
	if err != nil {
		return nil, errors.Wrap(err, "load executions")
	}
	defer rows.Close()

	var result []domain.Execution
	for rows.Next() {
		var (
			exec       domain.Execution
			durationNs int64
			status     string
			trigger    string
		)
		err := rows.Scan(
			&exec.ID,
			&exec.JobID,
			&exec.StartedAt,
			&exec.CompletedAt,
			&durationNs,
			&status,
			&exec.StatusCode,
			&exec.Response,
			&exec.Error,
			&exec.Attempt,
			&trigger,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		exec.StartedAt = exec.StartedAt.UTC()
		exec.CompletedAt = exec.CompletedAt.UTC()
		exec.Duration = time.Duration(durationNs)
		exec.Status = domain.ExecutionStatus(status)
		exec.Trigger = domain.Trigger(trigger)
		result = append(result, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "load executions")
	}

	store.Reverse(result)
	return result, nil
}

func (s *Store) PruneExecutions(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, queryPruneExecutions, keep)
	if err != nil {
		return 0, errors.Wrap(err, "prune executions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "prune executions")
	}
	return n, nil
}

// PingContext checks database connectivity. Satisfies api.HealthChecker.
func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Compile-time interface assertion
var _ store.Store = (*Store)(nil)
