// Package sqlite implements store.Store on an embedded SQLite database
// using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
	"github.com/BlackRoad-OS/blackroad-cron/internal/store"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store implements store.Store using SQLite. Timestamps are stored as
// RFC 3339 text in UTC.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection: SQLite serializes writers and :memory: is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	if path != MemoryPath {
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

func (s *Store) SaveJob(ctx context.Context, job domain.Job) error {
	headers, err := store.EncodeHeaders(job.Headers)
	if err != nil {
		return err
	}
	var lastRun any
	if job.LastRun != nil {
		lastRun = formatTime(*job.LastRun)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (
			id, name, description, schedule, timezone, endpoint, method, headers, body,
			enabled, retries, timeout_ms, last_run, next_run, status,
			runs, successes, failures, avg_duration_ns, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description,
			schedule=excluded.schedule, timezone=excluded.timezone,
			endpoint=excluded.endpoint, method=excluded.method,
			headers=excluded.headers, body=excluded.body,
			enabled=excluded.enabled, retries=excluded.retries,
			timeout_ms=excluded.timeout_ms, last_run=excluded.last_run,
			next_run=excluded.next_run, status=excluded.status,
			runs=excluded.runs, successes=excluded.successes,
			failures=excluded.failures, avg_duration_ns=excluded.avg_duration_ns,
			updated_at=excluded.updated_at`,
		job.ID, job.Name, job.Description, job.Schedule, job.Timezone, job.Endpoint, job.Method,
		headers, job.Body, job.Enabled, job.Retries, job.Timeout.Milliseconds(), lastRun,
		formatTime(job.NextRun), string(job.Status), job.Stats.Runs, job.Stats.Successes,
		job.Stats.Failures, int64(job.Stats.AvgDuration), formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	return errors.Wrapf(err, "save job %s", job.ID)
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	return errors.Wrapf(err, "delete job %s", id)
}

func (s *Store) LoadJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, schedule, timezone, endpoint, method, headers, body,
			enabled, retries, timeout_ms, last_run, next_run, status,
			runs, successes, failures, avg_duration_ns, created_at, updated_at
		 FROM cron_jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var (
			job                         domain.Job
			headers, status             string
			timeoutMs, avgNs            int64
			lastRun                     sql.NullString
			nextRun, createdAt, updated string
		)
		if err := rows.Scan(
			&job.ID, &job.Name, &job.Description, &job.Schedule, &job.Timezone, &job.Endpoint, &job.Method,
			&headers, &job.Body, &job.Enabled, &job.Retries, &timeoutMs, &lastRun, &nextRun, &status,
			&job.Stats.Runs, &job.Stats.Successes, &job.Stats.Failures, &avgNs, &createdAt, &updated,
		); err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		if job.Headers, err = store.DecodeHeaders(headers); err != nil {
			return nil, errors.Wrapf(err, "job %s", job.ID)
		}
		if lastRun.Valid {
			t, err := parseTime(lastRun.String)
			if err != nil {
				return nil, errors.Wrapf(err, "job %s last_run", job.ID)
			}
			job.LastRun = &t
		}
		if job.NextRun, err = parseTime(nextRun); err != nil {
			return nil, errors.Wrapf(err, "job %s next_run", job.ID)
		}
		if job.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, errors.Wrapf(err, "job %s created_at", job.ID)
		}
		if job.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, errors.Wrapf(err, "job %s updated_at", job.ID)
		}
		job.Timeout = time.Duration(timeoutMs) * time.Millisecond
		job.Status = domain.JobStatus(status)
		job.Stats.AvgDuration = time.Duration(avgNs)
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}
	return out, nil
}

func (s *Store) InsertExecution(ctx context.Context, exec domain.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_executions (
			id, job_id, started_at, completed_at, completed_ns, duration_ns, status,
			status_code, response, error, attempt, trigger_source)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		exec.ID, exec.JobID, formatTime(exec.StartedAt), formatTime(exec.CompletedAt),
		exec.CompletedAt.UnixNano(), int64(exec.Duration), string(exec.Status),
		exec.StatusCode, exec.Response, exec.Error, exec.Attempt, string(exec.Trigger),
	)
	return errors.Wrapf(err, "insert execution %s", exec.ID)
}

func (s *Store) LoadRecentExecutions(ctx context.Context, limit int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, started_at, completed_at, duration_ns, status,
			status_code, response, error, attempt, trigger_source
		 FROM cron_executions
		 ORDER BY completed_ns DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "load executions")
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		var (
			exec               domain.Execution
			started, completed string
			durationNs         int64
			status, trigger    string
		)
		if err := rows.Scan(
			&exec.ID, &exec.JobID, &started, &completed, &durationNs, &status,
			&exec.StatusCode, &exec.Response, &exec.Error, &exec.Attempt, &trigger,
		); err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		if exec.StartedAt, err = parseTime(started); err != nil {
			return nil, errors.Wrapf(err, "execution %s", exec.ID)
		}
		if exec.CompletedAt, err = parseTime(completed); err != nil {
			return nil, errors.Wrapf(err, "execution %s", exec.ID)
		}
		exec.Duration = time.Duration(durationNs)
		exec.Status = domain.ExecutionStatus(status)
		exec.Trigger = domain.Trigger(trigger)
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "load executions")
	}
	store.Reverse(out)
	return out, nil
}

func (s *Store) PruneExecutions(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cron_executions WHERE id NOT IN (
			SELECT id FROM cron_executions ORDER BY completed_ns DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, errors.Wrap(err, "prune executions")
	}
	return res.RowsAffected()
}

func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", s)
	}
	return t.UTC(), nil
}

var _ store.Store = (*Store)(nil)
