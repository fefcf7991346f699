package postgres

const schema = `
CREATE TABLE IF NOT EXISTS cron_jobs (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    schedule        TEXT NOT NULL,
    timezone        TEXT NOT NULL,
    endpoint        TEXT NOT NULL,
    method          TEXT NOT NULL,
    headers         JSONB NOT NULL DEFAULT '{}',
    body            TEXT NOT NULL DEFAULT '',
    enabled         BOOLEAN NOT NULL,
    retries         INTEGER NOT NULL,
    timeout_ms      BIGINT NOT NULL,
    last_run        TIMESTAMPTZ,
    next_run        TIMESTAMPTZ NOT NULL,
    status          TEXT NOT NULL,
    runs            BIGINT NOT NULL DEFAULT 0,
    successes       BIGINT NOT NULL DEFAULT 0,
    failures        BIGINT NOT NULL DEFAULT 0,
    avg_duration_ns BIGINT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_executions (
    id             TEXT PRIMARY KEY,
    job_id         TEXT NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    completed_at   TIMESTAMPTZ NOT NULL,
    duration_ns    BIGINT NOT NULL,
    status         TEXT NOT NULL,
    status_code    INTEGER NOT NULL DEFAULT 0,
    response       TEXT NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT '',
    attempt        INTEGER NOT NULL,
    trigger_source TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS cron_executions_completed_idx ON cron_executions (completed_at DESC, id DESC);
`

const queryUpsertJob = `
INSERT INTO cron_jobs (
    id, name, description, schedule, timezone, endpoint, method, headers, body,
    enabled, retries, timeout_ms, last_run, next_run, status,
    runs, successes, failures, avg_duration_ns, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    schedule = EXCLUDED.schedule,
    timezone = EXCLUDED.timezone,
    endpoint = EXCLUDED.endpoint,
    method = EXCLUDED.method,
    headers = EXCLUDED.headers,
    body = EXCLUDED.body,
    enabled = EXCLUDED.enabled,
    retries = EXCLUDED.retries,
    timeout_ms = EXCLUDED.timeout_ms,
    last_run = EXCLUDED.last_run,
    next_run = EXCLUDED.next_run,
    status = EXCLUDED.status,
    runs = EXCLUDED.runs,
    successes = EXCLUDED.successes,
    failures = EXCLUDED.failures,
    avg_duration_ns = EXCLUDED.avg_duration_ns,
    updated_at = EXCLUDED.updated_at
WHERE cron_jobs.updated_at <= EXCLUDED.updated_at
`

const queryDeleteJob = `
DELETE FROM cron_jobs WHERE id = $1
`

const queryLoadJobs = `
SELECT
    id, name, description, schedule, timezone, endpoint, method, headers, body,
    enabled, retries, timeout_ms, last_run, next_run, status,
    runs, successes, failures, avg_duration_ns, created_at, updated_at
FROM cron_jobs
ORDER BY created_at, id
`

const queryInsertExecution = `
INSERT INTO cron_executions (
    id, job_id, started_at, completed_at, duration_ns, status,
    status_code, response, error, attempt, trigger_source
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING
`

const queryLoadRecentExecutions = `
SELECT
    id, job_id, started_at, completed_at, duration_ns, status,
    status_code, response, error, attempt, trigger_source
FROM cron_executions
ORDER BY completed_at DESC, id DESC
LIMIT $1
`

const queryPruneExecutions = `
DELETE FROM cron_executions
WHERE id NOT IN (
    SELECT id FROM cron_executions
    ORDER BY completed_at DESC, id DESC
    LIMIT $1
)
`
