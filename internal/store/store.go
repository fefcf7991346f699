// Package store defines the persistence contract behind the in-memory
// registry and execution log. Implementations live in subpackages.
package store

import (
	"context"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// Store persists job snapshots and execution records. Writes are
// idempotent: SaveJob upserts and InsertExecution ignores known ids.
type Store interface {
	SaveJob(ctx context.Context, job domain.Job) error
	DeleteJob(ctx context.Context, id string) error
	LoadJobs(ctx context.Context) ([]domain.Job, error)

	InsertExecution(ctx context.Context, exec domain.Execution) error
	// LoadRecentExecutions returns up to limit of the newest executions,
	// oldest first.
	LoadRecentExecutions(ctx context.Context, limit int) ([]domain.Execution, error)
	// PruneExecutions deletes all but the newest keep executions.
	PruneExecutions(ctx context.Context, keep int) (int64, error)

	PingContext(ctx context.Context) error
	io.Closer
}

// Driver names accepted by configuration.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// EncodeHeaders serializes job headers for a text column.
func EncodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", errors.Wrap(err, "encode headers")
	}
	return string(b), nil
}

// DecodeHeaders is the inverse of EncodeHeaders. Empty objects decode to nil.
func DecodeHeaders(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, errors.Wrap(err, "decode headers")
	}
	return h, nil
}

// Reverse flips executions read newest-first into oldest-first order.
func Reverse(execs []domain.Execution) {
	for i, j := 0, len(execs)-1; i < j; i, j = i+1, j-1 {
		execs[i], execs[j] = execs[j], execs[i]
	}
}
