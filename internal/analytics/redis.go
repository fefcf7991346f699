// Package analytics keeps per-job outcome counters in Redis, bucketed by
// time window.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// Config controls bucketing and key lifetime.
type Config struct {
	Window    time.Duration // 1m, 5m or 1h; anything else means 1m
	Retention time.Duration // TTL, must be >= Window
	Prefix    string
}

func DefaultConfig() Config {
	return Config{
		Window:    time.Minute,
		Retention: 24 * time.Hour,
		Prefix:    "cron",
	}
}

type RedisSink struct {
	client *redis.Client
	config Config
	logger *zap.SugaredLogger
}

func NewRedisSink(client *redis.Client, config Config) *RedisSink {
	def := DefaultConfig()
	switch config.Window {
	case time.Minute, 5 * time.Minute, time.Hour:
	default:
		config.Window = def.Window
	}
	if config.Retention < config.Window {
		config.Retention = def.Retention
	}
	if config.Prefix == "" {
		config.Prefix = def.Prefix
	}
	return &RedisSink{client: client, config: config, logger: zap.NewNop().Sugar()}
}

func (s *RedisSink) WithLogger(l *zap.SugaredLogger) *RedisSink {
	if l != nil {
		s.logger = l
	}
	return s
}

// Record counts a finished execution. Failures are logged, never returned.
func (s *RedisSink) Record(ctx context.Context, exec domain.Execution) {
	if err := s.Write(ctx, exec); err != nil {
		s.logger.Warnw("analytics: write failed", "job_id", exec.JobID, "execution_id", exec.ID, "error", err)
	}
}

func (s *RedisSink) Write(ctx context.Context, exec domain.Execution) error {
	key := s.key(exec.JobID, exec.Status, exec.CompletedAt)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "redis pipeline")
	}

	return nil
}

// Recent returns the counters of the last n windows for jobID, oldest
// first. The newest window is the one holding now.
func (s *RedisSink) Recent(ctx context.Context, jobID string, now time.Time, n int) ([]domain.OutcomeCounts, error) {
	if n <= 0 {
		return nil, nil
	}
	starts := bucketStarts(now, s.config.Window, n)
	keys := make([]string, 0, 2*len(starts))
	for _, start := range starts {
		keys = append(keys,
			s.key(jobID, domain.ExecutionStatusSuccess, start),
			s.key(jobID, domain.ExecutionStatusFailure, start),
		)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis mget")
	}
	out := make([]domain.OutcomeCounts, len(starts))
	for i, start := range starts {
		out[i] = domain.OutcomeCounts{
			Start:   start,
			Success: parseCount(vals[2*i]),
			Failure: parseCount(vals[2*i+1]),
		}
	}
	return out, nil
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) key(jobID string, status domain.ExecutionStatus, t time.Time) string {
	return buildKey(s.config.Prefix, jobID, status, t, s.config.Window)
}

func buildKey(prefix, jobID string, status domain.ExecutionStatus, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("%s:j:%s:%s:%s", prefix, jobID, status, bucket)
}

// bucketStarts lists the starts of the n windows ending with the one that
// holds now, oldest first.
func bucketStarts(now time.Time, window time.Duration, n int) []time.Time {
	end := now.UTC().Truncate(window)
	starts := make([]time.Time, n)
	for i := range starts {
		starts[i] = end.Add(-time.Duration(n-1-i) * window)
	}
	return starts
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}

func parseCount(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		return 0
	}
	return n
}
