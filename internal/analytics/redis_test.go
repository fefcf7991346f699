package analytics

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

func TestTruncateToBucket(t *testing.T) {
	ts := time.Date(2026, 1, 1, 9, 37, 42, 0, time.FixedZone("X", 3600))

	tests := []struct {
		window time.Duration
		want   string
	}{
		{time.Minute, "202601010837"},
		{5 * time.Minute, "202601010835"},
		{time.Hour, "2026010108"},
		{2 * time.Minute, "202601010837"},
	}
	for _, tt := range tests {
		if got := truncateToBucket(ts, tt.window); got != tt.want {
			t.Errorf("truncateToBucket(%v) = %q, want %q", tt.window, got, tt.want)
		}
	}
}

func TestBuildKey(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := buildKey("cron", "job_1", domain.ExecutionStatusFailure, ts, time.Minute)
	want := "cron:j:job_1:failure:202601010000"
	if got != want {
		t.Errorf("buildKey = %q, want %q", got, want)
	}
}

func TestNewRedisSink_Defaults(t *testing.T) {
	s := NewRedisSink(nil, Config{Window: time.Hour, Retention: time.Minute})
	if s.config.Retention != 24*time.Hour {
		t.Errorf("retention shorter than window should fall back to default, got %v", s.config.Retention)
	}
	if s.config.Prefix != "cron" {
		t.Errorf("prefix = %q, want cron", s.config.Prefix)
	}
	if s.config.Window != time.Hour {
		t.Errorf("window = %v, want 1h", s.config.Window)
	}
}

func TestParseCount(t *testing.T) {
	if got := parseCount("42"); got != 42 {
		t.Errorf("parseCount(42) = %d", got)
	}
	if got := parseCount(nil); got != 0 {
		t.Errorf("parseCount(nil) = %d", got)
	}
	if got := parseCount("x"); got != 0 {
		t.Errorf("parseCount(x) = %d", got)
	}
}

func TestWrite_UnreachableRedisReturnsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	s := NewRedisSink(client, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	exec := domain.Execution{ID: "exec_1", JobID: "job_1", Status: domain.ExecutionStatusSuccess, CompletedAt: time.Now()}
	if err := s.Write(ctx, exec); err == nil {
		t.Fatal("expected error from unreachable redis")
	}

	// Record swallows the error.
	s.Record(ctx, exec)
}

// silentRedis accepts connections and never answers.
func silentRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestWrite_HungRedisHonoursDeadline(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:                  silentRedis(t),
		ContextTimeoutEnabled: true,
	})
	defer client.Close()

	s := NewRedisSink(client, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	exec := domain.Execution{ID: "exec_1", JobID: "job_1", Status: domain.ExecutionStatusFailure, CompletedAt: time.Now()}
	start := time.Now()
	s.Record(ctx, exec)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Record took %v against a silent redis with a 100ms deadline", elapsed)
	}
}

func TestBucketStarts(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 37, 42, 0, time.UTC)

	got := bucketStarts(now, 5*time.Minute, 3)
	want := []time.Time{
		time.Date(2026, 1, 1, 10, 25, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 10, 35, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("starts[%d] = %v, want %v", i, got[i], want[i])
		}
		// Every start must land on its own key bucket.
		if truncateToBucket(got[i], 5*time.Minute) != want[i].Format("200601021504") {
			t.Errorf("starts[%d] maps to bucket %s", i, truncateToBucket(got[i], 5*time.Minute))
		}
	}
}

func TestNewRedisSink_UnsupportedWindow(t *testing.T) {
	s := NewRedisSink(nil, Config{Window: 2 * time.Minute})
	if s.config.Window != time.Minute {
		t.Errorf("window = %v, want 1m", s.config.Window)
	}
}

func TestRecent(t *testing.T) {
	s := NewRedisSink(nil, DefaultConfig())
	got, err := s.Recent(context.Background(), "job_1", time.Now(), 0)
	if err != nil || got != nil {
		t.Errorf("Recent(n=0) = %v, %v", got, err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	s = NewRedisSink(client, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Recent(ctx, "job_1", time.Now(), 5); err == nil {
		t.Error("expected error from unreachable redis")
	}
}
