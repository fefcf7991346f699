// endpoint-stub is a job target for local testing. It records what
// blackroad-cron sends and can be told to fail or stall so retries, timeouts
// and the circuit breaker can be exercised by hand.
//
//	ADDR=:9000 FAIL_FIRST=2 FAIL_STATUS=503 DELAY=0s go run .
//
// Per-request overrides: /hook?status=404&delay=2s
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type request struct {
	Timestamp   string `json:"timestamp"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	JobID       string `json:"jobId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	Attempt     string `json:"attempt,omitempty"`
	Body        string `json:"body"`
	Status      int    `json:"status"`
}

type stats struct {
	Count        int64     `json:"count"`
	Failed       int64     `json:"failed"`
	LastRequests []request `json:"lastRequests"`
	Since        string    `json:"since"`
}

type server struct {
	failFirst  int64
	failStatus int
	delay      time.Duration
	maxStored  int

	mu       sync.Mutex
	count    int64
	failed   int64
	requests []request
	since    time.Time
}

func newServer(failFirst int64, failStatus int, delay time.Duration) *server {
	if failStatus == 0 {
		failStatus = http.StatusServiceUnavailable
	}
	return &server{
		failFirst:  failFirst,
		failStatus: failStatus,
		delay:      delay,
		maxStored:  50,
		since:      time.Now().UTC(),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", s.hook)
	mux.HandleFunc("/stats", s.stats)
	mux.HandleFunc("/reset", s.reset)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func (s *server) hook(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()

	s.mu.Lock()
	s.count++
	n := s.count
	status := http.StatusOK
	if n <= s.failFirst {
		status = s.failStatus
	}
	s.mu.Unlock()

	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("status")); err == nil && v >= 100 {
		status = v
	}
	delay := s.delay
	if v, err := time.ParseDuration(q.Get("delay")); err == nil {
		delay = v
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			// Caller timed out; nothing to answer.
			return
		}
	}

	req := request{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Method:      r.Method,
		Path:        r.URL.Path,
		JobID:       r.Header.Get("X-Cron-Job-ID"),
		ExecutionID: r.Header.Get("X-Cron-Execution-ID"),
		Attempt:     r.Header.Get("X-Cron-Attempt"),
		Body:        string(body),
		Status:      status,
	}

	s.mu.Lock()
	if status >= 400 {
		s.failed++
	}
	s.requests = append(s.requests, req)
	if len(s.requests) > s.maxStored {
		s.requests = s.requests[len(s.requests)-s.maxStored:]
	}
	s.mu.Unlock()

	log.Printf("hook #%d job=%s attempt=%s -> %d", n, req.JobID, req.Attempt, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"received":%d,"status":%d}`, n, status)
}

func (s *server) stats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	st := stats{
		Count:        s.count,
		Failed:       s.failed,
		LastRequests: append([]request(nil), s.requests...),
		Since:        s.since.Format(time.RFC3339),
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *server) reset(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.count = 0
	s.failed = 0
	s.requests = nil
	s.since = time.Now().UTC()
	s.mu.Unlock()
	fmt.Fprintln(w, "reset")
}

func main() {
	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	failFirst, _ := strconv.ParseInt(os.Getenv("FAIL_FIRST"), 10, 64)
	failStatus, _ := strconv.Atoi(os.Getenv("FAIL_STATUS"))
	delay, _ := time.ParseDuration(os.Getenv("DELAY"))

	s := newServer(failFirst, failStatus, delay)
	log.Printf("endpoint-stub listening on %s (fail_first=%d fail_status=%d delay=%s)", addr, failFirst, s.failStatus, delay)
	log.Fatal(http.ListenAndServe(addr, s.routes()))
}
