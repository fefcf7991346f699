// Package testutil provides shared test helpers for blackroad-cron.
package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustTime parses an RFC 3339 timestamp and panics on error.
// Only for use in tests.
func MustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic("testutil.MustTime: " + err.Error())
	}
	return t
}

// StubResponse is one scripted reply of a StubEndpoint.
type StubResponse struct {
	Status int
	Body   string
	Delay  time.Duration
}

// StubRequest is what a StubEndpoint received.
type StubRequest struct {
	Method string
	Header http.Header
	Body   string
}

// StubEndpoint is an httptest server that replays scripted responses. Once
// the script is exhausted the last response repeats.
type StubEndpoint struct {
	*httptest.Server

	mu       sync.Mutex
	script   []StubResponse
	requests []StubRequest
	release  chan struct{}
}

// NewStubEndpoint starts a server answering with script (default 200 "ok").
// The server is closed when the test completes.
func NewStubEndpoint(t *testing.T, script ...StubResponse) *StubEndpoint {
	t.Helper()
	if len(script) == 0 {
		script = []StubResponse{{Status: http.StatusOK, Body: "ok"}}
	}
	s := &StubEndpoint{script: script}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Block makes every request wait until Unblock is called or the request
// context ends.
func (s *StubEndpoint) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release = make(chan struct{})
}

// Unblock releases requests held by Block.
func (s *StubEndpoint) Unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release != nil {
		close(s.release)
		s.release = nil
	}
}

// Count returns the number of requests received.
func (s *StubEndpoint) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of the received requests.
func (s *StubEndpoint) Requests() []StubRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *StubEndpoint) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, StubRequest{Method: r.Method, Header: r.Header.Clone(), Body: string(body)})
	resp := s.script[len(s.script)-1]
	if n < len(s.script) {
		resp = s.script[n]
	}
	release := s.release
	s.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}
