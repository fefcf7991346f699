package scheduler

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BlackRoad-OS/blackroad-cron/internal/backoff"
	"github.com/BlackRoad-OS/blackroad-cron/internal/cron"
	"github.com/BlackRoad-OS/blackroad-cron/internal/dispatcher"
	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
	"github.com/BlackRoad-OS/blackroad-cron/internal/execlog"
	"github.com/BlackRoad-OS/blackroad-cron/internal/registry"
	"github.com/BlackRoad-OS/blackroad-cron/internal/testutil"
)

type mockRegistry struct {
	mu   sync.Mutex
	jobs []domain.Job

	// afterList runs once the snapshot is taken, before Tick submits.
	afterList func()
}

func (r *mockRegistry) List() []domain.Job {
	r.mu.Lock()
	jobs := append([]domain.Job(nil), r.jobs...)
	hook := r.afterList
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return jobs
}

func (r *mockRegistry) Get(id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return domain.Job{}, domain.JobNotFound(id)
}

func (r *mockRegistry) update(id string, fn func(*domain.Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.jobs {
		if r.jobs[i].ID == id {
			fn(&r.jobs[i])
		}
	}
}

func (r *mockRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.jobs {
		if r.jobs[i].ID == id {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			return
		}
	}
}

// mockDispatcher hands out flights whose Run blocks until release is
// closed or the dispatch context ends.
type mockDispatcher struct {
	mu       sync.Mutex
	inflight map[string]bool
	started  []string
	release  chan struct{}
	panicOn  string
	runPanic string
	ctxErrs  []error
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{inflight: make(map[string]bool), release: make(chan struct{})}
}

func (d *mockDispatcher) Begin(jobID string, trigger domain.Trigger) (Flight, error) {
	if jobID == d.panicOn {
		panic("boom")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[jobID] {
		return nil, &domain.AlreadyRunningError{JobID: jobID}
	}
	d.inflight[jobID] = true
	return &mockFlight{d: d, jobID: jobID}, nil
}

func (d *mockDispatcher) startedJobs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.started...)
}

func (d *mockDispatcher) isInFlight(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[jobID]
}

type mockFlight struct {
	d     *mockDispatcher
	jobID string
	once  sync.Once
}

func (f *mockFlight) Run(ctx context.Context) (domain.Execution, error) {
	defer f.Release()
	f.d.mu.Lock()
	f.d.started = append(f.d.started, f.jobID)
	f.d.mu.Unlock()

	if f.jobID == f.d.runPanic {
		panic("dispatch boom")
	}
	select {
	case <-f.d.release:
	case <-ctx.Done():
		f.d.mu.Lock()
		f.d.ctxErrs = append(f.d.ctxErrs, ctx.Err())
		f.d.mu.Unlock()
	}
	return domain.Execution{JobID: f.jobID}, nil
}

func (f *mockFlight) Release() {
	f.once.Do(func() {
		f.d.mu.Lock()
		defer f.d.mu.Unlock()
		delete(f.d.inflight, f.jobID)
	})
}

type mockMetricsSink struct {
	mu         sync.Mutex
	ticks      int
	dispatched int
	deferred   int
	panics     int
}

func (m *mockMetricsSink) TickStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
}

func (m *mockMetricsSink) TickCompleted(d time.Duration, dispatched, deferred int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched += dispatched
	m.deferred += deferred
}

func (m *mockMetricsSink) TickDrift(d time.Duration) {}

func (m *mockMetricsSink) JobPanicked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics++
}

func (m *mockMetricsSink) panicCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.panics
}

var tickNow = testutil.MustTime("2026-01-01T01:00:30Z")

func dueJob(id string, nextRun time.Time) domain.Job {
	return domain.Job{ID: id, Enabled: true, NextRun: nextRun, Status: domain.JobStatusActive}
}

func newTestScheduler(reg Registry, d Dispatcher, pool int) *Scheduler {
	clock := testutil.NewFakeClock(tickNow)
	return New(Config{TickInterval: time.Minute, PoolSize: pool}, reg, d).WithClock(clock.Now)
}

func TestDueJobs_FilterAndOrder(t *testing.T) {
	now := tickNow
	jobs := []domain.Job{
		dueJob("job_c", now.Add(-time.Minute)),
		dueJob("job_future", now.Add(time.Second)),
		{ID: "job_paused", Enabled: false, NextRun: now.Add(-time.Hour)},
		dueJob("job_b", now.Add(-time.Hour)),
		dueJob("job_a", now.Add(-time.Hour)),
		dueJob("job_exact", now),
	}

	due := dueJobs(jobs, now)
	want := []string{"job_a", "job_b", "job_c", "job_exact"}
	if len(due) != len(want) {
		t.Fatalf("due = %d jobs, want %d", len(due), len(want))
	}
	for i, id := range want {
		if due[i].ID != id {
			t.Errorf("due[%d] = %s, want %s", i, due[i].ID, id)
		}
	}
}

func TestScheduler_DefersWhenPoolSaturated(t *testing.T) {
	reg := &mockRegistry{jobs: []domain.Job{
		dueJob("job_1", tickNow.Add(-3*time.Minute)),
		dueJob("job_2", tickNow.Add(-2*time.Minute)),
		dueJob("job_3", tickNow.Add(-time.Minute)),
	}}
	d := newMockDispatcher()
	m := &mockMetricsSink{}
	s := newTestScheduler(reg, d, 2).WithMetrics(m)

	res := s.Tick(testutil.TestContext(t))
	if res.Dispatched != 2 || res.Deferred != 1 {
		t.Fatalf("tick = %+v, want 2 dispatched 1 deferred", res)
	}
	// Oldest nextRun first; the deferred job holds no reservation.
	if d.isInFlight("job_3") {
		t.Error("deferred job must not stay reserved")
	}

	close(d.release)
	if !s.Drain(5 * time.Second) {
		t.Fatal("drain timed out")
	}

	d.release = make(chan struct{})
	res = s.Tick(testutil.TestContext(t))
	if res.Dispatched != 2 || res.Deferred != 1 {
		t.Errorf("second tick = %+v", res)
	}
	close(d.release)
	s.Drain(5 * time.Second)

	if m.ticks != 2 || m.dispatched != 4 || m.deferred != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestScheduler_SkipsInFlightWithoutUsingSlot(t *testing.T) {
	reg := &mockRegistry{jobs: []domain.Job{
		dueJob("job_slow", tickNow.Add(-2*time.Minute)),
		dueJob("job_other", tickNow.Add(-time.Minute)),
	}}
	d := newMockDispatcher()
	s := newTestScheduler(reg, d, 2)

	first := s.Tick(testutil.TestContext(t))
	if first.Dispatched != 2 {
		t.Fatalf("first tick = %+v", first)
	}

	// Both still running: second tick must not double-dispatch.
	second := s.Tick(testutil.TestContext(t))
	if second.Skipped != 2 || second.Dispatched != 0 || second.Deferred != 0 {
		t.Errorf("second tick = %+v, want 2 skipped", second)
	}

	close(d.release)
	s.Drain(5 * time.Second)
	if got := len(d.startedJobs()); got != 2 {
		t.Errorf("started = %d, want 2", got)
	}
}

// A job listed as due can stop being due before it is reserved: an earlier
// dispatch finishes and advances nextRun, or the job is paused or deleted.
func TestScheduler_RechecksDueAfterReserving(t *testing.T) {
	tests := []struct {
		name   string
		change func(r *mockRegistry)
	}{
		{"advanced", func(r *mockRegistry) {
			r.update("job_1", func(j *domain.Job) { j.NextRun = tickNow.Add(time.Hour) })
		}},
		{"paused", func(r *mockRegistry) {
			r.update("job_1", func(j *domain.Job) { j.Enabled = false })
		}},
		{"deleted", func(r *mockRegistry) { r.remove("job_1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &mockRegistry{jobs: []domain.Job{dueJob("job_1", tickNow.Add(-time.Minute))}}
			reg.afterList = func() { tt.change(reg) }
			d := newMockDispatcher()
			close(d.release)
			s := newTestScheduler(reg, d, 1)

			res := s.Tick(testutil.TestContext(t))
			s.Drain(5 * time.Second)

			if res.Due != 1 || res.Dispatched != 0 || res.Skipped != 1 {
				t.Errorf("tick = %+v, want 1 due 0 dispatched 1 skipped", res)
			}
			if d.isInFlight("job_1") {
				t.Error("skipped job must not stay reserved")
			}
			if got := d.startedJobs(); len(got) != 0 {
				t.Errorf("started = %v, want none", got)
			}
		})
	}
}

func TestScheduler_PanicInBeginIsolated(t *testing.T) {
	reg := &mockRegistry{jobs: []domain.Job{
		dueJob("job_bad", tickNow.Add(-2*time.Minute)),
		dueJob("job_good", tickNow.Add(-time.Minute)),
	}}
	d := newMockDispatcher()
	d.panicOn = "job_bad"
	close(d.release)
	m := &mockMetricsSink{}
	s := newTestScheduler(reg, d, 1).WithMetrics(m)

	res := s.Tick(testutil.TestContext(t))
	s.Drain(5 * time.Second)

	if res.Dispatched != 1 {
		t.Errorf("tick = %+v, want job_good dispatched", res)
	}
	if m.panicCount() != 1 {
		t.Errorf("panics = %d, want 1", m.panicCount())
	}
}

func TestScheduler_PanicInDispatchReleasesSlot(t *testing.T) {
	reg := &mockRegistry{jobs: []domain.Job{dueJob("job_boom", tickNow.Add(-time.Minute))}}
	d := newMockDispatcher()
	d.runPanic = "job_boom"
	m := &mockMetricsSink{}
	s := newTestScheduler(reg, d, 1).WithMetrics(m)

	s.Tick(testutil.TestContext(t))
	s.Drain(5 * time.Second)
	if m.panicCount() != 1 {
		t.Fatalf("panics = %d, want 1", m.panicCount())
	}

	res := s.Tick(testutil.TestContext(t))
	s.Drain(5 * time.Second)
	if res.Dispatched != 1 {
		t.Errorf("slot and reservation should be free again, got %+v", res)
	}
}

func TestScheduler_CancelledContextStopsSubmitting(t *testing.T) {
	reg := &mockRegistry{jobs: []domain.Job{dueJob("job_1", tickNow.Add(-time.Minute))}}
	d := newMockDispatcher()
	s := newTestScheduler(reg, d, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := s.Tick(ctx); res.Dispatched != 0 {
		t.Errorf("tick after shutdown dispatched %d jobs", res.Dispatched)
	}
}

func TestScheduler_DrainTimeoutCancelsDispatches(t *testing.T) {
	reg := &mockRegistry{jobs: []domain.Job{dueJob("job_hang", tickNow.Add(-time.Minute))}}
	d := newMockDispatcher()
	s := newTestScheduler(reg, d, 1)

	s.Tick(testutil.TestContext(t))
	if s.Drain(20 * time.Millisecond) {
		t.Fatal("drain should report timeout")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ctxErrs) != 1 || !errors.Is(d.ctxErrs[0], context.Canceled) {
		t.Errorf("dispatch ctx errors = %v, want canceled", d.ctxErrs)
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := New(Config{TickInterval: 5 * time.Millisecond, PoolSize: 1}, &mockRegistry{}, newMockDispatcher())
	m := &mockMetricsSink{}
	s.WithMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticks == 0 {
		t.Error("expected at least one tick")
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{}, &mockRegistry{}, newMockDispatcher())
	if s.config.TickInterval != DefaultTickInterval || s.config.PoolSize != DefaultPoolSize {
		t.Errorf("config = %+v", s.config)
	}
}

type dispatcherAdapter struct{ d *dispatcher.Dispatcher }

func (a dispatcherAdapter) Begin(jobID string, trigger domain.Trigger) (Flight, error) {
	f, err := a.d.Begin(jobID, trigger)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Create an hourly job at 00:30, pause and resume it, then tick past
// 01:00 against a live endpoint.
func TestScheduler_EndToEnd(t *testing.T) {
	stub := testutil.NewStubEndpoint(t, testutil.StubResponse{Status: http.StatusOK, Body: "ok"})
	clock := testutil.NewFakeClock(testutil.MustTime("2026-01-01T00:30:00Z"))

	reg := registry.New(cron.NewParser()).WithClock(clock.Now)
	log := execlog.New(100)
	disp := dispatcher.New(reg, log, dispatcher.NewHTTPSender(0)).
		WithClock(clock.Now).
		WithBackoff(backoff.NewConstant(0))
	s := New(Config{TickInterval: time.Minute, PoolSize: 4}, reg, dispatcherAdapter{disp}).WithClock(clock.Now)

	job, err := reg.Create(domain.JobSpec{
		Name:     "hourly",
		Schedule: "0 * * * *",
		Timezone: "UTC",
		Endpoint: stub.URL,
		Enabled:  true,
		Retries:  1,
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wantNext := testutil.MustTime("2026-01-01T01:00:00Z")
	if !job.NextRun.Equal(wantNext) {
		t.Fatalf("nextRun = %v, want %v", job.NextRun, wantNext)
	}

	if _, err := reg.SetEnabled(job.ID, false); err != nil {
		t.Fatal(err)
	}
	job, _ = reg.SetEnabled(job.ID, true)
	if !job.NextRun.Equal(wantNext) {
		t.Fatalf("nextRun after resume = %v, want %v", job.NextRun, wantNext)
	}

	// Not due yet.
	if res := s.Tick(testutil.TestContext(t)); res.Due != 0 {
		t.Fatalf("tick before nextRun = %+v", res)
	}

	clock.Set(testutil.MustTime("2026-01-01T01:00:30Z"))
	res := s.Tick(testutil.TestContext(t))
	if res.Dispatched != 1 {
		t.Fatalf("tick = %+v, want 1 dispatched", res)
	}
	if !s.Drain(5 * time.Second) {
		t.Fatal("drain timed out")
	}

	if log.Len() != 1 {
		t.Errorf("executions = %d, want 1", log.Len())
	}
	if stub.Count() != 1 {
		t.Errorf("endpoint hits = %d, want 1", stub.Count())
	}
	got, err := reg.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stats.Runs != 1 || got.Stats.Successes != 1 {
		t.Errorf("stats = %+v", got.Stats)
	}
	if want := testutil.MustTime("2026-01-01T02:00:00Z"); !got.NextRun.Equal(want) {
		t.Errorf("nextRun = %v, want %v", got.NextRun, want)
	}
	if got.LastRun == nil || !got.LastRun.Equal(clock.Now()) {
		t.Errorf("lastRun = %v", got.LastRun)
	}

	// The same tick instant again finds nothing due.
	if res := s.Tick(testutil.TestContext(t)); res.Due != 0 {
		t.Errorf("repeat tick = %+v", res)
	}
}

// slowListRegistry lets a test act between the snapshot and submission.
type slowListRegistry struct {
	*registry.Registry
	afterList func()
}

func (r slowListRegistry) List() []domain.Job {
	jobs := r.Registry.List()
	if r.afterList != nil {
		r.afterList()
	}
	return jobs
}

// The first dispatch finishes between the second tick's snapshot and its
// reservation; the job must not run twice for one due instant.
func TestScheduler_NoDoubleDispatchWhenEarlierRunFinishesMidTick(t *testing.T) {
	stub := testutil.NewStubEndpoint(t, testutil.StubResponse{Status: http.StatusOK})
	stub.Block()
	clock := testutil.NewFakeClock(testutil.MustTime("2026-01-01T00:30:00Z"))

	reg := registry.New(cron.NewParser()).WithClock(clock.Now)
	log := execlog.New(100)
	disp := dispatcher.New(reg, log, dispatcher.NewHTTPSender(0)).
		WithClock(clock.Now).
		WithBackoff(backoff.NewConstant(0))

	wrapped := slowListRegistry{Registry: reg}
	s := New(Config{TickInterval: time.Minute, PoolSize: 4}, &wrapped, dispatcherAdapter{disp}).WithClock(clock.Now)

	job, err := reg.Create(domain.JobSpec{
		Name:     "hourly",
		Schedule: "0 * * * *",
		Endpoint: stub.URL,
		Enabled:  true,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Set(testutil.MustTime("2026-01-01T01:00:05Z"))
	if res := s.Tick(testutil.TestContext(t)); res.Dispatched != 1 {
		t.Fatalf("first tick = %+v", res)
	}
	waitFor(t, func() bool { return stub.Count() == 1 })

	wrapped.afterList = func() {
		stub.Unblock()
		waitFor(t, func() bool { return !disp.InFlight(job.ID) })
	}
	res := s.Tick(testutil.TestContext(t))
	s.Drain(5 * time.Second)

	if res.Dispatched != 0 || res.Skipped != 1 {
		t.Errorf("second tick = %+v, want skipped", res)
	}
	if log.Len() != 1 || stub.Count() != 1 {
		t.Errorf("executions=%d endpoint hits=%d, want 1 each", log.Len(), stub.Count())
	}
	got, _ := reg.Get(job.ID)
	if got.Stats.Runs != 1 {
		t.Errorf("runs = %d, want 1", got.Stats.Runs)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
