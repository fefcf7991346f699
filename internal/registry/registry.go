// Package registry owns job definitions and their scheduling state.
//
// Every mutation of a job runs under that job's own lock, so a scheduled
// dispatch and a manual run recording outcomes for the same job never
// interleave. Readers receive deep copies.
package registry

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// DefaultTimeout applies to jobs created without a timeout.
const DefaultTimeout = 30 * time.Second

// Evaluator computes cron fire times.
type Evaluator interface {
	NextFireTime(expression, timezone string, after time.Time) (time.Time, error)
}

// ChangeEmitter receives a snapshot after every mutation.
// Implementations must not block.
type ChangeEmitter interface {
	Publish(change domain.Change)
}

type entry struct {
	mu  sync.RWMutex
	job domain.Job
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	eval           Evaluator
	clock          func() time.Time
	newID          func() string
	defaultTimeout time.Duration
	emitter        ChangeEmitter
	logger         *zap.SugaredLogger
}

func New(eval Evaluator) *Registry {
	return &Registry{
		entries:        make(map[string]*entry),
		eval:           eval,
		clock:          time.Now,
		newID:          domain.NewJobID,
		defaultTimeout: DefaultTimeout,
		logger:         zap.NewNop().Sugar(),
	}
}

// WithClock replaces the time source.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithEmitter attaches a change emitter used for persistence.
func (r *Registry) WithEmitter(e ChangeEmitter) *Registry {
	r.emitter = e
	return r
}

// WithLogger attaches a logger.
func (r *Registry) WithLogger(l *zap.SugaredLogger) *Registry {
	if l != nil {
		r.logger = l
	}
	return r
}

// WithDefaultTimeout sets the timeout given to jobs created without one.
func (r *Registry) WithDefaultTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.defaultTimeout = d
	}
	return r
}

// Create validates spec, assigns an identifier and computes the first
// nextRun. Statistics start at zero.
func (r *Registry) Create(spec domain.JobSpec) (domain.Job, error) {
	now := r.clock().UTC()

	job := domain.Job{
		ID:          r.newID(),
		Name:        strings.TrimSpace(spec.Name),
		Description: spec.Description,
		Schedule:    strings.TrimSpace(spec.Schedule),
		Timezone:    spec.Timezone,
		Endpoint:    strings.TrimSpace(spec.Endpoint),
		Method:      spec.Method,
		Headers:     copyHeaders(spec.Headers),
		Body:        spec.Body,
		Enabled:     spec.Enabled,
		Retries:     spec.Retries,
		Timeout:     spec.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.Timeout == 0 {
		job.Timeout = r.defaultTimeout
	}
	if err := r.normalize(&job); err != nil {
		return domain.Job{}, err
	}

	next, err := r.eval.NextFireTime(job.Schedule, job.Timezone, now)
	if err != nil {
		return domain.Job{}, err
	}
	job.NextRun = next
	job.Status = deriveStatus(job.Enabled, false)

	e := &entry{job: job}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	r.entries[job.ID] = e
	r.mu.Unlock()

	r.logger.Infow("registry: job created", "job", job.ID, "schedule", job.Schedule, "tz", job.Timezone, "next_run", job.NextRun)
	r.publishJob(job)
	return job.Clone(), nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (domain.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Job{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.job.Clone(), nil
}

// List returns snapshots of all jobs ordered by creation time.
func (r *Registry) List() []domain.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]domain.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		jobs = append(jobs, e.job.Clone())
		e.mu.RUnlock()
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Update applies patch atomically. A changed schedule or timezone is
// re-validated and nextRun is recomputed from now. A change to Enabled
// follows the same rules as SetEnabled.
func (r *Registry) Update(id string, patch domain.JobPatch) (domain.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.clock().UTC()
	job := e.job.Clone()
	applyPatch(&job, patch)
	if err := r.normalize(&job); err != nil {
		return domain.Job{}, err
	}

	if job.Schedule != e.job.Schedule || job.Timezone != e.job.Timezone {
		next, err := r.eval.NextFireTime(job.Schedule, job.Timezone, now)
		if err != nil {
			return domain.Job{}, err
		}
		job.NextRun = next
	}
	if job.Enabled != e.job.Enabled {
		if err := r.applyEnabled(&job, job.Enabled, now); err != nil {
			return domain.Job{}, err
		}
	}

	job.UpdatedAt = now
	e.job = job
	r.publishJob(job)
	return job.Clone(), nil
}

// SetEnabled pauses or resumes a job. Pausing keeps nextRun. Resuming keeps
// nextRun unless it is already in the past, in which case it is recomputed
// from now.
func (r *Registry) SetEnabled(id string, enabled bool) (domain.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.clock().UTC()
	job := e.job.Clone()
	if err := r.applyEnabled(&job, enabled, now); err != nil {
		return domain.Job{}, err
	}
	if job.Enabled != e.job.Enabled || !job.NextRun.Equal(e.job.NextRun) {
		job.UpdatedAt = now
		e.job = job
		r.publishJob(job)
		r.logger.Infow("registry: job enabled changed", "job", id, "enabled", enabled, "next_run", job.NextRun)
	}
	return e.job.Clone(), nil
}

// RecordOutcome folds one finished dispatch into the job's statistics and
// advances lastRun and nextRun.
func (r *Registry) RecordOutcome(id string, outcome domain.Outcome, duration time.Duration, timestamp time.Time) (domain.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	job := e.job.Clone()
	ts := timestamp.UTC()

	job.Stats.Runs++
	if outcome == domain.OutcomeSuccess {
		job.Stats.Successes++
	} else {
		job.Stats.Failures++
	}
	job.Stats.AvgDuration += (duration - job.Stats.AvgDuration) / time.Duration(job.Stats.Runs)

	job.LastRun = &ts
	next, err := r.eval.NextFireTime(job.Schedule, job.Timezone, ts)
	if err != nil {
		// The schedule was validated on write; keep the old nextRun rather
		// than dropping the outcome.
		r.logger.Errorw("registry: next fire time", "job", id, "error", err)
	} else {
		job.NextRun = next
	}
	job.Status = deriveStatus(job.Enabled, outcome == domain.OutcomeExhausted)
	job.UpdatedAt = ts

	e.job = job
	r.publishJob(job)
	return job.Clone(), nil
}

// Delete removes a job. Its executions stay in the log.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return domain.JobNotFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.emitter != nil {
		r.emitter.Publish(domain.Change{Kind: domain.ChangeJobDeleted, JobID: id})
	}
	r.logger.Infow("registry: job deleted", "job", id)
	return nil
}

// Restore loads previously persisted jobs. Existing ids are overwritten.
// No change events are published. Invalid records are skipped.
func (r *Registry) Restore(jobs []domain.Job) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, j := range jobs {
		job := j.Clone()
		if err := r.normalize(&job); err != nil {
			r.logger.Warnw("registry: skipping invalid persisted job", "job", j.ID, "error", err)
			continue
		}
		if job.NextRun.IsZero() {
			next, err := r.eval.NextFireTime(job.Schedule, job.Timezone, r.clock().UTC())
			if err != nil {
				r.logger.Warnw("registry: skipping persisted job with bad schedule", "job", j.ID, "error", err)
				continue
			}
			job.NextRun = next
		}
		if !job.Enabled {
			job.Status = domain.JobStatusPaused
		} else if job.Status != domain.JobStatusFailed {
			job.Status = domain.JobStatusActive
		}
		r.entries[job.ID] = &entry{job: job}
		n++
	}
	return n
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.JobNotFound(id)
	}
	return e, nil
}

func (r *Registry) applyEnabled(job *domain.Job, enabled bool, now time.Time) error {
	job.Enabled = enabled
	if !enabled {
		job.Status = domain.JobStatusPaused
		return nil
	}
	if job.NextRun.Before(now) {
		next, err := r.eval.NextFireTime(job.Schedule, job.Timezone, now)
		if err != nil {
			return err
		}
		job.NextRun = next
	}
	if job.Status == domain.JobStatusPaused || job.Status == "" {
		job.Status = domain.JobStatusActive
	}
	return nil
}

func (r *Registry) publishJob(job domain.Job) {
	if r.emitter == nil {
		return
	}
	snap := job.Clone()
	r.emitter.Publish(domain.Change{Kind: domain.ChangeJobSaved, JobID: job.ID, Job: &snap})
}

func deriveStatus(enabled, exhausted bool) domain.JobStatus {
	switch {
	case !enabled:
		return domain.JobStatusPaused
	case exhausted:
		return domain.JobStatusFailed
	default:
		return domain.JobStatusActive
	}
}

// normalize fills defaults and validates the fields that do not need the
// evaluator. Schedule errors surface from NextFireTime.
func (r *Registry) normalize(job *domain.Job) error {
	if job.Timezone == "" {
		job.Timezone = domain.DefaultTimezone
	}
	job.Method = strings.ToUpper(strings.TrimSpace(job.Method))
	if job.Method == "" {
		job.Method = domain.MethodGet
	}

	if job.Name == "" {
		return domain.NewInvalidJobError("name is required")
	}
	if job.Schedule == "" {
		return &domain.InvalidScheduleError{Expression: job.Schedule, Timezone: job.Timezone, Reason: "expression is empty"}
	}
	if err := validateEndpoint(job.Endpoint); err != nil {
		return err
	}
	if job.Method != domain.MethodGet && job.Method != domain.MethodPost {
		return domain.NewInvalidJobError("method must be GET or POST, got %q", job.Method)
	}
	if job.Retries < 0 {
		return domain.NewInvalidJobError("retries must be >= 0, got %d", job.Retries)
	}
	if job.Timeout <= 0 {
		return domain.NewInvalidJobError("timeout must be positive")
	}
	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return domain.NewInvalidJobError("endpoint is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "invalid endpoint"), domain.ErrInvalidJob)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.NewInvalidJobError("endpoint scheme must be http or https")
	}
	if u.Host == "" {
		return domain.NewInvalidJobError("endpoint host is required")
	}
	return nil
}

func applyPatch(job *domain.Job, p domain.JobPatch) {
	if p.Name != nil {
		job.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		job.Description = *p.Description
	}
	if p.Schedule != nil {
		job.Schedule = strings.TrimSpace(*p.Schedule)
	}
	if p.Timezone != nil {
		job.Timezone = *p.Timezone
	}
	if p.Endpoint != nil {
		job.Endpoint = strings.TrimSpace(*p.Endpoint)
	}
	if p.Method != nil {
		job.Method = *p.Method
	}
	if p.Headers != nil {
		job.Headers = copyHeaders(p.Headers)
	}
	if p.Body != nil {
		job.Body = *p.Body
	}
	if p.Enabled != nil {
		job.Enabled = *p.Enabled
	}
	if p.Retries != nil {
		job.Retries = *p.Retries
	}
	if p.Timeout != nil {
		job.Timeout = *p.Timeout
	}
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
