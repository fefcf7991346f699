package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Registry is the job store as seen by the API.
type Registry interface {
	Create(spec domain.JobSpec) (domain.Job, error)
	Get(id string) (domain.Job, error)
	List() []domain.Job
	Update(id string, patch domain.JobPatch) (domain.Job, error)
	Delete(id string) error
	Len() int
}

// ExecutionLog is the execution history as seen by the API.
type ExecutionLog interface {
	Get(id string) (domain.Execution, error)
	ListByJob(jobID string, limit int) []domain.Execution
	ListRecent(limit int) []domain.Execution
}

// Runner performs a synchronous "run now" dispatch.
type Runner interface {
	Run(ctx context.Context, jobID string, trigger domain.Trigger) (domain.Execution, error)
}

// Analytics reads per-job outcome counters. Optional.
type Analytics interface {
	Recent(ctx context.Context, jobID string, now time.Time, n int) ([]domain.OutcomeCounts, error)
}

// Analytics window limits for GET /api/jobs/{id}/analytics.
const (
	DefaultAnalyticsBuckets = 60
	MaxAnalyticsBuckets     = 1440
)

// HealthChecker is a dependency probed by verbose /api/health responses.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	registry Registry
	log      ExecutionLog
	runner   Runner
	version  string

	runCtx    context.Context
	limiter   *rate.Limiter // nil = unlimited
	analytics Analytics     // nil = disabled
	checks    map[string]HealthChecker
	logger    *zap.SugaredLogger
	clock     func() time.Time
}

func NewHandler(registry Registry, log ExecutionLog, runner Runner) *Handler {
	return &Handler{
		registry: registry,
		log:      log,
		runner:   runner,
		version:  "dev",
		checks:   make(map[string]HealthChecker),
		logger:   zap.NewNop().Sugar(),
		clock:    time.Now,
	}
}

func (h *Handler) WithVersion(v string) *Handler {
	h.version = v
	return h
}

// WithRunContext sets the parent context of manual runs. Runs outlive the
// request that started them; cancelling ctx aborts them.
func (h *Handler) WithRunContext(ctx context.Context) *Handler {
	h.runCtx = ctx
	return h
}

// WithRateLimit limits manual runs to rps with the given burst. rps <= 0
// disables the limit.
func (h *Handler) WithRateLimit(rps float64, burst int) *Handler {
	if rps <= 0 {
		h.limiter = nil
		return h
	}
	if burst < 1 {
		burst = 1
	}
	h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return h
}

func (h *Handler) WithAnalytics(a Analytics) *Handler {
	h.analytics = a
	return h
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// WithHealthChecker adds a named component to verbose /api/health responses.
func (h *Handler) WithHealthChecker(name string, c HealthChecker) *Handler {
	h.checks[name] = c
	return h
}

func (h *Handler) WithLogger(l *zap.SugaredLogger) *Handler {
	if l != nil {
		h.logger = l
	}
	return h
}

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type",
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for k, v := range corsHeaders {
		w.Header().Set(k, v)
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	parts = parts[1:]

	switch {
	case len(parts) == 1 && parts[0] == "health" && r.Method == http.MethodGet:
		h.health(w, r)

	case len(parts) == 1 && parts[0] == "jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)

	case len(parts) == 1 && parts[0] == "jobs" && r.Method == http.MethodPost:
		h.createJob(w, r)

	case len(parts) == 2 && parts[0] == "jobs" && r.Method == http.MethodGet:
		h.getJob(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "jobs" && r.Method == http.MethodPut:
		h.updateJob(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "jobs" && r.Method == http.MethodDelete:
		h.deleteJob(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "jobs" && parts[2] == "run" && r.Method == http.MethodPost:
		h.runJob(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "jobs" && parts[2] == "executions" && r.Method == http.MethodGet:
		h.listJobExecutions(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "jobs" && parts[2] == "analytics" && r.Method == http.MethodGet:
		h.jobAnalytics(w, r, parts[1])

	case len(parts) == 1 && parts[0] == "executions" && r.Method == http.MethodGet:
		h.listExecutions(w, r)

	case len(parts) == 2 && parts[0] == "executions" && r.Method == http.MethodGet:
		h.getExecution(w, r, parts[1])

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /api/health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	JobCount   int               `json:"jobCount"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		JobCount: h.registry.Len(),
	}

	// Check if verbose mode requested via ?verbose=true
	if r.URL.Query().Get("verbose") != "true" || len(h.checks) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp.Components = make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		if err := c.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.registry.List()
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})

	resp := ListJobsResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = newJobResponse(job)
	}
	writeJSON(w, http.StatusOK, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := validateCreateJob(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.registry.Create(req.toSpec())
	if err != nil {
		h.writeDomainError(w, "create job", err)
		return
	}
	writeJSON(w, http.StatusCreated, JobEnvelope{Success: true, Job: newJobResponse(job)})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.registry.Get(id)
	if err != nil {
		h.writeDomainError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, JobEnvelope{Job: newJobResponse(job)})
}

func (h *Handler) updateJob(w http.ResponseWriter, r *http.Request, id string) {
	var req UpdateJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateUpdateJob(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.registry.Update(id, req.toPatch())
	if err != nil {
		h.writeDomainError(w, "update job", err)
		return
	}
	writeJSON(w, http.StatusOK, JobEnvelope{Success: true, Job: newJobResponse(job)})
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.registry.Delete(id); err != nil {
		h.writeDomainError(w, "delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) runJob(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.registry.Get(id); err != nil {
		h.writeDomainError(w, "run job", err)
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "manual run rate limit exceeded")
		return
	}

	ctx := h.runCtx
	if ctx == nil {
		ctx = context.WithoutCancel(r.Context())
	}

	exec, err := h.runner.Run(ctx, id, domain.TriggerManual)
	if err != nil {
		h.writeDomainError(w, "run job", err)
		return
	}
	resp := newExecutionResponse(exec)
	writeJSON(w, http.StatusOK, RunResponse{Success: exec.Succeeded(), Execution: resp})
}

func (h *Handler) listJobExecutions(w http.ResponseWriter, r *http.Request, id string) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.registry.Get(id); err != nil {
		h.writeDomainError(w, "list executions", err)
		return
	}
	execs := page(h.log.ListByJob(id, limit+offset), offset)
	writeJSON(w, http.StatusOK, newListExecutionsResponse(execs))
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	execs := page(h.log.ListRecent(limit+offset), offset)
	writeJSON(w, http.StatusOK, newListExecutionsResponse(execs))
}

func (h *Handler) jobAnalytics(w http.ResponseWriter, r *http.Request, id string) {
	if h.analytics == nil {
		writeError(w, http.StatusNotFound, "analytics not enabled")
		return
	}
	n := DefaultAnalyticsBuckets
	if v := r.URL.Query().Get("buckets"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > MaxAnalyticsBuckets {
			writeError(w, http.StatusBadRequest, "buckets must be between 1 and "+strconv.Itoa(MaxAnalyticsBuckets))
			return
		}
		n = parsed
	}
	if _, err := h.registry.Get(id); err != nil {
		h.writeDomainError(w, "get analytics", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	counts, err := h.analytics.Recent(ctx, id, h.clock(), n)
	if err != nil {
		h.logger.Warnw("api: analytics read failed", "job_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "analytics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, newAnalyticsResponse(id, counts))
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request, id string) {
	exec, err := h.log.Get(id)
	if err != nil {
		h.writeDomainError(w, "get execution", err)
		return
	}
	writeJSON(w, http.StatusOK, ExecutionEnvelope{Execution: newExecutionResponse(exec)})
}

// writeDomainError maps registry and dispatcher errors to status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidSchedule), errors.Is(err, domain.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Errorw("api: "+op+" error", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func page(execs []domain.Execution, offset int) []domain.Execution {
	if offset >= len(execs) {
		return nil
	}
	return execs[offset:]
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
