package api

import (
	"time"

	"github.com/BlackRoad-OS/blackroad-cron/internal/cron"
	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// CreateJobRequest is the POST /api/jobs body. Timeout is in milliseconds;
// Enabled defaults to true.
type CreateJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Schedule    string            `json:"schedule"`
	Timezone    string            `json:"timezone,omitempty"`
	Endpoint    string            `json:"endpoint"`
	Method      string            `json:"method,omitempty"` // default GET
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Retries     int               `json:"retries,omitempty"`
	Timeout     int64             `json:"timeout,omitempty"`
}

func (req CreateJobRequest) toSpec() domain.JobSpec {
	spec := domain.JobSpec{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		Timezone:    req.Timezone,
		Endpoint:    req.Endpoint,
		Method:      req.Method,
		Headers:     req.Headers,
		Body:        req.Body,
		Enabled:     true,
		Retries:     req.Retries,
		Timeout:     time.Duration(req.Timeout) * time.Millisecond,
	}
	if req.Enabled != nil {
		spec.Enabled = *req.Enabled
	}
	if spec.Method == "" {
		spec.Method = domain.MethodGet
	}
	return spec
}

// UpdateJobRequest is the PUT /api/jobs/{id} body. Absent fields are left
// unchanged.
type UpdateJobRequest struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Schedule    *string           `json:"schedule,omitempty"`
	Timezone    *string           `json:"timezone,omitempty"`
	Endpoint    *string           `json:"endpoint,omitempty"`
	Method      *string           `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        *string           `json:"body,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Retries     *int              `json:"retries,omitempty"`
	Timeout     *int64            `json:"timeout,omitempty"`
}

func (req UpdateJobRequest) toPatch() domain.JobPatch {
	patch := domain.JobPatch{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		Timezone:    req.Timezone,
		Endpoint:    req.Endpoint,
		Method:      req.Method,
		Headers:     req.Headers,
		Body:        req.Body,
		Enabled:     req.Enabled,
		Retries:     req.Retries,
	}
	if req.Timeout != nil {
		d := time.Duration(*req.Timeout) * time.Millisecond
		patch.Timeout = &d
	}
	return patch
}

type StatsResponse struct {
	Runs        int64 `json:"runs"`
	Successes   int64 `json:"successes"`
	Failures    int64 `json:"failures"`
	AvgDuration int64 `json:"avgDuration"` // ms
}

type JobResponse struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Schedule      string            `json:"schedule"`
	ScheduleHuman string            `json:"scheduleHuman,omitempty"`
	Timezone      string            `json:"timezone"`
	Endpoint      string            `json:"endpoint"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"`
	Enabled       bool              `json:"enabled"`
	Retries       int               `json:"retries"`
	Timeout       int64             `json:"timeout"` // ms
	LastRun       *string           `json:"lastRun"`
	NextRun       string            `json:"nextRun"`
	Status        string            `json:"status"`
	Stats         StatsResponse     `json:"stats"`
	CreatedAt     string            `json:"createdAt"`
	UpdatedAt     string            `json:"updatedAt"`
}

func newJobResponse(job domain.Job) JobResponse {
	resp := JobResponse{
		ID:            job.ID,
		Name:          job.Name,
		Description:   job.Description,
		Schedule:      job.Schedule,
		ScheduleHuman: cron.Describe(job.Schedule),
		Timezone:      job.Timezone,
		Endpoint:      job.Endpoint,
		Method:        job.Method,
		Headers:       job.Headers,
		Body:          job.Body,
		Enabled:       job.Enabled,
		Retries:       job.Retries,
		Timeout:       job.Timeout.Milliseconds(),
		NextRun:       formatTime(job.NextRun),
		Status:        string(job.Status),
		Stats: StatsResponse{
			Runs:        job.Stats.Runs,
			Successes:   job.Stats.Successes,
			Failures:    job.Stats.Failures,
			AvgDuration: job.Stats.AvgDuration.Milliseconds(),
		},
		CreatedAt: formatTime(job.CreatedAt),
		UpdatedAt: formatTime(job.UpdatedAt),
	}
	if job.LastRun != nil {
		s := formatTime(*job.LastRun)
		resp.LastRun = &s
	}
	return resp
}

type ExecutionResponse struct {
	ID          string `json:"id"`
	JobID       string `json:"jobId"`
	StartedAt   string `json:"startedAt"`
	CompletedAt string `json:"completedAt"`
	Duration    int64  `json:"duration"` // ms
	Status      string `json:"status"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Response    string `json:"response,omitempty"`
	Error       string `json:"error,omitempty"`
	Attempt     int    `json:"attempt"`
	Trigger     string `json:"trigger"`
}

func newExecutionResponse(exec domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:          exec.ID,
		JobID:       exec.JobID,
		StartedAt:   formatTime(exec.StartedAt),
		CompletedAt: formatTime(exec.CompletedAt),
		Duration:    exec.Duration.Milliseconds(),
		Status:      string(exec.Status),
		StatusCode:  exec.StatusCode,
		Response:    exec.Response,
		Error:       exec.Error,
		Attempt:     exec.Attempt,
		Trigger:     string(exec.Trigger),
	}
}

type JobEnvelope struct {
	Success bool        `json:"success,omitempty"`
	Job     JobResponse `json:"job"`
}

type ExecutionEnvelope struct {
	Execution ExecutionResponse `json:"execution"`
}

type RunResponse struct {
	Success   bool              `json:"success"`
	Execution ExecutionResponse `json:"execution"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ListExecutionsResponse struct {
	Executions []ExecutionResponse `json:"executions"`
}

func newListExecutionsResponse(execs []domain.Execution) ListExecutionsResponse {
	resp := ListExecutionsResponse{Executions: make([]ExecutionResponse, len(execs))}
	for i, exec := range execs {
		resp.Executions[i] = newExecutionResponse(exec)
	}
	return resp
}

// AnalyticsResponse is the GET /api/jobs/{id}/analytics body. Buckets are
// oldest first; the totals cover all of them.
type AnalyticsResponse struct {
	JobID   string           `json:"jobId"`
	Success int64            `json:"success"`
	Failure int64            `json:"failure"`
	Buckets []BucketResponse `json:"buckets"`
}

type BucketResponse struct {
	Start   string `json:"start"`
	Success int64  `json:"success"`
	Failure int64  `json:"failure"`
}

func newAnalyticsResponse(jobID string, counts []domain.OutcomeCounts) AnalyticsResponse {
	resp := AnalyticsResponse{JobID: jobID, Buckets: make([]BucketResponse, len(counts))}
	for i, c := range counts {
		resp.Success += c.Success
		resp.Failure += c.Failure
		resp.Buckets[i] = BucketResponse{Start: formatTime(c.Start), Success: c.Success, Failure: c.Failure}
	}
	return resp
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
