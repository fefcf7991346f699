package domain

import "time"

// JobStatus is derived from the enabled flag and the outcome of the most
// recent run.
type JobStatus string

const (
	JobStatusActive JobStatus = "active"
	JobStatusPaused JobStatus = "paused"
	JobStatusFailed JobStatus = "failed"
)

// Supported HTTP methods for job endpoints.
const (
	MethodGet  = "GET"
	MethodPost = "POST"
)

// DefaultTimezone is used when a job does not name one.
const DefaultTimezone = "UTC"

// JobStats holds cumulative counters for a job. Runs always equals
// Successes + Failures.
type JobStats struct {
	Runs        int64
	Successes   int64
	Failures    int64
	AvgDuration time.Duration
}

// Job is a scheduled unit of work. The Registry is the only writer of
// LastRun, NextRun, Status and Stats.
type Job struct {
	ID          string
	Name        string
	Description string

	Schedule string
	Timezone string

	Endpoint string
	Method   string
	Headers  map[string]string
	Body     string

	Enabled bool
	Retries int
	Timeout time.Duration

	LastRun *time.Time
	NextRun time.Time
	Status  JobStatus
	Stats   JobStats

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers never share maps or pointers with
// the Registry.
func (j Job) Clone() Job {
	out := j
	if j.Headers != nil {
		out.Headers = make(map[string]string, len(j.Headers))
		for k, v := range j.Headers {
			out.Headers[k] = v
		}
	}
	if j.LastRun != nil {
		t := *j.LastRun
		out.LastRun = &t
	}
	return out
}

// JobSpec is the caller-supplied definition used to create a job.
type JobSpec struct {
	Name        string
	Description string
	Schedule    string
	Timezone    string
	Endpoint    string
	Method      string
	Headers     map[string]string
	Body        string
	Enabled     bool
	Retries     int
	Timeout     time.Duration
}

// JobPatch describes a partial update. Nil fields are left unchanged.
type JobPatch struct {
	Name        *string
	Description *string
	Schedule    *string
	Timezone    *string
	Endpoint    *string
	Method      *string
	Headers     map[string]string
	Body        *string
	Enabled     *bool
	Retries     *int
	Timeout     *time.Duration
}

// IsEmpty reports whether the patch changes nothing.
func (p JobPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.Schedule == nil &&
		p.Timezone == nil && p.Endpoint == nil && p.Method == nil &&
		p.Headers == nil && p.Body == nil && p.Enabled == nil &&
		p.Retries == nil && p.Timeout == nil
}

// Outcome is the result of one dispatch as reported to the Registry.
type Outcome int

const (
	// OutcomeSuccess means the endpoint answered with a non-error status.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure is a failed run that did not use up its retries,
	// e.g. a client error on an early attempt or one aborted by shutdown.
	OutcomeFailure
	// OutcomeExhausted is a failed run whose final allowed attempt failed.
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}
