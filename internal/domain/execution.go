package domain

import "time"

type ExecutionStatus string

const (
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailure ExecutionStatus = "failure"
)

// Trigger records what started a dispatch.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Execution is the immutable record of the final attempt of one dispatch.
type Execution struct {
	ID    string
	JobID string

	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration

	Status     ExecutionStatus
	StatusCode int // 0 when no response was received
	Response   string
	Error      string

	Attempt int
	Trigger Trigger
}

// Succeeded reports whether the execution finished successfully.
func (e Execution) Succeeded() bool {
	return e.Status == ExecutionStatusSuccess
}

// OutcomeCounts holds the finished executions of one job within one
// analytics window starting at Start.
type OutcomeCounts struct {
	Start   time.Time
	Success int64
	Failure int64
}
