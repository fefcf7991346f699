package domain

import "github.com/google/uuid"

// Identifier prefixes.
const (
	JobIDPrefix       = "job_"
	ExecutionIDPrefix = "exec_"
)

// NewJobID returns a fresh, time-ordered job identifier.
func NewJobID() string {
	return JobIDPrefix + newUUID()
}

// NewExecutionID returns a fresh, time-ordered execution identifier.
func NewExecutionID() string {
	return ExecutionIDPrefix + newUUID()
}

func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
