package domain

// ChangeKind identifies a state mutation published for persistence.
type ChangeKind string

const (
	ChangeJobSaved       ChangeKind = "job_saved"
	ChangeJobDeleted     ChangeKind = "job_deleted"
	ChangeExecutionAdded ChangeKind = "execution_added"
)

// Change is emitted by the Registry and the Execution Log after every
// mutation. Job and Execution are snapshots, never live references.
type Change struct {
	Kind      ChangeKind
	JobID     string
	Job       *Job
	Execution *Execution
}
