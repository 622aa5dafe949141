package models

/*
Job status constants. A job is created Processing and moves exactly once to
one of the two terminal statuses.
*/

// JobStatus is the lifecycle state of a conversion job.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further status change is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusProcessing, JobStatusSucceeded, JobStatusFailed:
		return true
	}
	return false
}

// Outcome values reported by the inference service on its webhook.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)
