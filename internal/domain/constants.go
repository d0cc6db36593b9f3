package domain

// Kind is the content class of a single Job
type Kind string

// Job kinds
const (
	KindImage Kind = "image"
	KindHTML  Kind = "html"
	KindText  Kind = "text"
)

// Status is the lifecycle state of a Job
type Status string

// Job status constants
const (
	JobStatusPending   Status = "PENDING"
	JobStatusCacheHit  Status = "CACHE_HIT"
	JobStatusRunning   Status = "RUNNING"
	JobStatusSucceeded Status = "SUCCEEDED"
	JobStatusFailed    Status = "FAILED"
)

// Batch status constants, used by deferred processing
const (
	BatchStatusPending   = "PENDING"
	BatchStatusRunning   = "RUNNING"
	BatchStatusCompleted = "COMPLETED"
	BatchStatusFailed    = "FAILED"
	BatchStatusCanceled  = "CANCELED"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// nextStatuses lists the allowed forward transitions
var nextStatuses = map[Status][]Status{
	JobStatusPending:  {JobStatusCacheHit, JobStatusRunning, JobStatusFailed},
	JobStatusCacheHit: {JobStatusSucceeded},
	JobStatusRunning:  {JobStatusSucceeded, JobStatusFailed},
}

// CanTransition reports whether moving from s to next is a forward step
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range nextStatuses[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
