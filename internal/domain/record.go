package domain

import "time"

// BatchRecord is the stored state of a deferred batch
type BatchRecord struct {
	ID             string       `json:"batch_id"`
	Status         string       `json:"status"`
	TotalFiles     int          `json:"total_files"`
	CompletedFiles int          `json:"completed_files"`
	Result         *BatchResult `json:"result,omitempty"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Finished reports whether the batch no longer changes
func (r *BatchRecord) Finished() bool {
	switch r.Status {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCanceled:
		return true
	}
	return false
}
