package model

import "time"

// Batch is the batches table row of a deferred batch
type Batch struct {
	ID             string    `db:"batch_id"`
	Status         string    `db:"status"`
	TotalFiles     int       `db:"total_files"`
	CompletedFiles int       `db:"completed_files"`
	Result         []byte    `db:"result"`
	Error          string    `db:"error"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}
