package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// Store persists deferred batch records
type Store interface {
	Create(ctx context.Context, rec *domain.BatchRecord) error
	Update(ctx context.Context, rec *domain.BatchRecord) error
	Get(ctx context.Context, id string) (*domain.BatchRecord, error)
	List(ctx context.Context, filter BatchFilter) ([]*domain.BatchRecord, error)
}

// BatchFilter selects a page of batches, newest first
type BatchFilter struct {
	Status   string
	PageSize int
	Cursor   *BatchCursor
}

// BatchCursor points just past the last batch of the previous page
type BatchCursor struct {
	CreatedAt time.Time
	BatchID   string
}

// before reports whether rec sorts after the cursor in newest-first order
func (c *BatchCursor) before(rec *domain.BatchRecord) bool {
	if c == nil {
		return true
	}
	if !rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.CreatedAt.Before(c.CreatedAt)
	}
	return rec.ID < c.BatchID
}
