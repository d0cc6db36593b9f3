package storage

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// MemoryStore keeps batch records in process until retention expires
type MemoryStore struct {
	records *ttlcache.Cache[string, domain.BatchRecord]
}

// NewMemoryStore creates a MemoryStore; records expire retention after
// their last update.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		records: ttlcache.New(ttlcache.WithTTL[string, domain.BatchRecord](retention)),
	}
}

// Start runs expiry cleanup until Stop
func (s *MemoryStore) Start() {
	go s.records.Start()
}

// Stop ends expiry cleanup
func (s *MemoryStore) Stop() {
	s.records.Stop()
}

// Create stores rec
func (s *MemoryStore) Create(_ context.Context, rec *domain.BatchRecord) error {
	s.records.Set(rec.ID, *rec, ttlcache.DefaultTTL)
	return nil
}

// Update replaces the stored record and restarts its retention
func (s *MemoryStore) Update(_ context.Context, rec *domain.BatchRecord) error {
	if !s.records.Has(rec.ID) {
		return domain.ErrBatchNotFound
	}
	s.records.Set(rec.ID, *rec, ttlcache.DefaultTTL)
	return nil
}

// Get returns a copy of the stored record
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.BatchRecord, error) {
	item := s.records.Get(id)
	if item == nil {
		return nil, domain.ErrBatchNotFound
	}
	rec := item.Value()
	return &rec, nil
}

// List returns up to PageSize+1 records, newest first, without results
func (s *MemoryStore) List(_ context.Context, filter BatchFilter) ([]*domain.BatchRecord, error) {
	var out []*domain.BatchRecord
	for _, item := range s.records.Items() {
		rec := item.Value()
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !filter.Cursor.before(&rec) {
			continue
		}
		rec.Result = nil
		out = append(out, &rec)
	}

	slices.SortFunc(out, func(a, b *domain.BatchRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	return s.records.Len()
}
