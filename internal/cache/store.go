package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Store is the key/value contract the orchestrator relies on. Set never
// replaces an existing live key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// MemoryStore is a process-local Store backed by ttlcache
type MemoryStore struct {
	mu    sync.Mutex
	items *ttlcache.Cache[string, []byte]
}

// NewMemoryStore creates a MemoryStore bounded to maxEntries (0 = unbounded)
func NewMemoryStore(maxEntries uint64) *MemoryStore {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	}
	if maxEntries > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](maxEntries))
	}
	return &MemoryStore{items: ttlcache.New(opts...)}
}

// Start runs expired-entry cleanup until Stop is called
func (s *MemoryStore) Start() {
	go s.items.Start()
}

// Stop halts the cleanup loop
func (s *MemoryStore) Stop() {
	s.items.Stop()
}

// Get returns the live value for key
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := s.items.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return item.Value(), true, nil
}

// Set stores value unless key is already live
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.Get(key) != nil {
		return nil
	}
	s.items.Set(key, value, ttl)
	return nil
}

// Len returns the number of stored entries, expired ones included until cleanup
func (s *MemoryStore) Len() int {
	return s.items.Len()
}

// NopStore never holds anything; used when caching is disabled
type NopStore struct{}

func (NopStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (NopStore) Set(context.Context, string, []byte, time.Duration) error { return nil }
