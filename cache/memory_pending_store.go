package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pilab-dev/shadow-link/domain"
)

// MemoryPendingStore implements domain.PendingAuthStore using ttlcache.
// Consumed requests stay in the cache until they expire so a replay can be told
// apart from an unknown state.
type MemoryPendingStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *domain.PendingAuthRequest]
}

// NewMemoryPendingStore creates a new in-memory store with automatic cleanup.
func NewMemoryPendingStore() *MemoryPendingStore {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *domain.PendingAuthRequest](),
	)

	go cache.Start()

	return &MemoryPendingStore{
		cache: cache,
	}
}

func (s *MemoryPendingStore) Save(_ context.Context, req *domain.PendingAuthRequest) error {
	ttl := req.Lifetime()
	if ttl <= 0 {
		return fmt.Errorf("pending request expires at %s before it was created", req.ExpiresAt)
	}

	stored := *req
	s.mu.Lock()
	s.cache.Set(HashStateToken(req.StateToken), &stored, ttl)
	s.mu.Unlock()

	return nil
}

func (s *MemoryPendingStore) Consume(_ context.Context, state string, now time.Time) (*domain.PendingAuthRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(HashStateToken(state))
	if item == nil {
		return nil, domain.ErrStateNotFound
	}

	req := item.Value()
	if req.Expired(now) {
		return nil, domain.ErrStateNotFound
	}
	if req.Consumed {
		return nil, domain.ErrStateReplayed
	}

	req.Consumed = true
	out := *req

	return &out, nil
}

func (s *MemoryPendingStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	s.cache.Range(func(item *ttlcache.Item[string, *domain.PendingAuthRequest]) bool {
		if item.Value().Expired(now) {
			expired = append(expired, item.Key())
		}
		return true
	})
	for _, key := range expired {
		s.cache.Delete(key)
	}

	before := s.cache.Len()
	s.cache.DeleteExpired()

	return len(expired) + before - s.cache.Len(), nil
}

// Len counts the stored requests, consumed ones included.
func (s *MemoryPendingStore) Len() int {
	return s.cache.Len()
}

// Close stops the cleanup goroutine.
func (s *MemoryPendingStore) Close() error {
	s.cache.Stop()

	return nil
}

var _ domain.PendingAuthStore = (*MemoryPendingStore)(nil)
