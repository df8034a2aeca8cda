package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/venator/internal/interfaces"
)

type memLock struct {
	owner     string
	expiresAt time.Time
}

// LockStore is a map-backed LockStore with SET-IF-NOT-EXISTS semantics.
type LockStore struct {
	mu    sync.Mutex
	locks map[string]memLock
}

// NewLockStore creates an empty in-memory lock store.
func NewLockStore() *LockStore {
	return &LockStore{locks: make(map[string]memLock)}
}

var _ interfaces.LockStore = (*LockStore)(nil)

func (s *LockStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[key]
	if ok && existing.owner != owner && time.Now().Before(existing.expiresAt) {
		return false, nil
	}

	s.locks[key] = memLock{owner: owner, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *LockStore) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.locks[key]; ok && existing.owner == owner {
		delete(s.locks, key)
	}
	return nil
}

func (s *LockStore) Holder(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[key]
	if !ok || time.Now().After(existing.expiresAt) {
		return "", nil
	}
	return existing.owner, nil
}
