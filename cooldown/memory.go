package cooldown

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. A single mutex makes every
// check-and-set atomic.
type MemoryStore struct {
	mu   sync.Mutex
	last map[Key]time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[Key]time.Time)}
}

func (s *MemoryStore) TryAcquire(_ context.Context, k Key, window time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, found := s.last[k]
	if !Eligible(last, found, window, now) {
		return false, nil
	}
	s.last[k] = now
	return true, nil
}

func (s *MemoryStore) IsEligible(_ context.Context, k Key, window time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	last, found := s.last[k]
	s.mu.Unlock()
	return Eligible(last, found, window, now), nil
}

func (s *MemoryStore) RecordFiring(_ context.Context, k Key, now time.Time) error {
	s.mu.Lock()
	s.last[k] = now
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, k Key) error {
	s.mu.Lock()
	delete(s.last, k)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LastFired(_ context.Context, k Key) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, found := s.last[k]
	return last, found, nil
}
