package cache

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for single-instance deployments and
// tests. Cache state is not shared across processes; distributed
// deployments should use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// fail, when set, makes every operation return it. Used in tests to
	// exercise the fail-open/fail-closed behavior of the callers.
	fail error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// FailWith makes every subsequent operation fail with err. Pass nil to
// restore normal behavior.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	entry, ok := s.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	var count int64
	if entry, ok := s.live(key); ok {
		count, _ = strconv.ParseInt(entry.value, 10, 64)
	}
	count++
	s.entries[key] = memoryEntry{value: strconv.FormatInt(count, 10), expiresAt: expiry(ttl)}
	return count, nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var keys []string
	for key := range s.entries {
		if _, ok := s.live(key); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	var deleted int64
	for _, key := range keys {
		if _, ok := s.live(key); ok {
			deleted++
		}
		delete(s.entries, key)
	}
	return deleted, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	entry, ok := s.live(key)
	if !ok {
		return 0, ErrNotFound
	}
	if entry.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return time.Until(entry.expiresAt), nil
}

// live returns the entry for key if it exists and has not lazily expired.
// Must be called with the lock held.
func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
