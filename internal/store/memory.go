package store

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/ibs-source/command/engine/golang/internal/ports"
	"github.com/ibs-source/command/engine/golang/pkg/jsonx"
)

// MemoryStore is the in-memory ports.StateStore used in development and
// tests. Expiry is enforced lazily on access, which matches the
// contract: an entry past its TTL behaves as absent on the next read.
type MemoryStore struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	items      map[string]*memItem
	index      map[string]string // requestID -> user key
	counters   map[string]*memCounter
}

type memItem struct {
	value     []byte
	expiresAt time.Time
}

type memCounter struct {
	fields    map[string]int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store. Keys are not
// namespaced; each instance is its own keyspace.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		defaultTTL: defaultTTL,
		items:      make(map[string]*memItem),
		index:      make(map[string]string),
		counters:   make(map[string]*memCounter),
	}
}

func (s *MemoryStore) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

// item returns the live entry at key, pruning it when expired.
// Callers hold the lock.
func (s *MemoryStore) item(key string) *memItem {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if time.Now().After(it.expiresAt) {
		delete(s.items, key)
		return nil
	}
	return it
}

// Get returns the value at key, or nil when absent or expired.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.item(key)
	if it == nil {
		return nil, nil
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Put replaces any existing entry and resets its expiration.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(key, value, s.ttlOrDefault(ttl))
	return nil
}

// PutIfAbsent writes only when the key does not exist; TTL applies to
// new entries only.
func (s *MemoryStore) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.item(key) != nil {
		return false, nil
	}
	s.write(key, value, s.ttlOrDefault(ttl))
	return true, nil
}

func (s *MemoryStore) write(key string, value []byte, ttl time.Duration) {
	buf := make([]byte, len(value))
	copy(buf, value)
	s.items[key] = &memItem{value: buf, expiresAt: time.Now().Add(ttl)}
	if rid, ok := jsonx.GetTopLevelString(value, requestIDField); ok && rid != "" {
		s.index[rid] = key
	}
}

// Delete removes the entry and any index record pointing at it.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it := s.item(key); it != nil {
		if rid, ok := jsonx.GetTopLevelString(it.value, requestIDField); ok {
			delete(s.index, rid)
		}
	}
	delete(s.items, key)
	delete(s.counters, key)
	return nil
}

// Exists reports whether the key is present and unexpired.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.item(key) != nil, nil
}

// Keys returns user keys matching the glob pattern.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var keys []string
	for k, it := range s.items {
		if now.After(it.expiresAt) {
			continue
		}
		if ok, err := path.Match(pattern, k); err != nil {
			return nil, err
		} else if ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// FindByRequestID resolves a value through the request-id index.
func (s *MemoryStore) FindByRequestID(_ context.Context, requestID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.index[requestID]
	if !ok {
		return nil, nil
	}
	it := s.item(key)
	if it == nil {
		return nil, nil
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Incr increments a numeric field inside the counter record at key,
// creating the record when absent and (re)applying the TTL.
func (s *MemoryStore) Incr(_ context.Context, key, requestID, field string, delta int64, ttl time.Duration) (ports.IncrResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl = s.ttlOrDefault(ttl)
	now := time.Now()

	cnt, ok := s.counters[key]
	if ok && now.After(cnt.expiresAt) {
		ok = false
	}
	created := !ok
	if created {
		cnt = &memCounter{fields: make(map[string]int64)}
		s.counters[key] = cnt
	}
	cnt.expiresAt = now.Add(ttl)
	cnt.fields[field] += delta

	if requestID != "" {
		if _, exists := s.index[requestID]; !exists {
			s.index[requestID] = key
		}
	}

	return ports.IncrResult{Created: created, Value: cnt.fields[field]}, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
