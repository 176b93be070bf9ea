package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"
)

// ============================================================================
// Cache storage
// ============================================================================

// Entry is a stored response keyed by request identity (the absolute URL).
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK reports whether the response status is 2xx.
func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// Usage is a rough storage estimate, for display only.
type Usage struct {
	Entries int
	Bytes   int64
}

// Storage is a set of named buckets of entries. Keys are returned in
// insertion order; putting an existing key moves it to the end.
type Storage interface {
	Put(ctx context.Context, bucket string, e Entry) error
	Match(ctx context.Context, bucket, key string) (Entry, bool, error)
	// MatchAny searches every bucket in creation order.
	MatchAny(ctx context.Context, key string) (Entry, bool, error)
	Delete(ctx context.Context, bucket, key string) error
	Keys(ctx context.Context, bucket string) ([]string, error)
	Buckets(ctx context.Context) ([]string, error)
	DeleteBucket(ctx context.Context, bucket string) error
	Estimate(ctx context.Context) (Usage, error)
}

// CacheError reports a fetch or cache storage failure inside the engine. It
// is logged and resolved through the fallback chain.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// ============================================================================
// MemoryStorage
// ============================================================================

type memBucket struct {
	entries map[string]Entry
	keys    []string
}

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]*memBucket
	order   []string
}

// NewMemoryStorage creates an empty cache storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: make(map[string]*memBucket)}
}

func (s *MemoryStorage) Put(_ context.Context, bucket string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = &memBucket{entries: make(map[string]Entry)}
		s.buckets[bucket] = b
		s.order = append(s.order, bucket)
	}
	if _, exists := b.entries[e.Key]; exists {
		b.keys = slices.DeleteFunc(b.keys, func(k string) bool { return k == e.Key })
	}
	e.Body = append([]byte(nil), e.Body...)
	e.Header = e.Header.Clone()
	b.entries[e.Key] = e
	b.keys = append(b.keys, e.Key)
	return nil
}

func (s *MemoryStorage) Match(_ context.Context, bucket, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return Entry{}, false, nil
	}
	e, ok := b.entries[key]
	return e, ok, nil
}

func (s *MemoryStorage) MatchAny(ctx context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	order := append([]string(nil), s.order...)
	s.mu.RUnlock()
	for _, bucket := range order {
		if e, ok, _ := s.Match(ctx, bucket, key); ok {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *MemoryStorage) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil
	}
	if _, exists := b.entries[key]; !exists {
		return nil
	}
	delete(b.entries, key)
	b.keys = slices.DeleteFunc(b.keys, func(k string) bool { return k == key })
	return nil
}

func (s *MemoryStorage) Keys(_ context.Context, bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), b.keys...), nil
}

func (s *MemoryStorage) Buckets(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *MemoryStorage) DeleteBucket(_ context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, bucket)
	s.order = slices.DeleteFunc(s.order, func(b string) bool { return b == bucket })
	return nil
}

func (s *MemoryStorage) Estimate(context.Context) (Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var u Usage
	for _, b := range s.buckets {
		for _, e := range b.entries {
			u.Entries++
			u.Bytes += int64(len(e.Body) + len(e.Key))
		}
	}
	return u, nil
}
