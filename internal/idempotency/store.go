package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a cached /settle response together with the fingerprint of the
// request body that produced it.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	Body        []byte
	Fingerprint string
	CachedAt    time.Time
}

// Store manages idempotency keys and cached responses.
type Store interface {
	// Get retrieves a cached response for the given key.
	Get(ctx context.Context, key string) (*Response, bool)

	// Set stores a response for the given key with TTL.
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error

	// Delete removes a cached response.
	Delete(ctx context.Context, key string) error
}

// DefaultMaxEntries bounds the in-memory store when no size is configured.
const DefaultMaxEntries = 10000

// MemoryStore is an in-memory implementation of Store with LRU eviction.
type MemoryStore struct {
	mu          sync.Mutex
	cache       map[string]*cacheEntry
	lru         *list.List
	maxSize     int
	now         func() time.Time
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

type cacheEntry struct {
	key      string
	response *Response
	expires  time.Time
	element  *list.Element
}

// NewMemoryStore creates an in-memory store holding at most DefaultMaxEntries responses.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(DefaultMaxEntries)
}

// NewMemoryStoreWithSize creates an in-memory store with a custom bound.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	s := &MemoryStore{
		cache:       make(map[string]*cacheEntry),
		lru:         list.New(),
		maxSize:     maxSize,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go s.cleanup(5 * time.Minute)

	return s
}

// Get retrieves a cached response for the given key.
func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.cache[key]
	if !found {
		return nil, false
	}
	if s.now().After(entry.expires) {
		s.removeLocked(entry)
		return nil, false
	}

	s.lru.MoveToFront(entry.element)
	return entry.response, true
}

// Set stores a response for the given key with TTL.
func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := s.now().Add(ttl)
	if entry, exists := s.cache[key]; exists {
		entry.response = response
		entry.expires = expires
		s.lru.MoveToFront(entry.element)
		return nil
	}

	// Evict before adding so the bound holds under concurrent writers.
	if len(s.cache) >= s.maxSize {
		if back := s.lru.Back(); back != nil {
			s.removeLocked(back.Value.(*cacheEntry))
		}
	}

	entry := &cacheEntry{key: key, response: response, expires: expires}
	entry.element = s.lru.PushFront(entry)
	s.cache[key] = entry
	return nil
}

// Delete removes a cached response.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.cache[key]; exists {
		s.removeLocked(entry)
	}
	return nil
}

// Len reports the number of cached responses, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStore) removeLocked(entry *cacheEntry) {
	s.lru.Remove(entry.element)
	delete(s.cache, entry.key)
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, entry := range s.cache {
		if now.After(entry.expires) {
			s.removeLocked(entry)
		}
	}
}

func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}
