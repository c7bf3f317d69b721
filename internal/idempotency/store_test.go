package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, size int) (*MemoryStore, *time.Time) {
	t.Helper()
	s := NewMemoryStoreWithSize(size)
	t.Cleanup(func() { _ = s.Close() })
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestMemoryStore_GetSetDelete(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatal("empty store returned a hit")
	}
	resp := &Response{StatusCode: 200, Body: []byte(`{"success":true}`), Fingerprint: "abc"}
	if err := s.Set(ctx, "k", resp, time.Hour); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get(ctx, "k")
	if !ok || string(got.Body) != `{"success":true}` || got.Fingerprint != "abc" {
		t.Fatalf("Get() = %+v, %v", got, ok)
	}

	_ = s.Delete(ctx, "k")
	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("deleted key still present")
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

func TestMemoryStore_Expiration(t *testing.T) {
	s, now := newTestStore(t, 10)
	ctx := context.Background()

	_ = s.Set(ctx, "short", &Response{StatusCode: 200}, time.Minute)
	_ = s.Set(ctx, "long", &Response{StatusCode: 200}, time.Hour)

	*now = now.Add(2 * time.Minute)
	if _, ok := s.Get(ctx, "short"); ok {
		t.Error("expired entry returned")
	}
	if _, ok := s.Get(ctx, "long"); !ok {
		t.Error("live entry missing")
	}
	if s.Len() != 1 {
		t.Errorf("expired entry should be dropped on read, Len() = %d", s.Len())
	}

	*now = now.Add(2 * time.Hour)
	s.sweep()
	if s.Len() != 0 {
		t.Errorf("sweep left %d entries", s.Len())
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	s, _ := newTestStore(t, 3)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_ = s.Set(ctx, k, &Response{StatusCode: 200}, time.Hour)
	}
	// Touch "a" so "b" becomes least recently used.
	s.Get(ctx, "a")
	_ = s.Set(ctx, "d", &Response{StatusCode: 200}, time.Hour)

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	if _, ok := s.Get(ctx, "b"); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := s.Get(ctx, k); !ok {
			t.Errorf("%s missing", k)
		}
	}
}

func TestMemoryStore_UpdateKeepsSingleEntry(t *testing.T) {
	s, _ := newTestStore(t, 2)
	ctx := context.Background()

	_ = s.Set(ctx, "k", &Response{StatusCode: 200, Body: []byte("one")}, time.Hour)
	_ = s.Set(ctx, "k", &Response{StatusCode: 200, Body: []byte("two")}, time.Hour)

	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
	got, _ := s.Get(ctx, "k")
	if string(got.Body) != "two" {
		t.Errorf("Body = %q", got.Body)
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s := NewMemoryStoreWithSize(50)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d-%d", g, i%20)
				_ = s.Set(ctx, key, &Response{StatusCode: 200}, time.Hour)
				s.Get(ctx, key)
				if i%7 == 0 {
					_ = s.Delete(ctx, key)
				}
			}
		}(g)
	}
	wg.Wait()

	if n := s.Len(); n > 50 {
		t.Errorf("Len() = %d exceeds bound", n)
	}
}

func TestMemoryStore_CloseTwice(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
