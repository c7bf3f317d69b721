package callbacks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CedrosPay/facilitator/internal/config"
)

func TestMemoryDLQStore(t *testing.T) {
	store := NewMemoryDLQStore()
	ctx := context.Background()

	items, err := store.ListFailedWebhooks(ctx, 100)
	if err != nil {
		t.Fatalf("ListFailedWebhooks failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty store, got %d items", len(items))
	}

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"evt_b", "evt_a", "evt_c"} {
		webhook := FailedWebhook{
			ID:        id,
			URL:       "http://example.com/webhook",
			Payload:   json.RawMessage(`{"test":"data"}`),
			EventType: EventSettlementSucceeded,
			Attempts:  5,
			LastError: "connection refused",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveFailedWebhook(ctx, webhook); err != nil {
			t.Fatalf("SaveFailedWebhook failed: %v", err)
		}
	}

	items, _ = store.ListFailedWebhooks(ctx, 2)
	if len(items) != 2 || items[0].ID != "evt_b" || items[1].ID != "evt_a" {
		t.Fatalf("expected the two oldest entries in order, got %+v", items)
	}

	if err := store.DeleteFailedWebhook(ctx, "evt_b"); err != nil {
		t.Fatalf("DeleteFailedWebhook failed: %v", err)
	}
	items, _ = store.ListFailedWebhooks(ctx, 0)
	if len(items) != 2 {
		t.Errorf("expected 2 entries after delete, got %d", len(items))
	}
}

func TestMemoryDLQStore_RedeliveryMerges(t *testing.T) {
	store := NewMemoryDLQStore()
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = store.SaveFailedWebhook(ctx, FailedWebhook{ID: "evt_x", Attempts: 5, CreatedAt: first})
	_ = store.SaveFailedWebhook(ctx, FailedWebhook{ID: "evt_x", Attempts: 2, CreatedAt: first.Add(time.Hour), LastError: "later"})

	items, _ := store.ListFailedWebhooks(ctx, 0)
	if len(items) != 1 {
		t.Fatalf("expected one entry per event ID, got %d", len(items))
	}
	if items[0].Attempts != 7 || !items[0].CreatedAt.Equal(first) || items[0].LastError != "later" {
		t.Errorf("merged entry = %+v", items[0])
	}
}

func TestFileDLQStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dlq.json")

	store, err := NewFileDLQStore(path)
	if err != nil {
		t.Fatalf("NewFileDLQStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	webhook := FailedWebhook{
		ID:          "evt_file_1",
		URL:         "http://example.com/webhook",
		Payload:     json.RawMessage(`{"test":"data"}`),
		EventType:   EventSettlementSucceeded,
		Attempts:    3,
		LastError:   "timeout",
		LastAttempt: time.Now(),
		CreatedAt:   time.Now(),
	}
	if err := store.SaveFailedWebhook(ctx, webhook); err != nil {
		t.Fatalf("SaveFailedWebhook failed: %v", err)
	}

	// A new instance simulates a restart.
	reloaded, err := NewFileDLQStore(path)
	if err != nil {
		t.Fatalf("NewFileDLQStore (reload) failed: %v", err)
	}
	items, err := reloaded.ListFailedWebhooks(ctx, 100)
	if err != nil {
		t.Fatalf("ListFailedWebhooks failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "evt_file_1" {
		t.Fatalf("expected the persisted entry, got %+v", items)
	}

	if err := reloaded.DeleteFailedWebhook(ctx, "evt_file_1"); err != nil {
		t.Fatalf("DeleteFailedWebhook failed: %v", err)
	}
	again, _ := NewFileDLQStore(path)
	if items, _ := again.ListFailedWebhooks(ctx, 100); len(items) != 0 {
		t.Errorf("delete should persist, got %d items", len(items))
	}
}

func TestNoopDLQStore(t *testing.T) {
	store := NoopDLQStore{}
	ctx := context.Background()

	if err := store.SaveFailedWebhook(ctx, FailedWebhook{ID: "test"}); err != nil {
		t.Errorf("SaveFailedWebhook should not error, got %v", err)
	}
	items, err := store.ListFailedWebhooks(ctx, 100)
	if err != nil || len(items) != 0 {
		t.Errorf("ListFailedWebhooks = %v, %v; want empty", items, err)
	}
	if err := store.DeleteFailedWebhook(ctx, "test"); err != nil {
		t.Errorf("DeleteFailedWebhook should not error, got %v", err)
	}
}

func TestNewDLQStore(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.CallbacksConfig
		want string
	}{
		{name: "disabled", cfg: config.CallbacksConfig{}, want: "<nil>"},
		{name: "memory", cfg: config.CallbacksConfig{DLQEnabled: true}, want: "*callbacks.MemoryDLQStore"},
		{name: "file", cfg: config.CallbacksConfig{DLQEnabled: true, DLQPath: filepath.Join(t.TempDir(), "dlq.json")}, want: "*callbacks.FileDLQStore"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewDLQStore(tt.cfg)
			if err != nil {
				t.Fatalf("NewDLQStore() error = %v", err)
			}
			if got := typeName(store); got != tt.want {
				t.Errorf("NewDLQStore() = %s, want %s", got, tt.want)
			}
		})
	}
}

func typeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", v)
}

func TestRedeliver(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	var received atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received.Store(string(b))
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	store := NewMemoryDLQStore()
	_ = store.SaveFailedWebhook(ctx, FailedWebhook{
		ID:        "evt_1",
		URL:       server.URL,
		Payload:   json.RawMessage(`{"eventId":"evt_1"}`),
		EventType: EventSettlementSucceeded,
		Attempts:  5,
		CreatedAt: time.Now(),
	})

	if err := Redeliver(ctx, store, "evt_missing", time.Second); !errors.Is(err, ErrWebhookNotFound) {
		t.Errorf("Redeliver(missing) = %v, want ErrWebhookNotFound", err)
	}

	fail.Store(true)
	if err := Redeliver(ctx, store, "evt_1", time.Second); err == nil {
		t.Fatal("Redeliver() should report the failed attempt")
	}
	items, _ := store.ListFailedWebhooks(ctx, 0)
	if len(items) != 1 || items[0].Attempts != 6 || items[0].LastError == "" {
		t.Fatalf("failed redelivery should stay queued with one more attempt, got %+v", items)
	}

	fail.Store(false)
	if err := Redeliver(ctx, store, "evt_1", time.Second); err != nil {
		t.Fatalf("Redeliver() error = %v", err)
	}
	if got := received.Load(); got != `{"eventId":"evt_1"}` {
		t.Errorf("redelivered body = %v", got)
	}
	if items, _ := store.ListFailedWebhooks(ctx, 0); len(items) != 0 {
		t.Errorf("delivered entry should be removed, got %d", len(items))
	}
}

func TestRedeliver_TemplatedBody(t *testing.T) {
	ctx := context.Background()
	var received atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received.Store(string(b))
	}))
	defer server.Close()

	store := NewMemoryDLQStore()
	_ = store.SaveFailedWebhook(ctx, FailedWebhook{ID: "evt_t", URL: server.URL, Payload: json.RawMessage(`"settled 5 USDC"`)})

	if err := Redeliver(ctx, store, "evt_t", time.Second); err != nil {
		t.Fatalf("Redeliver() error = %v", err)
	}
	if got := received.Load(); got != "settled 5 USDC" {
		t.Errorf("body = %v, want the raw templated text", got)
	}
}
