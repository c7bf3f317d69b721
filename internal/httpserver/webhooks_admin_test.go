package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/facilitator/internal/callbacks"
	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/idempotency"
)

func newDLQRouter(t *testing.T, cfg *config.Config, dlq callbacks.DLQStore) chi.Router {
	t.Helper()
	ts := newTestServer(t, cfg)
	store := idempotency.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, ts.fac, store, nil, nil, zerolog.Nop(), WithWebhookDLQ(dlq, time.Second))
	return router
}

func adminRequest(router chi.Router, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func seedDLQ(t *testing.T, dlq callbacks.DLQStore, url string, ids ...string) {
	t.Helper()
	base := time.Unix(1_700_000_000, 0).UTC()
	for i, id := range ids {
		err := dlq.SaveFailedWebhook(context.Background(), callbacks.FailedWebhook{
			ID:        id,
			URL:       url,
			Payload:   json.RawMessage(`{"eventId":"` + id + `"}`),
			EventType: callbacks.EventSettlementSucceeded,
			Attempts:  5,
			LastError: "received status 502",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestListWebhooks(t *testing.T) {
	dlq := callbacks.NewMemoryDLQStore()
	seedDLQ(t, dlq, "https://hooks.invalid", "evt_a", "evt_b", "evt_c")
	router := newDLQRouter(t, testConfig(), dlq)

	rec := adminRequest(router, http.MethodGet, "/admin/webhooks?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body)
	}
	var body struct {
		Webhooks []callbacks.FailedWebhook `json:"webhooks"`
		Count    int                       `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 2 || len(body.Webhooks) != 2 {
		t.Fatalf("count = %d, webhooks = %d, want 2", body.Count, len(body.Webhooks))
	}
	if body.Webhooks[0].ID != "evt_a" || body.Webhooks[1].ID != "evt_b" {
		t.Errorf("order = %s, %s, want oldest first", body.Webhooks[0].ID, body.Webhooks[1].ID)
	}
}

func TestListWebhooks_InvalidLimit(t *testing.T) {
	router := newDLQRouter(t, testConfig(), callbacks.NewMemoryDLQStore())

	for _, limit := range []string{"0", "1001", "abc"} {
		t.Run(limit, func(t *testing.T) {
			rec := adminRequest(router, http.MethodGet, "/admin/webhooks?limit="+limit)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestWebhooks_RequireAdminKey(t *testing.T) {
	router := newDLQRouter(t, testConfig(), callbacks.NewMemoryDLQStore())

	req := httptest.NewRequest(http.MethodGet, "/admin/webhooks", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWebhooks_NotRegisteredWithoutKey(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AdminAPIKey = ""
	router := newDLQRouter(t, cfg, callbacks.NewMemoryDLQStore())

	rec := adminRequest(router, http.MethodGet, "/admin/webhooks")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRetryWebhook(t *testing.T) {
	var hits atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusOK)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer hook.Close()

	dlq := callbacks.NewMemoryDLQStore()
	seedDLQ(t, dlq, hook.URL, "evt_ok", "evt_down")
	router := newDLQRouter(t, testConfig(), dlq)

	if rec := adminRequest(router, http.MethodPost, "/admin/webhooks/evt_ok/retry"); rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d (body %s)", rec.Code, rec.Body)
	}

	status.Store(http.StatusBadGateway)
	rec := adminRequest(router, http.MethodPost, "/admin/webhooks/evt_down/retry")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("failed retry status = %d, want 502", rec.Code)
	}
	if hits.Load() != 2 {
		t.Errorf("hook hits = %d, want 2", hits.Load())
	}

	remaining, _ := dlq.ListFailedWebhooks(context.Background(), 0)
	if len(remaining) != 1 || remaining[0].ID != "evt_down" {
		t.Fatalf("remaining = %+v, want only evt_down", remaining)
	}
	if remaining[0].Attempts != 6 {
		t.Errorf("attempts = %d, want 6", remaining[0].Attempts)
	}
}

func TestRetryWebhook_NotFound(t *testing.T) {
	router := newDLQRouter(t, testConfig(), callbacks.NewMemoryDLQStore())

	rec := adminRequest(router, http.MethodPost, "/admin/webhooks/evt_missing/retry")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteWebhook(t *testing.T) {
	dlq := callbacks.NewMemoryDLQStore()
	seedDLQ(t, dlq, "https://hooks.invalid", "evt_a")
	router := newDLQRouter(t, testConfig(), dlq)

	if rec := adminRequest(router, http.MethodDelete, "/admin/webhooks/evt_a"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body)
	}
	if rec := adminRequest(router, http.MethodDelete, "/admin/webhooks/evt_a"); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
	if remaining, _ := dlq.ListFailedWebhooks(context.Background(), 0); len(remaining) != 0 {
		t.Errorf("remaining = %d, want 0", len(remaining))
	}
}
