package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func send(handler http.Handler, remoteAddr, payer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/settle", nil)
	req.RemoteAddr = remoteAddr
	if payer != "" {
		req.Header.Set("X-Test-Payer", payer)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func testPayerKey(r *http.Request) string { return r.Header.Get("X-Test-Payer") }

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.RateLimitConfig{
		GlobalEnabled:   true,
		GlobalLimit:     1000,
		GlobalWindow:    config.Duration{Duration: time.Minute},
		PerPayerEnabled: true,
		PerPayerLimit:   60,
		PerPayerWindow:  config.Duration{Duration: time.Minute},
	})

	if !cfg.GlobalEnabled || cfg.GlobalLimit != 1000 || cfg.GlobalWindow != time.Minute {
		t.Errorf("global tier = %v/%d/%v", cfg.GlobalEnabled, cfg.GlobalLimit, cfg.GlobalWindow)
	}
	if !cfg.PerPayerEnabled || cfg.PerPayerLimit != 60 {
		t.Errorf("per-payer tier = %v/%d", cfg.PerPayerEnabled, cfg.PerPayerLimit)
	}
	if cfg.PerIPEnabled {
		t.Error("per-IP tier should stay disabled")
	}
}

func TestGlobalLimiter_Disabled(t *testing.T) {
	handler := GlobalLimiter(Config{GlobalEnabled: false})(okHandler())

	for i := 0; i < 100; i++ {
		if w := send(handler, "10.0.0.1:1000", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	handler := GlobalLimiter(Config{
		GlobalEnabled: true,
		GlobalLimit:   5,
		GlobalWindow:  time.Minute,
		Metrics:       m,
	})(okHandler())

	// The global tier ignores the caller: spread requests over several IPs.
	for i := 0; i < 5; i++ {
		if w := send(handler, fmt.Sprintf("10.0.0.%d:1000", i+1), ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}

	w := send(handler, "10.0.0.9:1000", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit exceeded, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	var body struct {
		Error struct {
			Code      string         `json:"code"`
			Retryable bool           `json:"retryable"`
			Details   map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.Error.Code != "rate_limit_exceeded" || !body.Error.Retryable {
		t.Errorf("error = %+v", body.Error)
	}
	if body.Error.Details["limitType"] != LimitGlobal {
		t.Errorf("limitType = %v", body.Error.Details["limitType"])
	}

	if got := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues(LimitGlobal)); got != 1 {
		t.Errorf("expected 1 global rate limit hit, got %.0f", got)
	}
}

func TestPayerLimiter_PerPayerLimit(t *testing.T) {
	handler := PayerLimiter(Config{
		PerPayerEnabled: true,
		PerPayerLimit:   3,
		PerPayerWindow:  time.Minute,
		PayerKey:        testPayerKey,
	})(okHandler())

	payer1 := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	payer2 := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

	for i := 0; i < 3; i++ {
		if w := send(handler, "10.0.0.1:1000", payer1); w.Code != http.StatusOK {
			t.Fatalf("payer1 request %d: expected 200, got %d", i, w.Code)
		}
	}

	// Same payer from another address, with different casing, is the same key.
	if w := send(handler, "10.0.0.2:1000", "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"); w.Code != http.StatusTooManyRequests {
		t.Errorf("payer1: expected 429 after limit, got %d", w.Code)
	}

	if w := send(handler, "10.0.0.1:1000", payer2); w.Code != http.StatusOK {
		t.Errorf("payer2: expected 200, got %d", w.Code)
	}
}

func TestPayerLimiter_FallbackToIP(t *testing.T) {
	handler := PayerLimiter(Config{
		PerPayerEnabled: true,
		PerPayerLimit:   3,
		PerPayerWindow:  time.Minute,
		PayerKey:        testPayerKey,
	})(okHandler())

	for i := 0; i < 3; i++ {
		if w := send(handler, "192.168.1.1:12345", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := send(handler, "192.168.1.1:12345", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after IP fallback limit, got %d", w.Code)
	}
}

func TestIPLimiter_EnforcesLimit(t *testing.T) {
	handler := IPLimiter(Config{
		PerIPEnabled: true,
		PerIPLimit:   3,
		PerIPWindow:  time.Minute,
	})(okHandler())

	ip := "192.168.1.100:54321"
	for i := 0; i < 3; i++ {
		if w := send(handler, ip, ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := send(handler, ip, ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after IP limit, got %d", w.Code)
	}
	if w := send(handler, "192.168.1.101:54321", ""); w.Code != http.StatusOK {
		t.Errorf("different IP: expected 200, got %d", w.Code)
	}
}

func TestMiddleware_Exempt(t *testing.T) {
	handler := Middleware(Config{
		GlobalEnabled: true,
		GlobalLimit:   1,
		GlobalWindow:  time.Minute,
		PerIPEnabled:  true,
		PerIPLimit:    1,
		PerIPWindow:   time.Minute,
		Exempt:        func(r *http.Request) bool { return r.Header.Get("Authorization") == "Bearer ops" },
	})(okHandler())

	if w := send(handler, "10.0.0.1:1000", ""); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	if w := send(handler, "10.0.0.1:1000", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/settle", nil)
		req.RemoteAddr = "10.0.0.1:1000"
		req.Header.Set("Authorization", "Bearer ops")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("exempt request %d: expected 200, got %d", i, w.Code)
		}
	}
}
