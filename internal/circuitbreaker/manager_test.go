package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/CedrosPay/facilitator/internal/config"
)

var errUpstream = errors.New("upstream down")

func fail() (int, error) { return 0, errUpstream }

func TestManager_TripsAfterConsecutiveFailures(t *testing.T) {
	m := NewManager(Config{
		Enabled: true,
		Signer:  BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 3},
	})

	for i := 0; i < 3; i++ {
		if _, err := Do(m, ServiceSigner, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: err = %v, want upstream error", i, err)
		}
	}
	if got := m.State(ServiceSigner); got != "open" {
		t.Fatalf("State() = %s, want open", got)
	}

	calls := 0
	_, err := Do(m, ServiceSigner, func() (int, error) {
		calls++
		return 1, nil
	})
	if !IsOpen(err) {
		t.Errorf("err = %v, want open-state error", err)
	}
	if calls != 0 {
		t.Error("open breaker let a call through")
	}
}

func TestManager_ServicesAreIsolated(t *testing.T) {
	m := NewManager(DefaultConfig())

	for i := 0; i < 10; i++ {
		_, _ = Do(m, ServiceSigner, fail)
	}
	if m.State(ServiceSigner) != "open" {
		t.Fatalf("signer breaker should be open, got %s", m.State(ServiceSigner))
	}

	v, err := Do(m, ServiceChainRPC, func() (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("chain rpc call = %d, %v; a tripped signer must not block RPC", v, err)
	}
	if m.State(ServiceChainRPC) != "closed" {
		t.Errorf("chain rpc breaker = %s, want closed", m.State(ServiceChainRPC))
	}
}

func TestManager_FailureRatio(t *testing.T) {
	m := NewManager(Config{
		Enabled:  true,
		ChainRPC: BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureRatio: 0.5, MinRequests: 4},
	})

	ok := func() (int, error) { return 1, nil }
	_, _ = Do(m, ServiceChainRPC, ok)
	_, _ = Do(m, ServiceChainRPC, fail)
	_, _ = Do(m, ServiceChainRPC, ok)
	if m.State(ServiceChainRPC) != "closed" {
		t.Fatal("breaker tripped before MinRequests")
	}
	_, _ = Do(m, ServiceChainRPC, fail)
	if m.State(ServiceChainRPC) != "open" {
		t.Errorf("State() = %s, want open at 50%% failures", m.State(ServiceChainRPC))
	}
}

func TestManager_DisabledAndNil(t *testing.T) {
	tests := []struct {
		name string
		m    *Manager
		want string
	}{
		{name: "nil", m: nil, want: "disabled"},
		{name: "disabled", m: NewManager(Config{Enabled: false}), want: "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				if _, err := Do(tt.m, ServiceSigner, fail); !errors.Is(err, errUpstream) {
					t.Fatalf("err = %v, want passthrough", err)
				}
			}
			if got := tt.m.State(ServiceSigner); got != tt.want {
				t.Errorf("State() = %s, want %s", got, tt.want)
			}
			if c := tt.m.Counts(ServiceSigner); c != (Counts{}) {
				t.Errorf("Counts() = %+v, want zero", c)
			}
		})
	}
}

func TestNewManagerFromConfig(t *testing.T) {
	cfg := config.CircuitBreakerConfig{
		Enabled: true,
		ChainRPC: config.BreakerServiceConfig{
			MaxRequests:         2,
			Interval:            config.Duration{Duration: time.Minute},
			Timeout:             config.Duration{Duration: time.Minute},
			ConsecutiveFailures: 2,
		},
	}
	m := NewManagerFromConfig(cfg)

	_, _ = Do(m, ServiceChainRPC, fail)
	_, _ = Do(m, ServiceChainRPC, fail)
	if m.State(ServiceChainRPC) != "open" {
		t.Errorf("State() = %s, want open after configured 2 failures", m.State(ServiceChainRPC))
	}
}
