package cedros

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CedrosPay/facilitator/internal/callbacks"
	"github.com/CedrosPay/facilitator/internal/chains"
	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/facilitator"
	"github.com/CedrosPay/facilitator/internal/storage"
	"github.com/CedrosPay/facilitator/pkg/x402/evm"
)

// Hardhat account #0; never funded outside local chains.
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func appConfig() *config.Config {
	return &config.Config{
		Logging: config.LoggingConfig{Level: "error", Format: "json"},
		Facilitator: config.FacilitatorConfig{
			Environment:   config.EnvDevelopment,
			FeeBps:        30,
			MaxPaymentAge: config.Duration{Duration: 10 * time.Minute},
		},
		Signer: config.SignerConfig{Mode: config.SignerModeLocal, ServiceID: "dev", DevPrivateKey: devKey},
		Chains: []config.ChainConfig{{
			ChainID:             84532,
			Network:             "base-sepolia",
			RPCURL:              "http://127.0.0.1:8545",
			FacilitatorContract: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			Domain:              config.DomainConfig{Name: "USDC", Version: "2", VerifyingContract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"},
			Tokens:              []config.TokenConfig{{Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Symbol: "USDC", Decimals: 6}},
		}},
		Settlement: config.SettlementConfig{
			ConfirmationTimeout: config.Duration{Duration: time.Second},
			PollInterval:        config.Duration{Duration: 10 * time.Millisecond},
			RPCTimeout:          config.Duration{Duration: time.Second},
		},
		Storage:     config.StorageConfig{Backend: "memory"},
		Idempotency: config.IdempotencyConfig{TTL: config.Duration{Duration: time.Hour}, MaxEntries: 100},
	}
}

func noDial(context.Context, *chains.Registry, config.SettlementConfig) (evm.ClientSource, error) {
	return evm.NewClientPool(nil), nil
}

func TestNewApp(t *testing.T) {
	app, err := NewApp(context.Background(), appConfig(),
		WithRegisterer(prometheus.NewRegistry()),
		WithFacilitatorOptions(facilitator.WithClientDialer(noDial)),
	)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close()

	if app.Ledger == nil || app.IdempotencyStore == nil {
		t.Fatal("ledger and idempotency store must be built")
	}

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, body %s", rec.Code, rec.Body)
	}
	var health facilitator.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.SigningMode != "local" || health.Ledger != "ok" {
		t.Errorf("health = %+v", health)
	}
}

func TestNewApp_InjectedLedgerNotClosed(t *testing.T) {
	ledger := &closeTrackingStore{MemoryStore: storage.NewMemoryStore()}
	app, err := NewApp(context.Background(), appConfig(),
		WithLedger(ledger),
		WithRegisterer(prometheus.NewRegistry()),
		WithFacilitatorOptions(facilitator.WithClientDialer(noDial)),
	)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	if err := app.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ledger.closed {
		t.Error("an injected ledger belongs to the caller")
	}
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{name: "nil config", want: "config required"},
		{name: "fee too high", mutate: func(c *config.Config) { c.Facilitator.FeeBps = 2000 }, want: "fee_bps"},
		{name: "local signer in production", mutate: func(c *config.Config) {
			c.Facilitator.Environment = config.EnvProduction
			c.Facilitator.FeeRecipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
		}, want: "production"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg *config.Config
			if tt.mutate != nil {
				cfg = appConfig()
				tt.mutate(cfg)
			}
			_, err := NewApp(context.Background(), cfg, WithRegisterer(prometheus.NewRegistry()))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("NewApp() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

type closeTrackingStore struct {
	*storage.MemoryStore
	closed bool
}

func (s *closeTrackingStore) Close() error {
	s.closed = true
	return nil
}

func TestNewApp_SettlementWebhook(t *testing.T) {
	cfg := appConfig()
	cfg.Callbacks = config.CallbacksConfig{
		SettlementURL: "http://127.0.0.1:9/hooks/settlement",
		DLQEnabled:    true,
		DLQPath:       filepath.Join(t.TempDir(), "dlq.json"),
	}

	app, err := NewApp(context.Background(), cfg,
		WithRegisterer(prometheus.NewRegistry()),
		WithFacilitatorOptions(facilitator.WithClientDialer(noDial)),
	)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close()

	if _, ok := app.Notifier.(*callbacks.RetryableClient); !ok {
		t.Errorf("Notifier = %T, want *callbacks.RetryableClient", app.Notifier)
	}
	if _, ok := app.DLQ.(*callbacks.FileDLQStore); !ok {
		t.Errorf("DLQ = %T, want *callbacks.FileDLQStore", app.DLQ)
	}
	if app.BalanceMonitor == nil {
		t.Error("balance monitor should always be built")
	}
}

func TestNewApp_WebhookDisabledByDefault(t *testing.T) {
	app, err := NewApp(context.Background(), appConfig(),
		WithRegisterer(prometheus.NewRegistry()),
		WithFacilitatorOptions(facilitator.WithClientDialer(noDial)),
	)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close()

	if _, ok := app.Notifier.(callbacks.NoopNotifier); !ok {
		t.Errorf("Notifier = %T, want NoopNotifier", app.Notifier)
	}
	if app.DLQ != nil {
		t.Errorf("DLQ = %T, want nil", app.DLQ)
	}
}
