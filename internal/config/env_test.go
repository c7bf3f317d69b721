package config

import (
	"testing"
	"time"
)

func TestEnvOverrides(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name:    "CEDROS_SERVER_ADDRESS overrides default",
			envVars: map[string]string{"CEDROS_SERVER_ADDRESS": ":3000"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name:    "CEDROS_ROUTE_PREFIX is normalized",
			envVars: map[string]string{"CEDROS_ROUTE_PREFIX": "x402/"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/x402" {
					t.Errorf("Expected /x402, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name:    "CEDROS_CORS_ALLOWED_ORIGINS splits and trims",
			envVars: map[string]string{"CEDROS_CORS_ALLOWED_ORIGINS": "https://a.example, https://b.example,"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if len(cfg.Server.CORSAllowedOrigins) != 2 || cfg.Server.CORSAllowedOrigins[1] != "https://b.example" {
					t.Errorf("unexpected origins: %v", cfg.Server.CORSAllowedOrigins)
				}
			},
		},
		{
			name: "facilitator economics",
			envVars: map[string]string{
				"CEDROS_FEE_BPS":         "75",
				"CEDROS_FEE_RECIPIENT":   "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
				"CEDROS_MAX_AMOUNT":      "5000000",
				"CEDROS_MAX_PAYMENT_AGE": "90s",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				f := cfg.Facilitator
				if f.FeeBps != 75 || f.MaxAmount != "5000000" || f.MaxPaymentAge.Duration != 90*time.Second {
					t.Errorf("unexpected facilitator config: %+v", f)
				}
			},
		},
		{
			name: "rate limit tiers",
			envVars: map[string]string{
				"CEDROS_RATE_LIMIT_PER_PAYER_LIMIT": "5",
				"CEDROS_RATE_LIMIT_PER_IP_LIMIT":    "0",
				"CEDROS_RATE_LIMIT_GLOBAL_ENABLED":  "false",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				rl := cfg.RateLimit
				if rl.GlobalEnabled {
					t.Error("expected global tier disabled")
				}
				if !rl.PerPayerEnabled || rl.PerPayerLimit != 5 {
					t.Errorf("unexpected per-payer tier: %v/%d", rl.PerPayerEnabled, rl.PerPayerLimit)
				}
				if rl.PerIPLimit != 0 {
					t.Errorf("Expected per-IP limit 0, got %d", rl.PerIPLimit)
				}
			},
		},
		{
			name:    "unparsable fee bps is ignored",
			envVars: map[string]string{"CEDROS_FEE_BPS": "ten"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Facilitator.FeeBps != 0 {
					t.Errorf("Expected default 0, got %d", cfg.Facilitator.FeeBps)
				}
			},
		},
		{
			name: "signer secrets",
			envVars: map[string]string{
				"CEDROS_KMS_SERVICE_ID":         "settlement-v2",
				"CEDROS_SIGNER_URL":             "https://kms.internal",
				"CEDROS_SIGNER_API_KEY":         "secret",
				"CEDROS_SIGNER_TIMEOUT":         "3s",
				"CEDROS_SIGNER_MODE":            "local",
				"CEDROS_SIGNER_DEV_PRIVATE_KEY": "0xabc",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				s := cfg.Signer
				if s.ServiceID != "settlement-v2" || s.APIKey != "secret" || s.Timeout.Duration != 3*time.Second {
					t.Errorf("unexpected signer config: %+v", s)
				}
				if s.Mode != "local" || s.DevPrivateKey != "0xabc" {
					t.Errorf("unexpected signer mode: %+v", s)
				}
			},
		},
		{
			name:    "CEDROS_SIGNER_SERVICE_ID wins over the KMS alias",
			envVars: map[string]string{"CEDROS_KMS_SERVICE_ID": "old", "CEDROS_SIGNER_SERVICE_ID": "new"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Signer.ServiceID != "new" {
					t.Errorf("Expected new, got %s", cfg.Signer.ServiceID)
				}
			},
		},
		{
			name: "storage backend",
			envVars: map[string]string{
				"CEDROS_STORAGE_BACKEND": "mongodb",
				"CEDROS_MONGODB_URL":     "mongodb://localhost:27017",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Storage.Backend != "mongodb" || cfg.Storage.MongoDBURL != "mongodb://localhost:27017" {
					t.Errorf("unexpected storage config: %+v", cfg.Storage)
				}
			},
		},
		{
			name:    "circuit breaker disable",
			envVars: map[string]string{"CEDROS_CIRCUIT_BREAKER_ENABLED": "false"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.CircuitBreaker.Enabled {
					t.Error("Expected circuit breakers disabled")
				}
			},
		},
		{
			name:    "settlement timeouts",
			envVars: map[string]string{"CEDROS_SETTLEMENT_CONFIRMATION_TIMEOUT": "45s", "CEDROS_SETTLEMENT_POLL_INTERVAL": "bogus"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Settlement.ConfirmationTimeout.Duration != 45*time.Second {
					t.Errorf("Expected 45s, got %v", cfg.Settlement.ConfirmationTimeout.Duration)
				}
				if cfg.Settlement.PollInterval.Duration != 2*time.Second {
					t.Errorf("Expected default poll interval, got %v", cfg.Settlement.PollInterval.Duration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_ChainRPCURL(t *testing.T) {
	t.Setenv("CEDROS_CHAIN_8453_RPC_URL", "https://base-mainnet.g.alchemy.com/v2/key")
	t.Setenv("CEDROS_CHAIN_84532_RPC_URL", "https://base-sepolia.g.alchemy.com/v2/key")

	cfg := defaultConfig()
	cfg.Chains = []ChainConfig{
		{ChainID: 8453, Network: "base", RPCURL: "https://mainnet.base.org"},
		{Network: "base-sepolia", RPCURL: "https://sepolia.base.org"}, // chain id from known network
		{ChainID: 137, Network: "polygon", RPCURL: "https://polygon-rpc.com"},
	}
	cfg.applyEnvOverrides()

	if cfg.Chains[0].RPCURL != "https://base-mainnet.g.alchemy.com/v2/key" {
		t.Errorf("chain 8453 rpc = %s", cfg.Chains[0].RPCURL)
	}
	if cfg.Chains[1].RPCURL != "https://base-sepolia.g.alchemy.com/v2/key" {
		t.Errorf("chain 84532 rpc = %s", cfg.Chains[1].RPCURL)
	}
	if cfg.Chains[2].RPCURL != "https://polygon-rpc.com" {
		t.Errorf("chain 137 rpc changed: %s", cfg.Chains[2].RPCURL)
	}
}
