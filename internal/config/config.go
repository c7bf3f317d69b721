package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 3 * time.Minute}, // /settle waits for inclusion
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Facilitator: FacilitatorConfig{
			Environment:   EnvDevelopment,
			FeeBps:        0,
			MinAmount:     "0",
			MaxPaymentAge: Duration{Duration: 10 * time.Minute},
		},
		Signer: SignerConfig{
			Mode:      SignerModeRemote,
			Timeout:   Duration{Duration: 10 * time.Second},
			HealthTTL: Duration{Duration: 15 * time.Second},
		},
		Settlement: SettlementConfig{
			ConfirmationTimeout: Duration{Duration: 2 * time.Minute},
			PollInterval:        Duration{Duration: 2 * time.Second},
			RPCTimeout:          Duration{Duration: 10 * time.Second},
			GasLimitMultiplier:  1.2,
		},
		Storage: StorageConfig{
			Backend:          "memory",
			SettlementsTable: "settlements",
		},
		Idempotency: IdempotencyConfig{
			TTL:        Duration{Duration: 24 * time.Hour},
			MaxEntries: 10000,
		},
		RateLimit: RateLimitConfig{
			// Generous limits; they stop floods, not paying clients
			GlobalEnabled:   true,
			GlobalLimit:     1000,
			GlobalWindow:    Duration{Duration: 1 * time.Minute},
			PerPayerEnabled: true,
			PerPayerLimit:   60,
			PerPayerWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:    true,
			PerIPLimit:      120,
			PerIPWindow:     Duration{Duration: 1 * time.Minute},
		},
		Callbacks: CallbacksConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
		},
		Monitoring: MonitoringConfig{
			LowBalanceThreshold: 0.01,
			CheckInterval:       Duration{Duration: 15 * time.Minute},
			Headers:             make(map[string]string),
			Timeout:             Duration{Duration: 5 * time.Second},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			ChainRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Signer: BreakerServiceConfig{
				MaxRequests:         1,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 15 * time.Second},
				ConsecutiveFailures: 3,
				FailureRatio:        0.5,
				MinRequests:         6,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
