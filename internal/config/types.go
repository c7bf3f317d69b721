package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Environments
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Signer modes
const (
	SignerModeRemote = "remote" // external KMS/MPC signing service
	SignerModeLocal  = "local"  // in-process development key, refused in production
)

// Config holds facilitator configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Facilitator    FacilitatorConfig    `yaml:"facilitator"`
	Signer         SignerConfig         `yaml:"signer"`
	Chains         []ChainConfig        `yaml:"chains"`
	Settlement     SettlementConfig     `yaml:"settlement"`
	Storage        StorageConfig        `yaml:"storage"`
	Idempotency    IdempotencyConfig    `yaml:"idempotency"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Callbacks      CallbacksConfig      `yaml:"callbacks"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`  // Optional prefix for all routes (e.g., "/x402")
	AdminAPIKey        string   `yaml:"admin_api_key"` // Protects /metrics and /admin/* (empty disables /admin/*)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json, console (default: json)
}

// FacilitatorConfig holds fee economics and payment acceptance bounds.
type FacilitatorConfig struct {
	Environment   string   `yaml:"environment"`     // development, staging, production
	FeeBps        uint32   `yaml:"fee_bps"`         // Protocol fee in basis points, 0..1000
	FeeRecipient  string   `yaml:"fee_recipient"`   // Receives the protocol fee; required in production
	MinAmount     string   `yaml:"min_amount"`      // Atomic units, decimal string (default: 0)
	MaxAmount     string   `yaml:"max_amount"`      // Atomic units, decimal string (empty = unbounded)
	MaxPaymentAge Duration `yaml:"max_payment_age"` // Upper bound on validBefore - validAfter
}

// IsProduction reports whether production-only invariants apply.
func (f FacilitatorConfig) IsProduction() bool {
	return strings.EqualFold(f.Environment, EnvProduction)
}

// MinAmountValue parses MinAmount; empty means zero.
func (f FacilitatorConfig) MinAmountValue() (*big.Int, error) {
	return parseAmount("facilitator.min_amount", f.MinAmount)
}

// MaxAmountValue parses MaxAmount; empty means unbounded and returns nil.
func (f FacilitatorConfig) MaxAmountValue() (*big.Int, error) {
	if strings.TrimSpace(f.MaxAmount) == "" {
		return nil, nil
	}
	return parseAmount("facilitator.max_amount", f.MaxAmount)
}

// SignerConfig configures the delegated settlement signer.
type SignerConfig struct {
	Mode          string   `yaml:"mode"`            // remote | local
	ServiceID     string   `yaml:"service_id"`      // KMS key/service identifier used for every signature
	URL           string   `yaml:"url"`             // Remote signer base URL
	APIKey        string   `yaml:"api_key"`         // Bearer token for the remote signer (prefer CEDROS_SIGNER_API_KEY)
	Timeout       Duration `yaml:"timeout"`         // Per-request timeout for the remote signer
	HealthTTL     Duration `yaml:"health_ttl"`      // How long a health probe result is reused
	DevPrivateKey string   `yaml:"dev_private_key"` // Hex key for local mode only
}

// ChainConfig describes one supported chain in YAML.
type ChainConfig struct {
	ChainID             uint64        `yaml:"chain_id"`
	Network             string        `yaml:"network"`
	RPCURL              string        `yaml:"rpc_url"`
	FacilitatorContract string        `yaml:"facilitator_contract"`
	Primary             bool          `yaml:"primary"`
	Domain              DomainConfig  `yaml:"domain"`
	Tokens              []TokenConfig `yaml:"tokens"`
}

// DomainConfig holds EIP-712 domain parameters; verifying_contract defaults to the facilitator contract.
type DomainConfig struct {
	Name              string `yaml:"name"`
	Version           string `yaml:"version"`
	VerifyingContract string `yaml:"verifying_contract"`
}

// TokenConfig describes one settlement token.
type TokenConfig struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// SettlementConfig bounds on-chain submission.
type SettlementConfig struct {
	ConfirmationTimeout Duration `yaml:"confirmation_timeout"` // Ceiling on waiting for inclusion (default: 2m)
	PollInterval        Duration `yaml:"poll_interval"`        // Receipt polling interval (default: 2s)
	RPCTimeout          Duration `yaml:"rpc_timeout"`          // Per-call timeout for read RPCs (default: 10s)
	GasLimitMultiplier  float64  `yaml:"gas_limit_multiplier"` // Headroom applied to gas estimates (default: 1.2)
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds settlement ledger backend configuration.
type StorageConfig struct {
	Backend          string             `yaml:"backend"`           // "memory", "file", "postgres", or "mongodb"
	PostgresURL      string             `yaml:"postgres_url"`      // PostgreSQL connection string
	MongoDBURL       string             `yaml:"mongodb_url"`       // MongoDB connection string
	MongoDBDatabase  string             `yaml:"mongodb_database"`  // MongoDB database name
	FilePath         string             `yaml:"file_path"`         // Path to JSON file for file backend
	SettlementsTable string             `yaml:"settlements_table"` // Table/collection name (default: settlements)
	PostgresPool     PostgresPoolConfig `yaml:"postgres_pool"`     // PostgreSQL connection pool settings
}

// IdempotencyConfig configures Idempotency-Key replay on /settle.
type IdempotencyConfig struct {
	TTL        Duration `yaml:"ttl"`         // How long responses are replayed (default: 24h)
	MaxEntries int      `yaml:"max_entries"` // LRU bound (default: 10000)
}

// RateLimitConfig bounds request rates on /verify and /settle.
type RateLimitConfig struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`  // Requests allowed per global window
	GlobalWindow  Duration `yaml:"global_window"` // Time window for global limit

	// Per-payer rate limiting (payer taken from the payment payload)
	PerPayerEnabled bool     `yaml:"per_payer_enabled"`
	PerPayerLimit   int      `yaml:"per_payer_limit"`
	PerPayerWindow  Duration `yaml:"per_payer_window"`

	// Per-IP rate limiting
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CallbacksConfig configures the settlement webhook.
type CallbacksConfig struct {
	SettlementURL string            `yaml:"settlement_url"` // Receives settlement.succeeded events (empty disables)
	Headers       map[string]string `yaml:"headers"`
	BodyTemplate  string            `yaml:"body_template"` // Go template over the event; default is the event JSON
	Timeout       Duration          `yaml:"timeout"`       // Per-attempt timeout (default: 3s)
	Retry         RetryConfig       `yaml:"retry"`
	DLQEnabled    bool              `yaml:"dlq_enabled"` // Keep events that exhausted their retries
	DLQPath       string            `yaml:"dlq_path"`    // File path for the DLQ (empty keeps it in memory)
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`          // Enable retry with exponential backoff (default: true)
	MaxAttempts     int      `yaml:"max_attempts"`     // Maximum attempts (default: 5)
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 1s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 5m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
}

// MonitoringConfig configures the settlement signer gas balance monitor.
type MonitoringConfig struct {
	LowBalanceAlertURL  string            `yaml:"low_balance_alert_url"` // Webhook for low balance alerts (Discord, Slack, etc.)
	LowBalanceThreshold float64           `yaml:"low_balance_threshold"` // Native units (ETH) below which an alert fires (default: 0.01)
	CheckInterval       Duration          `yaml:"check_interval"`        // How often to check balances (default: 15m)
	Headers             map[string]string `yaml:"headers"`
	BodyTemplate        string            `yaml:"body_template"` // Go template over the alert
	Timeout             Duration          `yaml:"timeout"`       // Alert request timeout (default: 5s)
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`   // Enable circuit breakers (default: true)
	ChainRPC BreakerServiceConfig `yaml:"chain_rpc"` // Chain JSON-RPC circuit breaker
	Signer   BreakerServiceConfig `yaml:"signer"`    // Remote signer circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Min requests before ratio applies (default: 10)
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative decimal integer, got %q", field, raw)
	}
	return v, nil
}
