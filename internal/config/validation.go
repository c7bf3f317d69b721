package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	c.Facilitator.Environment = strings.ToLower(strings.TrimSpace(c.Facilitator.Environment))
	if c.Facilitator.Environment == "" {
		c.Facilitator.Environment = EnvDevelopment
	}
	if c.Facilitator.MaxPaymentAge.Duration <= 0 {
		c.Facilitator.MaxPaymentAge = Duration{Duration: 10 * time.Minute}
	}
	c.Signer.Mode = strings.ToLower(strings.TrimSpace(c.Signer.Mode))
	if c.Signer.Mode == "" {
		c.Signer.Mode = SignerModeRemote
	}
	if c.Signer.Timeout.Duration <= 0 {
		c.Signer.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.Signer.HealthTTL.Duration < 0 {
		c.Signer.HealthTTL = Duration{}
	}
	if c.Settlement.ConfirmationTimeout.Duration <= 0 {
		c.Settlement.ConfirmationTimeout = Duration{Duration: 2 * time.Minute}
	}
	if c.Settlement.PollInterval.Duration <= 0 {
		c.Settlement.PollInterval = Duration{Duration: 2 * time.Second}
	}
	if c.Settlement.RPCTimeout.Duration <= 0 {
		c.Settlement.RPCTimeout = Duration{Duration: 10 * time.Second}
	}
	if c.Settlement.GasLimitMultiplier < 1 {
		c.Settlement.GasLimitMultiplier = 1.2
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.SettlementsTable == "" {
		c.Storage.SettlementsTable = "settlements"
	}
	if c.Storage.Backend == "file" && c.Storage.FilePath == "" {
		c.Storage.FilePath = "./data/settlements.json"
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoDBDatabase == "" {
		c.Storage.MongoDBDatabase = "cedros_facilitator"
	}
	if c.Idempotency.TTL.Duration <= 0 {
		c.Idempotency.TTL = Duration{Duration: 24 * time.Hour}
	}
	if c.Idempotency.MaxEntries <= 0 {
		c.Idempotency.MaxEntries = 10000
	}
	if c.Callbacks.Timeout.Duration <= 0 {
		c.Callbacks.Timeout = Duration{Duration: 3 * time.Second}
	}
	if c.Callbacks.Retry.MaxAttempts <= 0 {
		c.Callbacks.Retry.MaxAttempts = 5
	}
	if c.Callbacks.Retry.InitialInterval.Duration <= 0 {
		c.Callbacks.Retry.InitialInterval = Duration{Duration: time.Second}
	}
	if c.Callbacks.Retry.MaxInterval.Duration < c.Callbacks.Retry.InitialInterval.Duration {
		c.Callbacks.Retry.MaxInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Callbacks.Retry.Multiplier < 1 {
		c.Callbacks.Retry.Multiplier = 2.0
	}
	if c.Monitoring.CheckInterval.Duration <= 0 {
		c.Monitoring.CheckInterval = Duration{Duration: 15 * time.Minute}
	}
	if c.Monitoring.Timeout.Duration <= 0 {
		c.Monitoring.Timeout = Duration{Duration: 5 * time.Second}
	}
	normalizeLimitTier(&c.RateLimit.GlobalEnabled, c.RateLimit.GlobalLimit, &c.RateLimit.GlobalWindow)
	normalizeLimitTier(&c.RateLimit.PerPayerEnabled, c.RateLimit.PerPayerLimit, &c.RateLimit.PerPayerWindow)
	normalizeLimitTier(&c.RateLimit.PerIPEnabled, c.RateLimit.PerIPLimit, &c.RateLimit.PerIPWindow)

	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.Domain.VerifyingContract == "" {
			ch.Domain.VerifyingContract = ch.FacilitatorContract
		}
		if known, ok := KnownNetworks[strings.ToLower(ch.Network)]; ok {
			if ch.ChainID == 0 {
				ch.ChainID = known.ChainID
			}
			if len(ch.Tokens) == 0 {
				ch.Tokens = append(ch.Tokens, known.Tokens...)
			}
		}
	}

	return c.validate()
}

// validate checks that the configuration is structurally usable. Business rules
// (fee bounds, production fee recipient) are enforced by facilitator.ValidateConfig.
func (c *Config) validate() error {
	var errs []string

	switch c.Facilitator.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Sprintf("facilitator.environment %q must be development, staging, or production", c.Facilitator.Environment))
	}
	if _, err := c.Facilitator.MinAmountValue(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.Facilitator.MaxAmountValue(); err != nil {
		errs = append(errs, err.Error())
	}

	switch c.Signer.Mode {
	case SignerModeRemote:
		if c.Signer.URL == "" {
			errs = append(errs, "signer.url is required when signer.mode is 'remote'")
		} else if err := validateURL(c.Signer.URL); err != nil {
			errs = append(errs, fmt.Sprintf("signer.url: %v", err))
		}
	case SignerModeLocal:
		if c.Signer.DevPrivateKey == "" {
			errs = append(errs, "signer.dev_private_key (CEDROS_SIGNER_DEV_PRIVATE_KEY) is required when signer.mode is 'local'")
		}
	default:
		errs = append(errs, fmt.Sprintf("signer.mode %q must be 'remote' or 'local'", c.Signer.Mode))
	}

	if len(c.Chains) == 0 {
		errs = append(errs, "chains must define at least one chain")
	}
	for i, ch := range c.Chains {
		if ch.ChainID == 0 {
			errs = append(errs, fmt.Sprintf("chains[%d].chain_id is required", i))
		}
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Sprintf("chains[%d].rpc_url is required", i))
		} else if err := validateURL(ch.RPCURL); err != nil {
			errs = append(errs, fmt.Sprintf("chains[%d].rpc_url: %v", i, err))
		}
		if ch.FacilitatorContract == "" {
			errs = append(errs, fmt.Sprintf("chains[%d].facilitator_contract is required", i))
		}
	}

	// Zero disables the server's write deadline.
	if wt := c.Server.WriteTimeout.Duration; wt > 0 && wt < c.SettleRequestTimeout() {
		errs = append(errs, fmt.Sprintf("server.write_timeout %s must be at least settlement.confirmation_timeout + %s (%s)",
			wt, SettleResponseSlack, c.SettleRequestTimeout()))
	}

	switch c.Storage.Backend {
	case "memory", "file":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when storage.backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q must be memory, file, postgres, or mongodb", c.Storage.Backend))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// SettleResponseSlack is the time /settle has, past the confirmation ceiling, to
// record and write its result.
const SettleResponseSlack = 30 * time.Second

// SettleRequestTimeout bounds one /settle request.
func (c *Config) SettleRequestTimeout() time.Duration {
	return c.Settlement.ConfirmationTimeout.Duration + SettleResponseSlack
}

// normalizeLimitTier disables a tier with no positive limit and defaults its window to a minute.
func normalizeLimitTier(enabled *bool, limit int, window *Duration) {
	if limit <= 0 {
		*enabled = false
	}
	if window.Duration <= 0 {
		*window = Duration{Duration: time.Minute}
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	case "":
		return errors.New("missing scheme")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
