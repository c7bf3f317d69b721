package config

import (
	"fmt"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use CEDROS_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "CEDROS_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "CEDROS_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminAPIKey, "CEDROS_ADMIN_API_KEY")
	if v := os.Getenv("CEDROS_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "CEDROS_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "CEDROS_LOG_FORMAT")

	// Facilitator config
	setIfEnv(&c.Facilitator.Environment, "CEDROS_ENVIRONMENT")
	setUint32IfEnv(&c.Facilitator.FeeBps, "CEDROS_FEE_BPS")
	setIfEnv(&c.Facilitator.FeeRecipient, "CEDROS_FEE_RECIPIENT")
	setIfEnv(&c.Facilitator.MinAmount, "CEDROS_MIN_AMOUNT")
	setIfEnv(&c.Facilitator.MaxAmount, "CEDROS_MAX_AMOUNT")
	setDurationIfEnv(&c.Facilitator.MaxPaymentAge, "CEDROS_MAX_PAYMENT_AGE")

	// Signer config (secrets normally arrive here via .env rather than YAML)
	setIfEnv(&c.Signer.Mode, "CEDROS_SIGNER_MODE")
	setIfEnv(&c.Signer.ServiceID, "CEDROS_KMS_SERVICE_ID")
	setIfEnv(&c.Signer.ServiceID, "CEDROS_SIGNER_SERVICE_ID")
	setIfEnv(&c.Signer.URL, "CEDROS_SIGNER_URL")
	setIfEnv(&c.Signer.APIKey, "CEDROS_SIGNER_API_KEY")
	setIfEnv(&c.Signer.DevPrivateKey, "CEDROS_SIGNER_DEV_PRIVATE_KEY")
	setDurationIfEnv(&c.Signer.Timeout, "CEDROS_SIGNER_TIMEOUT")
	setDurationIfEnv(&c.Signer.HealthTTL, "CEDROS_SIGNER_HEALTH_TTL")

	// Per-chain RPC overrides (CEDROS_CHAIN_8453_RPC_URL=...) keep provider keys out of YAML
	for i := range c.Chains {
		id := c.Chains[i].ChainID
		if known, ok := KnownNetworks[strings.ToLower(c.Chains[i].Network)]; ok && id == 0 {
			id = known.ChainID
		}
		setIfEnv(&c.Chains[i].RPCURL, fmt.Sprintf("CEDROS_CHAIN_%d_RPC_URL", id))
	}

	// Settlement config
	setDurationIfEnv(&c.Settlement.ConfirmationTimeout, "CEDROS_SETTLEMENT_CONFIRMATION_TIMEOUT")
	setDurationIfEnv(&c.Settlement.PollInterval, "CEDROS_SETTLEMENT_POLL_INTERVAL")
	setDurationIfEnv(&c.Settlement.RPCTimeout, "CEDROS_SETTLEMENT_RPC_TIMEOUT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "CEDROS_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "CEDROS_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "CEDROS_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "CEDROS_MONGODB_DATABASE")
	setIfEnv(&c.Storage.FilePath, "CEDROS_STORAGE_FILE_PATH")
	setIfEnv(&c.Storage.SettlementsTable, "CEDROS_STORAGE_SETTLEMENTS_TABLE")

	// Settlement webhook (CEDROS_CALLBACK_HEADER_X_API_KEY=... becomes X-Api-Key)
	setIfEnv(&c.Callbacks.SettlementURL, "CEDROS_CALLBACK_SETTLEMENT_URL")
	setDurationIfEnv(&c.Callbacks.Timeout, "CEDROS_CALLBACK_TIMEOUT")
	setBoolIfEnv(&c.Callbacks.DLQEnabled, "CEDROS_CALLBACK_DLQ_ENABLED")
	setIfEnv(&c.Callbacks.DLQPath, "CEDROS_CALLBACK_DLQ_PATH")
	c.Callbacks.Headers = headersFromEnv("CEDROS_CALLBACK_HEADER_", c.Callbacks.Headers)

	// Gas balance monitoring
	setIfEnv(&c.Monitoring.LowBalanceAlertURL, "CEDROS_MONITORING_LOW_BALANCE_ALERT_URL")
	if v := os.Getenv("CEDROS_MONITORING_LOW_BALANCE_THRESHOLD"); v != "" {
		if threshold, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			c.Monitoring.LowBalanceThreshold = threshold
		}
	}
	setDurationIfEnv(&c.Monitoring.CheckInterval, "CEDROS_MONITORING_CHECK_INTERVAL")
	setDurationIfEnv(&c.Monitoring.Timeout, "CEDROS_MONITORING_TIMEOUT")
	c.Monitoring.Headers = headersFromEnv("CEDROS_MONITORING_HEADER_", c.Monitoring.Headers)

	// Rate limits
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "CEDROS_RATE_LIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "CEDROS_RATE_LIMIT_GLOBAL_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerPayerEnabled, "CEDROS_RATE_LIMIT_PER_PAYER_ENABLED")
	setIntIfEnv(&c.RateLimit.PerPayerLimit, "CEDROS_RATE_LIMIT_PER_PAYER_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "CEDROS_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "CEDROS_RATE_LIMIT_PER_IP_LIMIT")

	// Circuit breakers
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "CEDROS_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setUint32IfEnv sets a uint32 pointer from an environment variable; unparsable values are ignored.
func setUint32IfEnv(target *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32); err == nil {
			*target = uint32(n)
		}
	}
}

func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

// headersFromEnv merges PREFIX_NAME=value variables into headers, mapping
// underscores in NAME to dashes.
func headersFromEnv(prefix string, headers map[string]string) map[string]string {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], prefix)
		if name == "" {
			continue
		}
		if headers == nil {
			headers = make(map[string]string)
		}
		headers[textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))] = parts[1]
	}
	return headers
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "x402" -> "/x402"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
