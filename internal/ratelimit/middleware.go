package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/CedrosPay/facilitator/internal/config"
	apierrors "github.com/CedrosPay/facilitator/internal/errors"
	"github.com/CedrosPay/facilitator/internal/metrics"
)

// Limit type labels used in metrics and responses.
const (
	LimitGlobal   = "global"
	LimitPerPayer = "per_payer"
	LimitPerIP    = "per_ip"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-payer rate limiting (payer extracted by PayerKey)
	PerPayerEnabled bool
	PerPayerLimit   int
	PerPayerWindow  time.Duration

	// Per-IP rate limiting
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// PayerKey returns the payer address for a request, or "" when unknown.
	PayerKey func(*http.Request) string

	// Exempt reports requests that skip every tier, e.g. operator traffic.
	Exempt func(*http.Request) bool

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// FromConfig maps the file/env configuration onto limiter settings.
func FromConfig(cfg config.RateLimitConfig) Config {
	return Config{
		GlobalEnabled:   cfg.GlobalEnabled,
		GlobalLimit:     cfg.GlobalLimit,
		GlobalWindow:    cfg.GlobalWindow.Duration,
		PerPayerEnabled: cfg.PerPayerEnabled,
		PerPayerLimit:   cfg.PerPayerLimit,
		PerPayerWindow:  cfg.PerPayerWindow.Duration,
		PerIPEnabled:    cfg.PerIPEnabled,
		PerIPLimit:      cfg.PerIPLimit,
		PerIPWindow:     cfg.PerIPWindow.Duration,
	}
}

// Middleware chains the global, per-IP and per-payer tiers in that order.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	global, perIP, perPayer := GlobalLimiter(cfg), IPLimiter(cfg), PayerLimiter(cfg)
	return func(next http.Handler) http.Handler {
		return global(perIP(perPayer(next)))
	}
}

// limitHandler writes the 429 response for a tier.
func limitHandler(limitType string, window time.Duration, m *metrics.Metrics) http.HandlerFunc {
	retryAfter := int(window.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	var message string
	switch limitType {
	case LimitGlobal:
		message = "Global rate limit exceeded. Please try again later."
	case LimitPerPayer:
		message = "Per-payer rate limit exceeded. Please try again later."
	case LimitPerIP:
		message = "IP rate limit exceeded. Please try again later."
	default:
		message = "Rate limit exceeded. Please try again later."
	}

	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveRateLimit(limitType)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		apierrors.WriteError(w, apierrors.ErrCodeRateLimited, message, map[string]any{
			"limitType":         limitType,
			"retryAfterSeconds": retryAfter,
		})
	}
}

// withExemption skips limiter for requests the config marks exempt.
func withExemption(cfg Config, limiter func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if cfg.Exempt == nil {
		return limiter
	}
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled || cfg.GlobalLimit <= 0 {
		return passthrough
	}
	limiter := httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(httprate.Key(LimitGlobal)),
		httprate.WithLimitHandler(limitHandler(LimitGlobal, cfg.GlobalWindow, cfg.Metrics)),
	)
	return withExemption(cfg, limiter)
}

// PayerLimiter creates a per-payer rate limiter middleware. Requests whose payer
// cannot be determined fall back to their client IP.
func PayerLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerPayerEnabled || cfg.PerPayerLimit <= 0 {
		return passthrough
	}
	limiter := httprate.Limit(
		cfg.PerPayerLimit,
		cfg.PerPayerWindow,
		httprate.WithKeyFuncs(payerKeyFunc(cfg.PayerKey)),
		httprate.WithLimitHandler(limitHandler(LimitPerPayer, cfg.PerPayerWindow, cfg.Metrics)),
	)
	return withExemption(cfg, limiter)
}

// IPLimiter creates a per-IP rate limiter middleware.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return passthrough
	}
	limiter := httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler(LimitPerIP, cfg.PerIPWindow, cfg.Metrics)),
	)
	return withExemption(cfg, limiter)
}

func payerKeyFunc(extract func(*http.Request) string) httprate.KeyFunc {
	return func(r *http.Request) (string, error) {
		if extract != nil {
			if payer := strings.ToLower(strings.TrimSpace(extract(r))); payer != "" {
				return "payer:" + payer, nil
			}
		}
		return httprate.KeyByIP(r)
	}
}
