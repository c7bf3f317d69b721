// Package signer provides the delegated signing backends used for settlement
// transactions: a remote KMS service over HTTP, and a local key for development.
package signer

import (
	"fmt"

	"github.com/CedrosPay/facilitator/internal/circuitbreaker"
	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/metrics"
	"github.com/CedrosPay/facilitator/pkg/x402"
)

// New builds the signer selected by cfg.Mode.
func New(cfg config.SignerConfig, m *metrics.Metrics, breakers *circuitbreaker.Manager) (x402.Signer, error) {
	switch cfg.Mode {
	case config.SignerModeRemote, "":
		s, err := NewRemoteSigner(cfg.URL, cfg.APIKey, cfg.Timeout.Duration,
			WithMetrics(m),
			WithBreakers(breakers),
			WithHealthTTL(cfg.HealthTTL.Duration),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.SignerModeLocal:
		s, err := NewLocalSigner(cfg.DevPrivateKey)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("signer: unknown mode %q", cfg.Mode)
	}
}
