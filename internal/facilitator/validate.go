package facilitator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/facilitator/internal/chains"
	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/pkg/x402"
)

// ValidationResult lists every business rule the configuration breaks.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateConfig checks the rules a facilitator needs before it may settle
// anything. Structural checks (required fields, URL syntax) happen in config.Load.
func ValidateConfig(cfg *config.Config) ValidationResult {
	if cfg == nil {
		return ValidationResult{Errors: []string{"config is required"}}
	}

	var errs []string
	fc := cfg.Facilitator

	if fc.FeeBps > x402.MaxFeeBasisPoints {
		errs = append(errs, fmt.Sprintf("facilitator.fee_bps %d must be between 0 and %d", fc.FeeBps, x402.MaxFeeBasisPoints))
	}

	feeRecipient, recipientErr := parseFeeRecipient(fc.FeeRecipient)
	if recipientErr != nil {
		errs = append(errs, recipientErr.Error())
	}
	if fc.IsProduction() {
		if recipientErr == nil && feeRecipient == (common.Address{}) {
			errs = append(errs, "facilitator.fee_recipient must be a non-zero address in production")
		}
		if cfg.Signer.Mode == config.SignerModeLocal {
			errs = append(errs, "signer.mode 'local' is not allowed in production")
		}
	}

	minAmount, minErr := fc.MinAmountValue()
	if minErr != nil {
		errs = append(errs, minErr.Error())
	}
	maxAmount, maxErr := fc.MaxAmountValue()
	if maxErr != nil {
		errs = append(errs, maxErr.Error())
	}
	if minErr == nil && maxErr == nil && maxAmount != nil && minAmount.Cmp(maxAmount) > 0 {
		errs = append(errs, fmt.Sprintf("facilitator.min_amount %s exceeds max_amount %s", minAmount, maxAmount))
	}

	if cfg.Signer.ServiceID == "" {
		errs = append(errs, "signer.service_id is required")
	}

	registry, err := chains.FromConfig(cfg.Chains)
	if err != nil {
		errs = append(errs, err.Error())
	} else {
		errs = append(errs, registry.Validate()...)
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func parseFeeRecipient(raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("facilitator.fee_recipient %q is not a hex address", raw)
	}
	return common.HexToAddress(raw), nil
}

// ConfigStatus is the operator view of the running configuration.
type ConfigStatus struct {
	Environment           string   `json:"environment"`
	KMSServiceID          string   `json:"kmsServiceId"`
	KMSAvailable          bool     `json:"kmsAvailable"`
	SigningMode           string   `json:"signingMode"`
	SignerAddress         string   `json:"signerAddress,omitempty"`
	FacilitatorConfigured bool     `json:"facilitatorConfigured"`
	FeeBps                uint32   `json:"feeBps"`
	Chains                []uint64 `json:"chains"`
	Errors                []string `json:"errors,omitempty"`
}

// ConfigStatus combines the static configuration with a live signer probe.
func (f *Facilitator) ConfigStatus(ctx context.Context) ConfigStatus {
	rt, done := f.acquire()
	defer done()

	validation := ValidateConfig(rt.cfg)
	health := rt.signer.CheckHealth(ctx)

	status := ConfigStatus{
		Environment:           rt.cfg.Facilitator.Environment,
		KMSServiceID:          rt.cfg.Signer.ServiceID,
		KMSAvailable:          health.Available,
		SigningMode:           rt.cfg.Signer.Mode,
		FacilitatorConfigured: validation.Valid && health.Available,
		FeeBps:                rt.cfg.Facilitator.FeeBps,
		Errors:                validation.Errors,
	}
	if health.Available {
		if addr, err := rt.signer.Address(ctx, rt.cfg.Signer.ServiceID); err == nil {
			status.SignerAddress = addr.Hex()
		}
	}
	for _, c := range rt.registry.Chains() {
		status.Chains = append(status.Chains, c.ChainID)
	}
	return status
}
