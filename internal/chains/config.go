package chains

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/pkg/x402"
)

// FromConfig converts YAML chain entries into a Registry. Address parse errors are
// collected so operators see every bad entry at once.
func FromConfig(entries []config.ChainConfig) (*Registry, error) {
	var (
		out  []ChainConfig
		errs []string
	)
	for i, e := range entries {
		prefix := fmt.Sprintf("chains[%d]", i)
		contract, err := parseAddress(prefix+".facilitator_contract", e.FacilitatorContract)
		if err != nil {
			errs = append(errs, err.Error())
		}
		verifying, err := parseAddress(prefix+".domain.verifying_contract", e.Domain.VerifyingContract)
		if err != nil {
			errs = append(errs, err.Error())
		}

		tokens := make([]TokenConfig, 0, len(e.Tokens))
		for j, t := range e.Tokens {
			addr, err := parseAddress(fmt.Sprintf("%s.tokens[%d].address", prefix, j), t.Address)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			tokens = append(tokens, TokenConfig{Address: addr, Symbol: t.Symbol, Decimals: t.Decimals})
		}

		out = append(out, ChainConfig{
			ChainID:             e.ChainID,
			Network:             e.Network,
			RPCURL:              e.RPCURL,
			FacilitatorContract: contract,
			Tokens:              tokens,
			Primary:             e.Primary,
			Domain: x402.Domain{
				Name:              e.Domain.Name,
				Version:           e.Domain.Version,
				ChainID:           e.ChainID,
				VerifyingContract: verifying,
			},
		})
	}
	if len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "; "))
	}
	return NewRegistry(out)
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, fmt.Errorf("%s is required", field)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}
