package chains

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/CedrosPay/facilitator/pkg/x402"
)

var (
	// ErrUnsupportedChain is returned for chain ids missing from the registry.
	ErrUnsupportedChain = errors.New("unsupported chain")
	// ErrUnsupportedToken is returned for tokens missing from a chain's token list.
	ErrUnsupportedToken = errors.New("unsupported token")
)

// TokenConfig describes one settlement token on a chain.
type TokenConfig struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Format renders an atomic amount in whole token units, e.g. 1500000 -> "1.5" for 6 decimals.
func (t TokenConfig) Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(t.Decimals)).String()
}

// ChainConfig is the immutable description of one supported chain.
type ChainConfig struct {
	ChainID             uint64
	Network             string
	RPCURL              string
	FacilitatorContract common.Address
	Tokens              []TokenConfig
	Domain              x402.Domain
	Primary             bool
}

// Token looks up a token on this chain by address.
func (c ChainConfig) Token(addr common.Address) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if t.Address == addr {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// Registry is a read-only table of supported chains, built once.
type Registry struct {
	chains  map[uint64]ChainConfig
	ordered []ChainConfig
	primary uint64
}

// NewRegistry builds a registry. The first chain marked Primary (or the first chain
// when none is marked) becomes the primary chain. Duplicate chain ids are rejected.
func NewRegistry(configs []ChainConfig) (*Registry, error) {
	r := &Registry{chains: make(map[uint64]ChainConfig, len(configs))}
	for _, c := range configs {
		if _, dup := r.chains[c.ChainID]; dup {
			return nil, fmt.Errorf("chains: duplicate chain id %d", c.ChainID)
		}
		c.Tokens = append([]TokenConfig(nil), c.Tokens...)
		r.chains[c.ChainID] = c
		r.ordered = append(r.ordered, c)
		if c.Primary && r.primary == 0 {
			r.primary = c.ChainID
		}
	}
	if r.primary == 0 && len(configs) > 0 {
		r.primary = configs[0].ChainID
	}
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].ChainID < r.ordered[j].ChainID })
	return r, nil
}

// Get returns the chain for chainID or ErrUnsupportedChain.
func (r *Registry) Get(chainID uint64) (ChainConfig, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return c, nil
}

// Primary returns the default chain.
func (r *Registry) Primary() (ChainConfig, error) {
	if len(r.chains) == 0 {
		return ChainConfig{}, fmt.Errorf("%w: registry is empty", ErrUnsupportedChain)
	}
	return r.Get(r.primary)
}

// Token returns the token config for (chainID, token).
func (r *Registry) Token(chainID uint64, token common.Address) (TokenConfig, error) {
	c, err := r.Get(chainID)
	if err != nil {
		return TokenConfig{}, err
	}
	t, ok := c.Token(token)
	if !ok {
		return TokenConfig{}, fmt.Errorf("%w: %s on chain %d", ErrUnsupportedToken, token.Hex(), chainID)
	}
	return t, nil
}

// Chains returns every chain ordered by chain id.
func (r *Registry) Chains() []ChainConfig {
	out := make([]ChainConfig, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Validate reports configuration problems. An empty slice means the registry is usable.
func (r *Registry) Validate() []string {
	var errs []string
	if len(r.chains) == 0 {
		errs = append(errs, "chains: at least one chain must be configured")
	}
	for _, c := range r.ordered {
		prefix := fmt.Sprintf("chains[%d]", c.ChainID)
		if c.ChainID == 0 {
			errs = append(errs, "chains: chain_id must be non-zero")
		}
		if c.Network == "" {
			errs = append(errs, prefix+".network is required")
		}
		if u, err := url.Parse(c.RPCURL); c.RPCURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, prefix+".rpc_url must be an absolute URL")
		}
		if c.FacilitatorContract == (common.Address{}) {
			errs = append(errs, prefix+".facilitator_contract is required")
		}
		if c.Domain.Name == "" || c.Domain.Version == "" {
			errs = append(errs, prefix+".domain name and version are required")
		}
		if c.Domain.ChainID != c.ChainID {
			errs = append(errs, fmt.Sprintf("%s.domain chain id %d does not match", prefix, c.Domain.ChainID))
		}
		if c.Domain.VerifyingContract == (common.Address{}) {
			errs = append(errs, prefix+".domain verifying_contract is required")
		}
		if len(c.Tokens) == 0 {
			errs = append(errs, prefix+".tokens must list at least one token")
		}
		seen := make(map[common.Address]bool, len(c.Tokens))
		for _, t := range c.Tokens {
			if t.Address == (common.Address{}) {
				errs = append(errs, prefix+".tokens: zero token address")
			}
			if seen[t.Address] {
				errs = append(errs, fmt.Sprintf("%s.tokens: duplicate token %s", prefix, t.Address.Hex()))
			}
			seen[t.Address] = true
		}
	}
	return errs
}
