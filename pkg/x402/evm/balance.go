package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/facilitator/pkg/x402"
)

// ErrBalanceUnsupported is returned when a chain's client cannot read balances.
var ErrBalanceUnsupported = errors.New("evm: client cannot read balances")

// GasBalance is the native balance of the settlement signer on one chain.
type GasBalance struct {
	ChainID uint64
	Network string
	Address common.Address
	Wei     *big.Int
}

// BalanceAt reads the latest native balance of account.
func (g *guardedClient) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	reader, ok := g.inner.(BalanceReader)
	if !ok {
		return nil, ErrBalanceUnsupported
	}
	return guarded(ctx, g, "eth_getBalance", true, func(ctx context.Context) (*big.Int, error) {
		return reader.BalanceAt(ctx, account, block)
	})
}

// GasBalance reports how much native gas the settlement signer holds on chainID.
func (s *Settler) GasBalance(ctx context.Context, chainID uint64) (GasBalance, error) {
	chain, err := s.verifier.Registry().Get(chainID)
	if err != nil {
		return GasBalance{}, x402.NewError(x402.ReasonUnsupportedChain, err)
	}
	from, err := s.signer.Address(ctx, s.cfg.ServiceID)
	if err != nil {
		return GasBalance{}, x402.NewError(x402.ReasonSignerUnavailable, err)
	}
	client, err := s.client(chain)
	if err != nil {
		return GasBalance{}, x402.NewError(x402.ReasonUnsupportedChain, err)
	}

	wei, err := client.(*guardedClient).BalanceAt(ctx, from, nil)
	if err != nil {
		if errors.Is(err, ErrBalanceUnsupported) {
			return GasBalance{}, err
		}
		return GasBalance{}, x402.NewError(x402.ReasonRPCUnavailable, fmt.Errorf("read %s balance: %w", chain.Network, err))
	}
	return GasBalance{ChainID: chain.ChainID, Network: chain.Network, Address: from, Wei: wei}, nil
}
