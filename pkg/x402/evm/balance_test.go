package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/facilitator/pkg/x402"
)

// balanceChain adds eth_getBalance to fakeChain.
type balanceChain struct {
	*fakeChain
	wei     *big.Int
	err     error
	account common.Address
}

func (b *balanceChain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.account = account
	if b.err != nil {
		return nil, b.err
	}
	return b.wei, nil
}

func balanceSettler(t *testing.T, client ChainClient, signer *keySigner) *Settler {
	t.Helper()
	return NewSettler(
		testVerifier(t, Limits{}),
		NewClientPool(map[uint64]ChainClient{testChainID: client}),
		signer,
		SettlerConfig{ServiceID: "facilitator-test"},
	)
}

func TestGasBalance(t *testing.T) {
	signer := newKeySigner(t)
	chain := &balanceChain{fakeChain: newFakeChain(), wei: big.NewInt(5e15)}
	s := balanceSettler(t, chain, signer)

	bal, err := s.GasBalance(context.Background(), testChainID)
	if err != nil {
		t.Fatalf("GasBalance() error = %v", err)
	}
	want := crypto.PubkeyToAddress(signer.key.PublicKey)
	if bal.Address != want || chain.account != want {
		t.Errorf("balance read for %s, want signer %s", chain.account.Hex(), want.Hex())
	}
	if bal.Wei.Cmp(big.NewInt(5e15)) != 0 || bal.ChainID != testChainID {
		t.Errorf("GasBalance() = %+v", bal)
	}
}

func TestGasBalance_Errors(t *testing.T) {
	t.Run("unknown chain", func(t *testing.T) {
		s := balanceSettler(t, newFakeChain(), newKeySigner(t))
		if _, err := s.GasBalance(context.Background(), 1); x402.ReasonOf(err) != x402.ReasonUnsupportedChain {
			t.Errorf("error = %v, want UnsupportedChain", err)
		}
	})

	t.Run("client without balance reads", func(t *testing.T) {
		s := balanceSettler(t, newFakeChain(), newKeySigner(t))
		if _, err := s.GasBalance(context.Background(), testChainID); !errors.Is(err, ErrBalanceUnsupported) {
			t.Errorf("error = %v, want ErrBalanceUnsupported", err)
		}
	})

	t.Run("rpc failure", func(t *testing.T) {
		chain := &balanceChain{fakeChain: newFakeChain(), err: errors.New("connection refused")}
		s := balanceSettler(t, chain, newKeySigner(t))
		if _, err := s.GasBalance(context.Background(), testChainID); x402.ReasonOf(err) != x402.ReasonRPCUnavailable {
			t.Errorf("error = %v, want RPCUnavailable", err)
		}
	})
}
