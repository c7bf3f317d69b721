package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/facilitator/internal/chains"
	"github.com/CedrosPay/facilitator/pkg/x402"
)

const testChainID uint64 = 84532

var (
	testToken     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testEURC      = common.HexToAddress("0x808456652fdb597867f38412077A9182bf77359F")
	testContract  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testRecipient = common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
	testFeeWallet = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testNow       = time.Unix(1_700_000_000, 0)
)

func testDomain() x402.Domain {
	return x402.Domain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           testChainID,
		VerifyingContract: testContract,
	}
}

func testRegistry(t *testing.T) *chains.Registry {
	t.Helper()
	registry, err := chains.NewRegistry([]chains.ChainConfig{{
		ChainID:             testChainID,
		Network:             "base-sepolia",
		RPCURL:              "http://127.0.0.1:8545",
		FacilitatorContract: testContract,
		Domain:              testDomain(),
		Primary:             true,
		Tokens: []chains.TokenConfig{
			{Address: testToken, Symbol: "USDC", Decimals: 6},
			{Address: testEURC, Symbol: "EURC", Decimals: 6},
		},
	}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return registry
}

func testVerifier(t *testing.T, limits Limits) *Verifier {
	t.Helper()
	return NewVerifier(testRegistry(t), limits, WithClock(func() time.Time { return testNow }))
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return key
}

func testRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:        x402.SchemeExact,
		ChainID:       testChainID,
		Token:         testToken,
		MinAmount:     big.NewInt(1_000_000),
		Recipient:     testRecipient,
		MaxPaymentAge: 300,
	}
}

// signedPayload builds a valid authorization from key, applies mutate, then signs it.
func signedPayload(t *testing.T, key *ecdsa.PrivateKey, mutate func(*x402.PaymentPayload)) x402.PaymentPayload {
	t.Helper()
	now := uint64(testNow.Unix())
	p := x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		ChainID:     testChainID,
		Payer:       crypto.PubkeyToAddress(key.PublicKey),
		Token:       testToken,
		Amount:      big.NewInt(1_000_000),
		Nonce:       common.BytesToHash([]byte{0x01}),
		ValidAfter:  now - 10,
		ValidBefore: now + 290,
	}
	if mutate != nil {
		mutate(&p)
	}
	sig, err := SignAuthorization(testDomain(), p, testRecipient, func(digest []byte) ([]byte, error) {
		return crypto.Sign(digest, key)
	})
	if err != nil {
		t.Fatalf("SignAuthorization() error = %v", err)
	}
	p.Signature = sig
	return p
}

// keySigner is an in-process x402.Signer over a raw key.
type keySigner struct {
	key       *ecdsa.PrivateKey
	available bool
	signErr   error

	mu    sync.Mutex
	signs int
}

func newKeySigner(t *testing.T) *keySigner {
	return &keySigner{key: newKey(t), available: true}
}

func (s *keySigner) Sign(_ context.Context, _ string, digest []byte) ([]byte, error) {
	s.mu.Lock()
	s.signs++
	s.mu.Unlock()
	if s.signErr != nil {
		return nil, s.signErr
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (s *keySigner) CheckHealth(context.Context) x402.SignerHealth {
	if !s.available {
		return x402.SignerHealth{Mode: "test", Error: "signer offline"}
	}
	return x402.SignerHealth{Available: true, Mode: "test"}
}

func (s *keySigner) Address(context.Context, string) (common.Address, error) {
	return crypto.PubkeyToAddress(s.key.PublicKey), nil
}

// fakeChain is a ChainClient that mines settlement transactions against an in-memory
// authorizationState table.
type fakeChain struct {
	mu           sync.Mutex
	consumed     map[[32]byte]bool
	receipts     map[common.Hash]*types.Receipt
	sent         []*types.Transaction
	nextNonce    uint64
	block        int64
	holdReceipts bool
	callErr      error
	estimateErr  error
	sendErr      error
	calls        int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		consumed: make(map[[32]byte]bool),
		receipts: make(map[common.Hash]*types.Receipt),
		block:    100,
	}
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	method := facilitatorABI.Methods[methodAuthorizationState]
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(f.consumed[args[2].([32]byte)])
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.nextNonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	args, err := settleArgs(msg.Data)
	if err != nil {
		return 0, err
	}
	if f.consumed[args[6].([32]byte)] {
		return 0, errors.New("execution reverted: authorization is used")
	}
	return 90_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.sendErr != nil {
		return f.sendErr
	}
	if tx.Nonce() != f.nextNonce {
		return errors.New("nonce too low")
	}
	f.nextNonce++
	f.sent = append(f.sent, tx)
	if f.holdReceipts {
		return nil
	}

	args, err := settleArgs(tx.Data())
	if err != nil {
		return err
	}
	nonce := args[6].([32]byte)
	status := types.ReceiptStatusSuccessful
	if f.consumed[nonce] {
		status = types.ReceiptStatusFailed
	}
	f.consumed[nonce] = true
	f.block++
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(f.block),
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// mineHeld includes every transaction sent while receipts were held.
func (f *fakeChain) mineHeld() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdReceipts = false
	for _, tx := range f.sent {
		if _, ok := f.receipts[tx.Hash()]; ok {
			continue
		}
		args, err := settleArgs(tx.Data())
		if err != nil {
			continue
		}
		f.consumed[args[6].([32]byte)] = true
		f.block++
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      tx.Hash(),
			BlockNumber: big.NewInt(f.block),
		}
	}
}

func (f *fakeChain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeChain) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func settleArgs(data []byte) ([]interface{}, error) {
	if len(data) < 4 {
		return nil, errors.New("short calldata")
	}
	return facilitatorABI.Methods[methodSettle].Inputs.Unpack(data[4:])
}
