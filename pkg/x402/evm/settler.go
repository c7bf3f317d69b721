package evm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/CedrosPay/facilitator/internal/chains"
	"github.com/CedrosPay/facilitator/internal/circuitbreaker"
	"github.com/CedrosPay/facilitator/internal/logger"
	"github.com/CedrosPay/facilitator/internal/metrics"
	"github.com/CedrosPay/facilitator/internal/storage"
	"github.com/CedrosPay/facilitator/pkg/x402"
)

// Ledger is the part of the settlement store the settler writes through.
type Ledger interface {
	RecordSettlement(ctx context.Context, rec storage.SettlementRecord) error
	GetSettlement(ctx context.Context, key storage.SettlementKey) (storage.SettlementRecord, error)
}

// SettlerConfig holds the settlement policy.
type SettlerConfig struct {
	ServiceID           string
	FeeBps              uint32
	FeeRecipient        common.Address
	ConfirmationTimeout time.Duration // ceiling on waiting for inclusion
	PollInterval        time.Duration
	RPCTimeout          time.Duration // per JSON-RPC call
	GasLimitMultiplier  float64
}

// Settler turns verified authorizations into on-chain transfers through the
// facilitator contract. Each call broadcasts at most one transaction.
type Settler struct {
	verifier *Verifier
	clients  ClientSource
	signer   x402.Signer
	cfg      SettlerConfig
	ledger   Ledger
	metrics  *metrics.Metrics
	breakers *circuitbreaker.Manager

	inflight singleflight.Group

	submitMu    sync.Mutex
	submitLocks map[uint64]*sync.Mutex // per-chain lock around nonce fetch and broadcast
}

// SettlerOption customizes a Settler.
type SettlerOption func(*Settler)

// WithLedger records outcomes in l and consults it before touching the chain.
func WithLedger(l Ledger) SettlerOption {
	return func(s *Settler) { s.ledger = l }
}

// WithMetrics attaches settlement and RPC metrics.
func WithMetrics(m *metrics.Metrics) SettlerOption {
	return func(s *Settler) { s.metrics = m }
}

// WithBreakers routes chain RPC calls through the chain_rpc circuit breaker.
func WithBreakers(b *circuitbreaker.Manager) SettlerOption {
	return func(s *Settler) { s.breakers = b }
}

// NewSettler creates a settler. The verifier supplies both the acceptance rules and the registry.
func NewSettler(verifier *Verifier, clients ClientSource, signer x402.Signer, cfg SettlerConfig, opts ...SettlerOption) *Settler {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = x402.DefaultConfirmationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = x402.ReceiptPollInterval
	}
	if cfg.GasLimitMultiplier < 1 {
		cfg.GasLimitMultiplier = 1
	}

	s := &Settler{
		verifier:    verifier,
		clients:     clients,
		signer:      signer,
		cfg:         cfg,
		submitLocks: make(map[uint64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle verifies p against req and, if valid, settles it on chain.
//
// Concurrent calls carrying the same signed authorization share one attempt; the
// callers that did not run it see AlreadySettled when it succeeded.
func (s *Settler) Settle(ctx context.Context, p x402.PaymentPayload, req x402.PaymentRequirements) x402.SettlementResult {
	start := time.Now()
	network := s.networkName(req.ChainID)

	var res x402.SettlementResult
	if vr := s.verifier.Verify(ctx, p, req); !vr.Valid {
		res = x402.Failed(vr.Reason)
	} else {
		key := settlementKey(req.ChainID, p)
		leader := false
		// The shared attempt outlives any one caller; the confirmation ceiling bounds it.
		shared := context.WithoutCancel(ctx)
		v, _, _ := s.inflight.Do(key.String()+":"+common.Bytes2Hex(p.Signature), func() (interface{}, error) {
			leader = true
			return s.settle(shared, p, req, key), nil
		})
		res = v.(x402.SettlementResult)
		if !leader && res.Status == x402.StatusSettled {
			res.Status = x402.StatusAlreadySettled
		}
	}

	res.ChainID = req.ChainID
	res.Payer = p.Payer
	if res.FeeAmount == nil {
		res.FeeAmount, res.NetAmount = new(big.Int), new(big.Int)
	}

	s.metrics.ObserveSettlement(network, string(res.Status), string(res.Reason), time.Since(start))
	s.logOutcome(ctx, network, p, res)
	return res
}

func (s *Settler) settle(ctx context.Context, p x402.PaymentPayload, req x402.PaymentRequirements, key storage.SettlementKey) x402.SettlementResult {
	log := logger.FromContext(ctx)

	chain, err := s.verifier.Registry().Get(req.ChainID)
	if err != nil {
		return x402.Failed(x402.ReasonUnsupportedChain)
	}
	fee, net := x402.SplitFee(p.Amount, s.cfg.FeeBps)
	entry := ledgerEntry{key: key, chain: chain, p: p, to: req.Recipient, fee: fee, net: net}

	// A final ledger record answers without touching the chain.
	if prior, ok := s.finalRecord(ctx, key); ok {
		res := x402.AlreadySettled(fee, net)
		res.TxHash = common.HexToHash(prior.TxHash)
		res.BlockNumber = prior.BlockNumber
		return res
	}

	if health := s.signer.CheckHealth(ctx); !health.Available {
		log.Warn().Str("signer_error", health.Error).Msg("settlement.signer_unavailable")
		return x402.Failed(x402.ReasonSignerUnavailable)
	}

	client, err := s.client(chain)
	if err != nil {
		return x402.Failed(x402.ReasonUnsupportedChain)
	}

	consumed, err := s.authorizationUsed(ctx, client, chain, p)
	if err != nil {
		log.Warn().Err(err).Msg("settlement.authorization_state_failed")
		return x402.Failed(x402.ReasonRPCUnavailable)
	}
	if consumed {
		s.record(ctx, entry, storage.StatusConsumed, common.Hash{}, 0)
		return x402.AlreadySettled(fee, net)
	}

	from, err := s.signer.Address(ctx, s.cfg.ServiceID)
	if err != nil {
		log.Warn().Err(err).Msg("settlement.signer_address_failed")
		return x402.Failed(x402.ReasonSignerUnavailable)
	}

	data, err := packSettle(p, req.Recipient, fee, s.cfg.FeeRecipient)
	if err != nil {
		log.Error().Err(err).Msg("settlement.pack_failed")
		return x402.Failed(x402.ReasonMalformedPayload)
	}

	tx, reason := s.submit(ctx, client, chain, from, data)
	if reason != "" {
		// A rejected submission may mean a competing settle consumed the nonce first.
		if reason == x402.ReasonSettlementReverted || reason == x402.ReasonRPCUnavailable {
			if used, err := s.authorizationUsed(ctx, client, chain, p); err == nil && used {
				s.record(ctx, entry, storage.StatusConsumed, common.Hash{}, 0)
				return x402.AlreadySettled(fee, net)
			}
		}
		return x402.Failed(reason)
	}

	txHash := tx.Hash()
	s.record(ctx, entry, storage.StatusSubmitted, txHash, 0)
	log.Info().
		Str("tx_hash", txHash.Hex()).
		Str("network", chain.Network).
		Uint64("tx_nonce", tx.Nonce()).
		Msg("settlement.submitted")

	receipt, err := s.awaitReceipt(ctx, client, txHash)
	if err != nil {
		res := x402.Failed(x402.ReasonSettlementTimeout)
		res.TxHash = txHash
		return res
	}

	block := uint64(0)
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		if used, err := s.authorizationUsed(ctx, client, chain, p); err == nil && used {
			s.record(ctx, entry, storage.StatusConsumed, common.Hash{}, 0)
			return x402.AlreadySettled(fee, net)
		}
		s.record(ctx, entry, storage.StatusReverted, txHash, block)
		res := x402.Failed(x402.ReasonSettlementReverted)
		res.TxHash = txHash
		res.BlockNumber = block
		return res
	}

	s.record(ctx, entry, storage.StatusSettled, txHash, block)
	if token, ok := chain.Token(p.Token); ok {
		s.metrics.ObserveSettledAmount(chain.Network, token.Symbol, tokenUnits(token, p.Amount), tokenUnits(token, fee))
	}
	return x402.Settled(txHash, block, fee, net)
}

// submit builds, signs and broadcasts the settlement transaction. It returns a
// failure reason instead of an error; the broadcast itself is never retried.
func (s *Settler) submit(ctx context.Context, client ChainClient, chain chains.ChainConfig, from common.Address, data []byte) (*types.Transaction, x402.Reason) {
	log := logger.FromContext(ctx)
	contract := chain.FacilitatorContract

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("settlement.gas_price_failed")
		return nil, x402.ReasonRPCUnavailable
	}

	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		if isRevert(err) {
			log.Info().Err(err).Msg("settlement.estimate_reverted")
			return nil, x402.ReasonSettlementReverted
		}
		log.Warn().Err(err).Msg("settlement.estimate_gas_failed")
		return nil, x402.ReasonRPCUnavailable
	}
	gasLimit := uint64(math.Ceil(float64(gas) * s.cfg.GasLimitMultiplier))

	mu := s.submitLock(chain.ChainID)
	mu.Lock()
	defer mu.Unlock()

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		log.Warn().Err(err).Msg("settlement.nonce_failed")
		return nil, x402.ReasonRPCUnavailable
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &contract,
		Value:    new(big.Int),
		Data:     data,
	})

	txSigner := types.LatestSignerForChainID(new(big.Int).SetUint64(chain.ChainID))
	sighash := txSigner.Hash(tx)

	sig, err := s.signer.Sign(ctx, s.cfg.ServiceID, sighash.Bytes())
	if err != nil {
		log.Warn().Err(err).Msg("settlement.sign_failed")
		return nil, x402.ReasonSignerUnavailable
	}
	sig = normalizeRecoveryID(sig)

	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		log.Error().Err(err).Msg("settlement.signature_rejected")
		return nil, x402.ReasonSignerUnavailable
	}
	if sender, err := types.Sender(txSigner, signed); err != nil || sender != from {
		log.Error().
			Str("expected", from.Hex()).
			Str("recovered", sender.Hex()).
			Msg("settlement.signer_address_mismatch")
		return nil, x402.ReasonSignerUnavailable
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		if isRevert(err) {
			return nil, x402.ReasonSettlementReverted
		}
		log.Warn().Err(err).Str("tx_hash", signed.Hash().Hex()).Msg("settlement.broadcast_failed")
		return nil, x402.ReasonRPCUnavailable
	}

	return signed, ""
}

// awaitReceipt polls for the receipt until it appears or the confirmation ceiling passes.
func (s *Settler) awaitReceipt(ctx context.Context, client ChainClient, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	log := logger.FromContext(ctx)
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			log.Debug().Err(err).Str("tx_hash", hash.Hex()).Msg("settlement.receipt_poll_failed")
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("await receipt %s: %w", hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// authorizationUsed asks the facilitator contract whether the payer's nonce is spent.
func (s *Settler) authorizationUsed(ctx context.Context, client ChainClient, chain chains.ChainConfig, p x402.PaymentPayload) (bool, error) {
	data, err := packAuthorizationState(p.Token, p.Payer, p.Nonce)
	if err != nil {
		return false, err
	}
	contract := chain.FacilitatorContract
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return false, err
	}
	return unpackAuthorizationState(out)
}

// StatusReport combines the ledger and on-chain views of one authorization.
type StatusReport struct {
	Settled bool
	OnChain bool
	Record  *storage.SettlementRecord
}

// Status reports whether an authorization has been consumed, without settling anything.
func (s *Settler) Status(ctx context.Context, key storage.SettlementKey) (StatusReport, error) {
	chain, err := s.verifier.Registry().Get(key.ChainID)
	if err != nil {
		return StatusReport{}, x402.NewError(x402.ReasonUnsupportedChain, err)
	}

	var report StatusReport
	if s.ledger != nil {
		rec, err := s.ledger.GetSettlement(ctx, key)
		switch {
		case err == nil:
			report.Record = &rec
		case !errors.Is(err, storage.ErrNotFound):
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Msg("settlement.ledger_read_failed")
		}
	}

	client, err := s.client(chain)
	if err != nil {
		return StatusReport{}, x402.NewError(x402.ReasonUnsupportedChain, err)
	}
	used, err := s.authorizationUsed(ctx, client, chain, x402.PaymentPayload{
		Token: key.Token,
		Payer: key.Payer,
		Nonce: key.Nonce,
	})
	if err != nil {
		return StatusReport{}, x402.NewError(x402.ReasonRPCUnavailable, err)
	}

	report.OnChain = used
	report.Settled = used || (report.Record != nil && report.Record.Status.Final())
	return report, nil
}

func (s *Settler) client(chain chains.ChainConfig) (ChainClient, error) {
	inner, err := s.clients.Client(chain.ChainID)
	if err != nil {
		return nil, err
	}
	return &guardedClient{
		inner:    inner,
		network:  chain.Network,
		metrics:  s.metrics,
		breakers: s.breakers,
		timeout:  s.cfg.RPCTimeout,
	}, nil
}

func (s *Settler) submitLock(chainID uint64) *sync.Mutex {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	mu, ok := s.submitLocks[chainID]
	if !ok {
		mu = &sync.Mutex{}
		s.submitLocks[chainID] = mu
	}
	return mu
}

func (s *Settler) finalRecord(ctx context.Context, key storage.SettlementKey) (storage.SettlementRecord, bool) {
	if s.ledger == nil {
		return storage.SettlementRecord{}, false
	}
	rec, err := s.ledger.GetSettlement(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Msg("settlement.ledger_read_failed")
		}
		return storage.SettlementRecord{}, false
	}
	return rec, rec.Status.Final()
}

type ledgerEntry struct {
	key   storage.SettlementKey
	chain chains.ChainConfig
	p     x402.PaymentPayload
	to    common.Address
	fee   *big.Int
	net   *big.Int
}

// record writes to the ledger. Ledger failures are logged, never surfaced: the
// chain already holds the truth.
func (s *Settler) record(ctx context.Context, e ledgerEntry, status storage.SettlementStatus, txHash common.Hash, block uint64) {
	if s.ledger == nil {
		return
	}
	rec := storage.NewRecord(e.key)
	rec.Network = e.chain.Network
	rec.Recipient = e.to.Hex()
	rec.Amount = e.p.Amount.String()
	rec.FeeAmount = e.fee.String()
	rec.NetAmount = e.net.String()
	rec.Status = status
	if txHash != (common.Hash{}) {
		rec.TxHash = txHash.Hex()
		rec.BlockNumber = block
	}
	if err := s.ledger.RecordSettlement(ctx, rec); err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("key", rec.Key).
			Str("status", string(status)).
			Msg("settlement.ledger_write_failed")
	}
}

func (s *Settler) logOutcome(ctx context.Context, network string, p x402.PaymentPayload, res x402.SettlementResult) {
	log := logger.FromContext(ctx)
	var event *zerolog.Event
	switch res.Status {
	case x402.StatusSettled:
		event = log.Info()
	case x402.StatusAlreadySettled:
		event = log.Info()
	default:
		event = log.Warn().Str("reason", string(res.Reason))
	}
	if res.TxHash != (common.Hash{}) {
		event = event.Str("tx_hash", res.TxHash.Hex())
	}
	event.
		Str("network", network).
		Str("payer", logger.TruncateAddress(p.Payer.Hex())).
		Str("status", string(res.Status)).
		Msg("settlement.completed")
}

func (s *Settler) networkName(chainID uint64) string {
	if chain, err := s.verifier.Registry().Get(chainID); err == nil {
		return chain.Network
	}
	return "unknown"
}

func settlementKey(chainID uint64, p x402.PaymentPayload) storage.SettlementKey {
	return storage.SettlementKey{
		ChainID: chainID,
		Token:   p.Token,
		Payer:   p.Payer,
		Nonce:   p.Nonce,
	}
}

// normalizeRecoveryID maps a 27/28 recovery byte to the 0/1 form transactions use.
func normalizeRecoveryID(sig []byte) []byte {
	out := make([]byte, len(sig))
	copy(out, sig)
	if len(out) == x402.SignatureLength && out[64] >= 27 {
		out[64] -= 27
	}
	return out
}

func tokenUnits(token chains.TokenConfig, amount *big.Int) float64 {
	return decimal.NewFromBigInt(amount, -int32(token.Decimals)).InexactFloat64()
}
