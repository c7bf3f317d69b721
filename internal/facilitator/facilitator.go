// Package facilitator owns the running verification and settlement stack.
//
// A Facilitator is built once from configuration and can be rebuilt in place
// for credential rotation. Each build produces an immutable runtime (registry,
// signer, RPC clients, verifier, settler); Rebuild swaps it atomically and closes
// the replaced runtime once the calls already using it have finished.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/facilitator/internal/callbacks"
	"github.com/CedrosPay/facilitator/internal/chains"
	"github.com/CedrosPay/facilitator/internal/circuitbreaker"
	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/httputil"
	"github.com/CedrosPay/facilitator/internal/lifecycle"
	"github.com/CedrosPay/facilitator/internal/logger"
	"github.com/CedrosPay/facilitator/internal/metrics"
	"github.com/CedrosPay/facilitator/internal/signer"
	"github.com/CedrosPay/facilitator/internal/storage"
	"github.com/CedrosPay/facilitator/pkg/x402"
	"github.com/CedrosPay/facilitator/pkg/x402/evm"
)

// SignerFactory builds the delegated signer for a runtime.
type SignerFactory func(cfg config.SignerConfig) (x402.Signer, error)

// ClientDialer builds the per-chain RPC clients for a runtime. A returned value
// that implements io.Closer is closed with the runtime.
type ClientDialer func(ctx context.Context, registry *chains.Registry, cfg config.SettlementConfig) (evm.ClientSource, error)

type runtime struct {
	cfg       *config.Config
	registry  *chains.Registry
	signer    x402.Signer
	verifier  *evm.Verifier
	settler   *evm.Settler
	resources *lifecycle.Manager
	active    sync.WaitGroup
}

// Facilitator is the explicitly owned context object behind every HTTP route.
type Facilitator struct {
	ledger    storage.Store
	metrics   *metrics.Metrics
	breakers  *circuitbreaker.Manager
	clock     func() time.Time
	newSigner SignerFactory
	dial      ClientDialer
	notifier  callbacks.Notifier

	mu sync.RWMutex
	rt *runtime

	rebuildMu sync.Mutex
	retiring  sync.WaitGroup

	stats     counters
	startedAt time.Time
}

// Option customizes a Facilitator.
type Option func(*Facilitator)

// WithLedger records settlements in store. The ledger outlives rebuilds.
func WithLedger(store storage.Store) Option {
	return func(f *Facilitator) { f.ledger = store }
}

// WithMetrics attaches the Prometheus collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Facilitator) { f.metrics = m }
}

// WithBreakers shares circuit breakers across rebuilds.
func WithBreakers(b *circuitbreaker.Manager) Option {
	return func(f *Facilitator) { f.breakers = b }
}

// WithClock injects the time source used for validity windows.
func WithClock(clock func() time.Time) Option {
	return func(f *Facilitator) { f.clock = clock }
}

// WithSignerFactory replaces the config-driven signer constructor.
func WithSignerFactory(fn SignerFactory) Option {
	return func(f *Facilitator) { f.newSigner = fn }
}

// WithClientDialer replaces JSON-RPC dialing, typically with fakes.
func WithClientDialer(fn ClientDialer) Option {
	return func(f *Facilitator) { f.dial = fn }
}

// WithNotifier delivers a settlement.succeeded event for every fresh settlement.
func WithNotifier(n callbacks.Notifier) Option {
	return func(f *Facilitator) { f.notifier = n }
}

// New validates cfg and builds the first runtime. An invalid configuration
// returns an error carrying ReasonConfigInvalid.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Facilitator, error) {
	f := &Facilitator{
		clock:     time.Now,
		startedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.newSigner == nil {
		f.newSigner = func(sc config.SignerConfig) (x402.Signer, error) {
			return signer.New(sc, f.metrics, f.breakers)
		}
	}
	if f.dial == nil {
		f.dial = dialPool
	}
	if f.notifier == nil {
		f.notifier = callbacks.NoopNotifier{}
	}

	rt, err := f.build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.rt = rt
	return f, nil
}

func dialPool(ctx context.Context, registry *chains.Registry, sc config.SettlementConfig) (evm.ClientSource, error) {
	return evm.DialPool(ctx, registry, httputil.NewClient(sc.RPCTimeout.Duration))
}

func (f *Facilitator) build(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if res := ValidateConfig(cfg); !res.Valid {
		return nil, x402.Errorf(x402.ReasonConfigInvalid, "%s", strings.Join(res.Errors, "; "))
	}

	registry, err := chains.FromConfig(cfg.Chains)
	if err != nil {
		return nil, x402.NewError(x402.ReasonConfigInvalid, err)
	}
	minAmount, _ := cfg.Facilitator.MinAmountValue()
	maxAmount, _ := cfg.Facilitator.MaxAmountValue()
	feeRecipient, _ := parseFeeRecipient(cfg.Facilitator.FeeRecipient)

	resources := lifecycle.NewManager()

	sgn, err := f.newSigner(cfg.Signer)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}
	if closer, ok := sgn.(io.Closer); ok {
		resources.Register("signer", closer)
	}

	clients, err := f.dial(ctx, registry, cfg.Settlement)
	if err != nil {
		_ = resources.Close()
		return nil, fmt.Errorf("dial chains: %w", err)
	}
	if closer, ok := clients.(io.Closer); ok {
		resources.Register("rpc_clients", closer)
	}

	verifier := evm.NewVerifier(registry, evm.Limits{
		MinAmount:     minAmount,
		MaxAmount:     maxAmount,
		MaxPaymentAge: cfg.Facilitator.MaxPaymentAge.Duration,
	}, evm.WithClock(f.clock))

	settlerOpts := []evm.SettlerOption{
		evm.WithMetrics(f.metrics),
		evm.WithBreakers(f.breakers),
	}
	if f.ledger != nil {
		settlerOpts = append(settlerOpts, evm.WithLedger(f.ledger))
	}
	settler := evm.NewSettler(verifier, clients, sgn, evm.SettlerConfig{
		ServiceID:           cfg.Signer.ServiceID,
		FeeBps:              cfg.Facilitator.FeeBps,
		FeeRecipient:        feeRecipient,
		ConfirmationTimeout: cfg.Settlement.ConfirmationTimeout.Duration,
		PollInterval:        cfg.Settlement.PollInterval.Duration,
		RPCTimeout:          cfg.Settlement.RPCTimeout.Duration,
		GasLimitMultiplier:  cfg.Settlement.GasLimitMultiplier,
	}, settlerOpts...)

	return &runtime{
		cfg:       cfg,
		registry:  registry,
		signer:    sgn,
		verifier:  verifier,
		settler:   settler,
		resources: resources,
	}, nil
}

// acquire pins the current runtime until the returned func is called.
func (f *Facilitator) acquire() (*runtime, func()) {
	f.mu.RLock()
	rt := f.rt
	rt.active.Add(1)
	f.mu.RUnlock()
	return rt, rt.active.Done
}

// Rebuild replaces config, registry, signer and RPC clients in one step. On
// error the running runtime is untouched. The replaced runtime is closed after
// its in-flight calls finish; if ctx ends first, closing continues in the background.
func (f *Facilitator) Rebuild(ctx context.Context, cfg *config.Config) error {
	f.rebuildMu.Lock()
	defer f.rebuildMu.Unlock()

	next, err := f.build(ctx, cfg)
	f.metrics.ObserveConfigReload(err)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("facilitator.rebuild_failed")
		return err
	}

	f.mu.Lock()
	old := f.rt
	f.rt = next
	f.mu.Unlock()

	f.retire(ctx, old)

	log := logger.FromContext(ctx)
	log.Info().
		Str("environment", cfg.Facilitator.Environment).
		Int("chains", len(next.registry.Chains())).
		Msg("facilitator.rebuilt")
	return nil
}

func (f *Facilitator) retire(ctx context.Context, old *runtime) {
	drained := make(chan struct{})
	go func() {
		old.active.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		_ = old.resources.Close()
		return
	case <-ctx.Done():
	}

	f.retiring.Add(1)
	go func() {
		defer f.retiring.Done()
		<-drained
		_ = old.resources.Close()
	}()
}

// Close waits for in-flight calls and releases the current runtime.
func (f *Facilitator) Close() error {
	f.rebuildMu.Lock()
	defer f.rebuildMu.Unlock()

	f.mu.RLock()
	rt := f.rt
	f.mu.RUnlock()

	rt.active.Wait()
	err := rt.resources.Close()
	f.retiring.Wait()
	return err
}

// Config returns the configuration of the current runtime.
func (f *Facilitator) Config() *config.Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rt.cfg
}

// Registry returns the chain registry of the current runtime.
func (f *Facilitator) Registry() *chains.Registry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rt.registry
}

// Verify checks a decoded payload against requirements. It never touches the network.
func (f *Facilitator) Verify(ctx context.Context, p x402.PaymentPayload, req x402.PaymentRequirements) x402.VerificationResult {
	rt, done := f.acquire()
	defer done()

	res := rt.verifier.Verify(ctx, p, req)
	f.observeVerification(rt, req, res)
	return res
}

// VerifyEncoded decodes a wire payload and verifies it. Decode failures are a
// MalformedPayload rejection, not an error.
func (f *Facilitator) VerifyEncoded(ctx context.Context, raw string, req x402.PaymentRequirements) x402.VerificationResult {
	p, err := x402.DecodePayment(raw)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Debug().Err(err).Msg("verification.malformed_payload")
		rt, done := f.acquire()
		defer done()
		res := x402.Invalid(x402.ReasonMalformedPayload)
		f.observeVerification(rt, req, res)
		return res
	}
	return f.Verify(ctx, p, req)
}

// Settle re-verifies and settles a decoded payload on chain.
func (f *Facilitator) Settle(ctx context.Context, p x402.PaymentPayload, req x402.PaymentRequirements) x402.SettlementResult {
	rt, done := f.acquire()
	defer done()

	res := rt.settler.Settle(ctx, p, req)
	f.stats.observeSettlement(res)
	if res.Status == x402.StatusSettled {
		f.notifier.SettlementSucceeded(ctx, settlementEvent(rt.registry, p, req, res, f.clock()))
	}
	return res
}

// settlementEvent describes a fresh settlement for webhook consumers.
// AlreadySettled results are not reported again.
func settlementEvent(reg *chains.Registry, p x402.PaymentPayload, req x402.PaymentRequirements, res x402.SettlementResult, now time.Time) callbacks.SettlementEvent {
	chainID := res.ChainID
	if chainID == 0 {
		chainID = req.ChainID
	}
	payer := res.Payer
	if payer == (common.Address{}) {
		payer = p.Payer
	}

	ev := callbacks.SettlementEvent{
		EventID:     callbacks.EventID(chainID, p.Token.Bytes(), payer.Bytes(), p.Nonce.Bytes()),
		ChainID:     chainID,
		Token:       p.Token.Hex(),
		Payer:       payer.Hex(),
		Recipient:   req.Recipient.Hex(),
		Nonce:       p.Nonce.Hex(),
		Amount:      bigString(p.Amount),
		FeeAmount:   bigString(res.FeeAmount),
		NetAmount:   bigString(res.NetAmount),
		TxHash:      res.TxHash.Hex(),
		BlockNumber: res.BlockNumber,
		SettledAt:   now.UTC(),
	}
	if c, err := reg.Get(chainID); err == nil {
		ev.Network = c.Network
	}
	if t, err := reg.Token(chainID, p.Token); err == nil {
		ev.TokenSymbol = t.Symbol
	}
	return ev
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// SettleEncoded decodes a wire payload and settles it.
func (f *Facilitator) SettleEncoded(ctx context.Context, raw string, req x402.PaymentRequirements) x402.SettlementResult {
	p, err := x402.DecodePayment(raw)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Debug().Err(err).Msg("settlement.malformed_payload")
		res := x402.Failed(x402.ReasonMalformedPayload)
		res.ChainID = req.ChainID
		res.FeeAmount, res.NetAmount = x402.SplitFee(nil, 0)
		f.stats.observeSettlement(res)
		return res
	}
	return f.Settle(ctx, p, req)
}

// SettlementStatus reports whether an authorization has been consumed, from the
// ledger and the chain. Callers use it to resolve a SettlementTimeout.
func (f *Facilitator) SettlementStatus(ctx context.Context, key storage.SettlementKey) (evm.StatusReport, error) {
	rt, done := f.acquire()
	defer done()
	return rt.settler.Status(ctx, key)
}

// SignerBalance is the settlement signer's native balance on one chain. Err is
// set when the balance could not be read.
type SignerBalance struct {
	evm.GasBalance
	Err error
}

// SignerBalances reads the settlement signer's gas balance on every chain.
func (f *Facilitator) SignerBalances(ctx context.Context) []SignerBalance {
	rt, done := f.acquire()
	defer done()

	chainList := rt.registry.Chains()
	out := make([]SignerBalance, 0, len(chainList))
	for _, c := range chainList {
		bal, err := rt.settler.GasBalance(ctx, c.ChainID)
		if err != nil {
			bal = evm.GasBalance{ChainID: c.ChainID, Network: c.Network}
		}
		out = append(out, SignerBalance{GasBalance: bal, Err: err})
	}
	return out
}

// Health is the liveness view served on /health.
type Health struct {
	Status          string `json:"status"`
	SignerAvailable bool   `json:"signerAvailable"`
	SigningMode     string `json:"signingMode"`
	Ledger          string `json:"ledger,omitempty"`
}

// Health probes the signer and, when configured, the ledger.
func (f *Facilitator) Health(ctx context.Context) Health {
	rt, done := f.acquire()
	defer done()

	h := rt.signer.CheckHealth(ctx)
	out := Health{Status: "ok", SignerAvailable: h.Available, SigningMode: h.Mode}
	if !h.Available {
		out.Status = "degraded"
	}
	if f.ledger != nil {
		out.Ledger = "ok"
		if err := f.ledger.Ping(ctx); err != nil {
			out.Ledger = "unavailable"
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Msg("health.ledger_unavailable")
		}
	}
	return out
}

// SupportedKind is one (chain, scheme) pair the facilitator settles.
type SupportedKind struct {
	ChainID uint64               `json:"chainId"`
	Network string               `json:"network"`
	Scheme  string               `json:"scheme"`
	Tokens  []chains.TokenConfig `json:"tokens"`
}

// Supported lists every configured chain under the exact scheme.
func (f *Facilitator) Supported() []SupportedKind {
	reg := f.Registry()
	chainList := reg.Chains()
	kinds := make([]SupportedKind, 0, len(chainList))
	for _, c := range chainList {
		kinds = append(kinds, SupportedKind{
			ChainID: c.ChainID,
			Network: c.Network,
			Scheme:  x402.SchemeExact,
			Tokens:  c.Tokens,
		})
	}
	return kinds
}

// EncodeRequirements renders req as the base64 challenge a resource server
// returns with HTTP 402, filling the network and signing domain from the registry.
func (f *Facilitator) EncodeRequirements(req x402.PaymentRequirements) (string, error) {
	reg := f.Registry()
	chain, err := reg.Get(req.ChainID)
	if err != nil {
		return "", x402.NewError(x402.ReasonUnsupportedChain, err)
	}
	if _, err := reg.Token(req.ChainID, req.Token); err != nil {
		return "", x402.NewError(x402.ReasonUnsupportedToken, err)
	}
	if req.MaxPaymentAge == 0 {
		req.MaxPaymentAge = uint64(f.Config().Facilitator.MaxPaymentAge.Duration / time.Second)
	}
	return x402.EncodeRequirements(req, chain.Network, chain.Domain)
}

// Stats returns the process-lifetime counters.
func (f *Facilitator) Stats() Stats {
	return f.stats.snapshot(f.startedAt)
}

func (f *Facilitator) observeVerification(rt *runtime, req x402.PaymentRequirements, res x402.VerificationResult) {
	f.stats.observeVerification(res)

	network := "unknown"
	if c, err := rt.registry.Get(req.ChainID); err == nil {
		network = c.Network
	}
	result := "valid"
	if !res.Valid {
		result = string(res.Reason)
	}
	f.metrics.ObserveVerification(network, result)
}

// IsConfigInvalid reports whether err came from a configuration that failed ValidateConfig.
func IsConfigInvalid(err error) bool {
	var xe *x402.Error
	return errors.As(err, &xe) && xe.Reason == x402.ReasonConfigInvalid
}
