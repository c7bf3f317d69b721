package evm

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/facilitator/internal/chains"
	"github.com/CedrosPay/facilitator/internal/logger"
	"github.com/CedrosPay/facilitator/pkg/x402"
)

// Limits are facilitator-wide acceptance bounds layered on top of per-request requirements.
type Limits struct {
	MinAmount     *big.Int      // nil or zero means no floor beyond the request's
	MaxAmount     *big.Int      // nil means unbounded
	MaxPaymentAge time.Duration // upper bound on validBefore - validAfter
}

// Verifier validates decoded payloads against requirements. It performs no I/O:
// the result depends only on its inputs, the registry and the clock.
type Verifier struct {
	registry *chains.Registry
	limits   Limits
	clock    func() time.Time
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithClock injects the time source used for validity window checks.
func WithClock(clock func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewVerifier creates a verifier over an immutable registry.
func NewVerifier(registry *chains.Registry, limits Limits, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		registry: registry,
		limits:   limits,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Registry returns the chain registry the verifier resolves against.
func (v *Verifier) Registry() *chains.Registry {
	return v.registry
}

// Verify runs every acceptance check in order and stops at the first failure.
func (v *Verifier) Verify(ctx context.Context, p x402.PaymentPayload, req x402.PaymentRequirements) x402.VerificationResult {
	reason := v.check(p, req)
	if reason != "" {
		log := logger.FromContext(ctx)
		log.Debug().
			Uint64("chain_id", req.ChainID).
			Str("payer", logger.TruncateAddress(p.Payer.Hex())).
			Str("reason", string(reason)).
			Msg("verification.rejected")
		return x402.Invalid(reason)
	}
	return x402.Valid(p)
}

func (v *Verifier) check(p x402.PaymentPayload, req x402.PaymentRequirements) x402.Reason {
	// 1. Chain and scheme
	chain, err := v.registry.Get(req.ChainID)
	if err != nil {
		return x402.ReasonUnsupportedChain
	}
	if p.ChainID != 0 && p.ChainID != req.ChainID {
		return x402.ReasonUnsupportedChain
	}
	if !supportedScheme(req.Scheme) || !supportedScheme(p.Scheme) {
		return x402.ReasonUnsupportedScheme
	}
	if p.Amount == nil || len(p.Signature) != x402.SignatureLength {
		return x402.ReasonMalformedPayload
	}

	// 2. Token and recipient
	if _, err := v.registry.Token(req.ChainID, req.Token); err != nil {
		if errors.Is(err, chains.ErrUnsupportedChain) {
			return x402.ReasonUnsupportedChain
		}
		return x402.ReasonUnsupportedToken
	}
	if p.Token != req.Token {
		return x402.ReasonTokenMismatch
	}
	if p.To != nil && *p.To != req.Recipient {
		return x402.ReasonRecipientMismatch
	}

	// 3. Amount bounds
	if p.Amount.Sign() <= 0 || (req.MinAmount != nil && p.Amount.Cmp(req.MinAmount) < 0) {
		return x402.ReasonInsufficientAmount
	}
	if v.limits.MinAmount != nil && p.Amount.Cmp(v.limits.MinAmount) < 0 {
		return x402.ReasonInsufficientAmount
	}
	if v.limits.MaxAmount != nil && p.Amount.Cmp(v.limits.MaxAmount) > 0 {
		return x402.ReasonAmountExceedsMaximum
	}

	// 4. Freshness
	now := uint64(v.clock().Unix())
	if now < p.ValidAfter {
		return x402.ReasonNotYetValid
	}
	if now > p.ValidBefore {
		return x402.ReasonExpired
	}
	if p.ValidBefore-p.ValidAfter > v.maxWindow(req) {
		return x402.ReasonWindowTooLong
	}

	// 5-6. Signature over the chain's typed-data digest
	if !signedBy(chain.Domain, p, req.Recipient) {
		return x402.ReasonInvalidSignature
	}
	return ""
}

// maxWindow is min(requirements.maxPaymentAge, facilitator maxPaymentAge) in seconds,
// where a zero on either side defers to the other.
func (v *Verifier) maxWindow(req x402.PaymentRequirements) uint64 {
	limit := uint64(v.limits.MaxPaymentAge / time.Second)
	if limit == 0 {
		limit = uint64(x402.DefaultMaxPaymentAge / time.Second)
	}
	if req.MaxPaymentAge > 0 && req.MaxPaymentAge < limit {
		limit = req.MaxPaymentAge
	}
	return limit
}

func signedBy(domain x402.Domain, p x402.PaymentPayload, to common.Address) bool {
	digest, err := Digest(domain, p, to)
	if err != nil {
		return false
	}
	recovered, err := RecoverSigner(digest, p.Signature)
	if err != nil {
		return false
	}
	return recovered == p.Payer
}

func supportedScheme(scheme string) bool {
	return scheme == "" || scheme == x402.SchemeExact
}
