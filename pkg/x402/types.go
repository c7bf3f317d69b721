package x402

import (
	"context"
	"encoding/json"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Domain holds the EIP-712 domain parameters a chain's authorizations are signed under.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           uint64         `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// PaymentPayload is a decoded transfer authorization.
// It is produced once by the codec and never mutated afterwards.
type PaymentPayload struct {
	X402Version int
	Scheme      string
	ChainID     uint64 // 0 when the wire payload omitted it
	Payer       common.Address
	Token       common.Address
	To          *common.Address // optional on the wire; nil means "the required recipient"
	Amount      *big.Int
	Nonce       common.Hash
	ValidAfter  uint64
	ValidBefore uint64
	Signature   []byte
}

// MarshalJSON renders the payload in its flat, human-readable form.
func (p PaymentPayload) MarshalJSON() ([]byte, error) {
	view := struct {
		Payer       string `json:"payer"`
		Token       string `json:"token"`
		To          string `json:"to,omitempty"`
		Amount      string `json:"amount"`
		Nonce       string `json:"nonce"`
		ValidAfter  string `json:"validAfter"`
		ValidBefore string `json:"validBefore"`
		Signature   string `json:"signature"`
	}{
		Payer:       p.Payer.Hex(),
		Token:       p.Token.Hex(),
		Amount:      bigString(p.Amount),
		Nonce:       p.Nonce.Hex(),
		ValidAfter:  strconv.FormatUint(p.ValidAfter, 10),
		ValidBefore: strconv.FormatUint(p.ValidBefore, 10),
		Signature:   hexutil.Encode(p.Signature),
	}
	if p.To != nil {
		view.To = p.To.Hex()
	}
	return json.Marshal(view)
}

// PaymentRequirements are a resource server's acceptance conditions for one request.
type PaymentRequirements struct {
	Scheme        string
	ChainID       uint64
	Token         common.Address
	MinAmount     *big.Int
	Recipient     common.Address
	MaxPaymentAge uint64 // seconds; 0 defers to the facilitator limit
	Resource      string
	Description   string
}

type requirementsWire struct {
	Scheme        string      `json:"scheme,omitempty"`
	ChainID       json.Number `json:"chainId"`
	Token         string      `json:"token"`
	MinAmount     json.Number `json:"minAmount"`
	Recipient     string      `json:"recipient"`
	MaxPaymentAge json.Number `json:"maxPaymentAge,omitempty"`
	Resource      string      `json:"resource,omitempty"`
	Description   string      `json:"description,omitempty"`
}

// MarshalJSON renders amounts as decimal strings and addresses as checksummed hex.
func (r PaymentRequirements) MarshalJSON() ([]byte, error) {
	return json.Marshal(requirementsWire{
		Scheme:        r.Scheme,
		ChainID:       json.Number(strconv.FormatUint(r.ChainID, 10)),
		Token:         r.Token.Hex(),
		MinAmount:     json.Number(bigString(r.MinAmount)),
		Recipient:     r.Recipient.Hex(),
		MaxPaymentAge: json.Number(strconv.FormatUint(r.MaxPaymentAge, 10)),
		Resource:      r.Resource,
		Description:   r.Description,
	})
}

// UnmarshalJSON parses requirements strictly; see DecodeRequirements.
func (r *PaymentRequirements) UnmarshalJSON(data []byte) error {
	parsed, err := DecodeRequirements(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// VerificationResult captures the verifier outcome.
type VerificationResult struct {
	Valid          bool            `json:"valid"`
	Reason         Reason          `json:"reason,omitempty"`
	Message        string          `json:"message,omitempty"`
	Payer          string          `json:"payer,omitempty"`
	DecodedPayment *PaymentPayload `json:"decodedPayment,omitempty"`
}

// Valid builds an accepting verification result.
func Valid(payload PaymentPayload) VerificationResult {
	return VerificationResult{
		Valid:          true,
		Payer:          payload.Payer.Hex(),
		DecodedPayment: &payload,
	}
}

// Invalid builds a rejecting verification result.
func Invalid(reason Reason) VerificationResult {
	return VerificationResult{Reason: reason, Message: reason.Message()}
}

// SettlementStatus tags the outcome of a settlement attempt.
type SettlementStatus string

const (
	// StatusSettled means this attempt moved the funds.
	StatusSettled SettlementStatus = "settled"
	// StatusAlreadySettled means the nonce was consumed before this attempt; no funds moved now.
	StatusAlreadySettled SettlementStatus = "already_settled"
	// StatusFailed means no funds moved; Reason explains why.
	StatusFailed SettlementStatus = "failed"
)

// SettlementResult is the outcome of one settlement attempt.
type SettlementResult struct {
	Status      SettlementStatus
	Reason      Reason
	ChainID     uint64
	Payer       common.Address
	TxHash      common.Hash // set for Settled, and for timeouts/reverts after broadcast
	BlockNumber uint64
	FeeAmount   *big.Int
	NetAmount   *big.Int
}

// Settled builds a successful result.
func Settled(txHash common.Hash, block uint64, fee, net *big.Int) SettlementResult {
	return SettlementResult{Status: StatusSettled, TxHash: txHash, BlockNumber: block, FeeAmount: fee, NetAmount: net}
}

// AlreadySettled builds an idempotent success for a consumed nonce.
func AlreadySettled(fee, net *big.Int) SettlementResult {
	return SettlementResult{Status: StatusAlreadySettled, FeeAmount: fee, NetAmount: net}
}

// Failed builds a failure result.
func Failed(reason Reason) SettlementResult {
	return SettlementResult{Status: StatusFailed, Reason: reason}
}

// Success reports whether funds have moved for this authorization, now or earlier.
func (r SettlementResult) Success() bool {
	return r.Status == StatusSettled || r.Status == StatusAlreadySettled
}

// MarshalJSON renders the tagged result in its wire form.
func (r SettlementResult) MarshalJSON() ([]byte, error) {
	view := struct {
		Success         bool             `json:"success"`
		Status          SettlementStatus `json:"status"`
		AlreadySettled  bool             `json:"alreadySettled,omitempty"`
		TransactionHash string           `json:"transactionHash,omitempty"`
		BlockNumber     uint64           `json:"blockNumber,omitempty"`
		ErrorReason     Reason           `json:"errorReason,omitempty"`
		Message         string           `json:"message,omitempty"`
		FeeAmount       string           `json:"feeAmount"`
		NetAmount       string           `json:"netAmount"`
		Payer           string           `json:"payer,omitempty"`
		ChainID         uint64           `json:"chainId,omitempty"`
	}{
		Success:        r.Success(),
		Status:         r.Status,
		AlreadySettled: r.Status == StatusAlreadySettled,
		BlockNumber:    r.BlockNumber,
		ErrorReason:    r.Reason,
		FeeAmount:      bigString(r.FeeAmount),
		NetAmount:      bigString(r.NetAmount),
		ChainID:        r.ChainID,
	}
	if r.TxHash != (common.Hash{}) {
		view.TransactionHash = r.TxHash.Hex()
	}
	if r.Reason != "" {
		view.Message = r.Reason.Message()
	}
	if r.Payer != (common.Address{}) {
		view.Payer = r.Payer.Hex()
	}
	return json.Marshal(view)
}

// SignerHealth is the result of a delegated signer health probe.
type SignerHealth struct {
	Available bool   `json:"available"`
	Mode      string `json:"mode"`
	Error     string `json:"error,omitempty"`
}

// Signer is a delegated signing authority. The facilitator never holds settlement key
// material itself; it only asks the signer to sign 32-byte digests for a service id.
type Signer interface {
	// Sign returns a 65-byte [R || S || V] secp256k1 signature over digest.
	Sign(ctx context.Context, serviceID string, digest []byte) ([]byte, error)
	// CheckHealth probes the backend without signing anything.
	CheckHealth(ctx context.Context) SignerHealth
	// Address returns the account the service id signs for.
	Address(ctx context.Context, serviceID string) (common.Address, error)
}

// SplitFee computes fee = floor(amount * bps / 10000) and net = amount - fee.
// The two always sum to amount exactly.
func SplitFee(amount *big.Int, feeBps uint32) (fee, net *big.Int) {
	if amount == nil {
		return new(big.Int), new(big.Int)
	}
	fee = new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Quo(fee, big.NewInt(BasisPointsDenominator))
	net = new(big.Int).Sub(amount, fee)
	return fee, net
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
