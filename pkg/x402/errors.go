package x402

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable classification of a rejected or failed payment.
// Reasons are returned inside verification and settlement results, never as HTTP errors.
type Reason string

const (
	ReasonUnsupportedChain     Reason = "UnsupportedChain"
	ReasonUnsupportedToken     Reason = "UnsupportedToken"
	ReasonUnsupportedScheme    Reason = "UnsupportedScheme"
	ReasonTokenMismatch        Reason = "TokenMismatch"
	ReasonRecipientMismatch    Reason = "RecipientMismatch"
	ReasonInsufficientAmount   Reason = "InsufficientAmount"
	ReasonAmountExceedsMaximum Reason = "AmountExceedsMaximum"
	ReasonExpired              Reason = "Expired"
	ReasonNotYetValid          Reason = "NotYetValid"
	ReasonWindowTooLong        Reason = "WindowTooLong"
	ReasonInvalidSignature     Reason = "InvalidSignature"
	ReasonMalformedPayload     Reason = "MalformedPayload"
	ReasonSignerUnavailable    Reason = "SignerUnavailable"
	ReasonRPCUnavailable       Reason = "RPCUnavailable"
	ReasonSettlementReverted   Reason = "SettlementReverted"
	ReasonSettlementTimeout    Reason = "SettlementTimeout"
	ReasonConfigInvalid        Reason = "ConfigInvalid"
)

// Retryable reports whether the caller may retry the same payload later.
// A SettlementTimeout is retryable only after the caller re-checks settlement status by nonce.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonSignerUnavailable, ReasonRPCUnavailable, ReasonSettlementTimeout:
		return true
	default:
		return false
	}
}

// Message converts a reason into a human-readable explanation.
func (r Reason) Message() string {
	switch r {
	case ReasonUnsupportedChain:
		return "The requested chain is not supported by this facilitator."
	case ReasonUnsupportedToken:
		return "The requested token is not supported on this chain."
	case ReasonUnsupportedScheme:
		return "Only the exact payment scheme is supported."
	case ReasonTokenMismatch:
		return "Payment was authorized for a different token than required."
	case ReasonRecipientMismatch:
		return "Payment was authorized for a different recipient than required."
	case ReasonInsufficientAmount:
		return "Payment amount is less than required."
	case ReasonAmountExceedsMaximum:
		return "Payment amount exceeds the facilitator maximum."
	case ReasonExpired:
		return "Payment authorization has expired."
	case ReasonNotYetValid:
		return "Payment authorization is not valid yet."
	case ReasonWindowTooLong:
		return "Payment authorization validity window is longer than allowed."
	case ReasonInvalidSignature:
		return "Payment signature does not match the payer."
	case ReasonMalformedPayload:
		return "Payment payload could not be decoded."
	case ReasonSignerUnavailable:
		return "Settlement signer is unavailable. Please try again later."
	case ReasonRPCUnavailable:
		return "Chain RPC endpoint is unavailable. Please try again later."
	case ReasonSettlementReverted:
		return "Settlement transaction was reverted on-chain."
	case ReasonSettlementTimeout:
		return "Settlement transaction was not confirmed in time. Check settlement status before retrying."
	case ReasonConfigInvalid:
		return "Facilitator configuration is invalid."
	default:
		return string(r)
	}
}

// Error carries a Reason together with the technical error that produced it.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a reason.
func NewError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// Errorf builds a reason error from a format string.
func Errorf(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ReasonOf extracts the reason from err, or "" when err carries none.
func ReasonOf(err error) Reason {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Reason
	}
	return ""
}
