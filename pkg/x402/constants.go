package x402

import "time"

// Protocol identifiers
const (
	// Version is the x402 protocol version emitted in challenges and accepted in payloads.
	Version = 1

	// SchemeExact is the only supported scheme: a signed EIP-3009 style transfer authorization.
	SchemeExact = "exact"

	// PaymentHeader carries an encoded payment payload when the request body does not.
	PaymentHeader = "X-PAYMENT"
)

// Settlement timing
const (
	// ReceiptPollInterval is how frequently we poll RPC for the settlement receipt.
	ReceiptPollInterval = 2 * time.Second

	// DefaultConfirmationTimeout is the ceiling on waiting for settlement inclusion.
	DefaultConfirmationTimeout = 2 * time.Minute

	// DefaultMaxPaymentAge bounds validBefore - validAfter when neither side narrows it.
	DefaultMaxPaymentAge = 10 * time.Minute
)

// Fee economics
const (
	// BasisPointsDenominator is the divisor applied to protocol fee basis points.
	BasisPointsDenominator = 10_000

	// MaxFeeBasisPoints caps the protocol fee at 10%.
	MaxFeeBasisPoints = 1_000
)

// Wire sizes
const (
	SignatureLength = 65
	NonceLength     = 32
)
