package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/facilitator/pkg/x402"
)

const (
	methodSettle             = "settleWithAuthorization"
	methodAuthorizationState = "authorizationState"
)

// FacilitatorABI is the settlement contract surface the facilitator calls.
// settleWithAuthorization pulls value from `from` with the payer's EIP-3009
// authorization and splits it between `to` and feeRecipient atomically.
const FacilitatorABI = `[
	{
		"type": "function",
		"name": "settleWithAuthorization",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "token", "type": "address"},
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "fee", "type": "uint256"},
			{"name": "feeRecipient", "type": "address"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "signature", "type": "bytes"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "authorizationState",
		"stateMutability": "view",
		"inputs": [
			{"name": "token", "type": "address"},
			{"name": "authorizer", "type": "address"},
			{"name": "nonce", "type": "bytes32"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`

var facilitatorABI = mustParseABI(FacilitatorABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse facilitator abi: %v", err))
	}
	return parsed
}

// packSettle encodes the settlement call for p, paying `to` and splitting off fee.
func packSettle(p x402.PaymentPayload, to common.Address, fee *big.Int, feeRecipient common.Address) ([]byte, error) {
	return facilitatorABI.Pack(methodSettle,
		p.Token,
		p.Payer,
		to,
		p.Amount,
		fee,
		feeRecipient,
		[32]byte(p.Nonce),
		new(big.Int).SetUint64(p.ValidAfter),
		new(big.Int).SetUint64(p.ValidBefore),
		p.Signature,
	)
}

// packAuthorizationState encodes the nonce-consumed query.
func packAuthorizationState(token, authorizer common.Address, nonce common.Hash) ([]byte, error) {
	return facilitatorABI.Pack(methodAuthorizationState, token, authorizer, [32]byte(nonce))
}

// unpackAuthorizationState decodes the bool returned by authorizationState.
func unpackAuthorizationState(data []byte) (bool, error) {
	out, err := facilitatorABI.Unpack(methodAuthorizationState, data)
	if err != nil {
		return false, fmt.Errorf("unpack authorizationState: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("unpack authorizationState: got %d values", len(out))
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unpack authorizationState: unexpected type %T", out[0])
	}
	return used, nil
}
