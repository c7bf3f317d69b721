package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/CedrosPay/facilitator/pkg/x402"
)

// PrimaryType is the EIP-3009 struct every authorization is signed as.
const PrimaryType = "TransferWithAuthorization"

var authorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// TypedData builds the EIP-712 document a payer signs to authorize a transfer to `to`.
func TypedData(domain x402.Domain, p x402.PaymentPayload, to common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       authorizationTypes,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(int64(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        p.Payer.Hex(),
			"to":          to.Hex(),
			"value":       new(big.Int).Set(p.Amount),
			"validAfter":  new(big.Int).SetUint64(p.ValidAfter),
			"validBefore": new(big.Int).SetUint64(p.ValidBefore),
			"nonce":       p.Nonce.Bytes(),
		},
	}
}

// Digest returns keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func Digest(domain x402.Domain, p x402.PaymentPayload, to common.Address) ([]byte, error) {
	if p.Amount == nil {
		return nil, errors.New("evm: payload amount is nil")
	}
	digest, _, err := apitypes.TypedDataAndHash(TypedData(domain, p, to))
	if err != nil {
		return nil, fmt.Errorf("evm: hash typed data: %w", err)
	}
	return digest, nil
}

// RecoverSigner returns the address that produced sig over digest.
// V may be 0/1 or 27/28; high-S signatures are rejected.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("evm: signature length %d", len(sig))
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[crypto.RecoveryIDOffset], r, s, true) {
		return common.Address{}, errors.New("evm: signature values out of range")
	}

	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("evm: recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignAuthorization signs p with a raw key. Used by the local signer and the
// sign-authorization tool; the settlement path never calls it.
func SignAuthorization(domain x402.Domain, p x402.PaymentPayload, to common.Address, sign func(digest []byte) ([]byte, error)) ([]byte, error) {
	digest, err := Digest(domain, p, to)
	if err != nil {
		return nil, err
	}
	sig, err := sign(digest)
	if err != nil {
		return nil, err
	}
	if len(sig) == crypto.SignatureLength && sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return sig, nil
}
