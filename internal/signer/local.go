package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/facilitator/pkg/x402"
)

// LocalSigner signs with an in-process key. It exists for development and tests
// and is refused in production; the service id is ignored.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalSigner parses a hex private key, with or without 0x.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer: parse dev private key: %w", err)
	}
	return NewLocalSignerFromKey(key), nil
}

// NewLocalSignerFromKey wraps an existing key.
func NewLocalSignerFromKey(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Sign returns a 65-byte signature with v in {0, 1}.
func (s *LocalSigner) Sign(_ context.Context, _ string, digest []byte) ([]byte, error) {
	if len(digest) != common.HashLength {
		return nil, fmt.Errorf("signer: digest must be %d bytes, got %d", common.HashLength, len(digest))
	}
	return crypto.Sign(digest, s.key)
}

// CheckHealth always reports available.
func (s *LocalSigner) CheckHealth(context.Context) x402.SignerHealth {
	return x402.SignerHealth{Available: true, Mode: "local"}
}

// Address returns the key's account.
func (s *LocalSigner) Address(context.Context, string) (common.Address, error) {
	return s.address, nil
}

// Key exposes the private key for tooling that signs authorizations directly.
func (s *LocalSigner) Key() *ecdsa.PrivateKey {
	return s.key
}
