// Command sign-authorization produces a signed exact-scheme payment payload with a
// local key, for exercising a running facilitator end to end.
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/facilitator/internal/chains"
	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/pkg/x402"
	"github.com/CedrosPay/facilitator/pkg/x402/evm"
)

func main() {
	var (
		cfgPath     = flag.String("config", "configs/local.yaml", "path to facilitator config file (chain and domain source)")
		keyHex      = flag.String("key", os.Getenv("CEDROS_PAYER_PRIVATE_KEY"), "payer private key (hex)")
		chainID     = flag.Uint64("chain", 0, "chain id (default: primary chain)")
		tokenFlag   = flag.String("token", "", "token address (default: first token on the chain)")
		toFlag      = flag.String("to", "", "payment recipient address")
		amountFlag  = flag.String("amount", "", "amount in atomic units")
		validFor    = flag.Duration("valid-for", 5*time.Minute, "authorization window length")
		serverURL   = flag.String("server", "", "facilitator base URL; when set the payload is posted")
		action      = flag.String("action", "verify", "verify or settle (with -server)")
		idempotency = flag.String("idempotency-key", "", "Idempotency-Key header for -action settle")
	)
	flag.Parse()

	if *keyHex == "" {
		log.Fatal("key flag (or CEDROS_PAYER_PRIVATE_KEY) is required")
	}
	if !common.IsHexAddress(*toFlag) {
		log.Fatal("to flag must be a hex address")
	}
	amount, ok := new(big.Int).SetString(*amountFlag, 10)
	if !ok || amount.Sign() <= 0 {
		log.Fatal("amount flag must be a positive integer")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	registry, err := chains.FromConfig(cfg.Chains)
	if err != nil {
		log.Fatalf("load chains: %v", err)
	}

	chain, err := pickChain(registry, *chainID)
	if err != nil {
		log.Fatal(err)
	}
	token, err := pickToken(chain, *tokenFlag)
	if err != nil {
		log.Fatal(err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		log.Fatalf("parse key: %v", err)
	}

	var nonce common.Hash
	if _, err := rand.Read(nonce[:]); err != nil {
		log.Fatalf("generate nonce: %v", err)
	}

	to := common.HexToAddress(*toFlag)
	now := uint64(time.Now().Unix())
	payload := x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		ChainID:     chain.ChainID,
		Payer:       crypto.PubkeyToAddress(key.PublicKey),
		Token:       token.Address,
		To:          &to,
		Amount:      amount,
		Nonce:       nonce,
		// Backdate slightly so clock skew between hosts does not yield NotYetValid.
		ValidAfter:  now - 30,
		ValidBefore: now - 30 + uint64(validFor.Seconds()),
	}
	payload.Signature, err = evm.SignAuthorization(chain.Domain, payload, to, func(digest []byte) ([]byte, error) {
		return crypto.Sign(digest, key)
	})
	if err != nil {
		log.Fatalf("sign authorization: %v", err)
	}

	encoded, err := x402.EncodePayment(payload)
	if err != nil {
		log.Fatalf("encode payload: %v", err)
	}

	log.Printf("payer %s authorizes %s %s to %s on %s (nonce %s)",
		payload.Payer.Hex(), token.Format(amount), token.Symbol, to.Hex(), chain.Network, nonce.Hex())

	if *serverURL == "" {
		fmt.Println(encoded)
		return
	}

	req := x402.PaymentRequirements{
		Scheme:    x402.SchemeExact,
		ChainID:   chain.ChainID,
		Token:     token.Address,
		MinAmount: amount,
		Recipient: to,
	}
	body, err := post(strings.TrimRight(*serverURL, "/"), *action, *idempotency, encoded, req)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(body)
}

func pickChain(registry *chains.Registry, chainID uint64) (chains.ChainConfig, error) {
	if chainID == 0 {
		return registry.Primary()
	}
	return registry.Get(chainID)
}

func pickToken(chain chains.ChainConfig, addr string) (chains.TokenConfig, error) {
	if addr == "" {
		if len(chain.Tokens) == 0 {
			return chains.TokenConfig{}, fmt.Errorf("chain %d has no tokens", chain.ChainID)
		}
		return chain.Tokens[0], nil
	}
	if !common.IsHexAddress(addr) {
		return chains.TokenConfig{}, fmt.Errorf("token %q is not a hex address", addr)
	}
	for _, t := range chain.Tokens {
		if t.Address == common.HexToAddress(addr) {
			return t, nil
		}
	}
	return chains.TokenConfig{}, fmt.Errorf("token %s is not configured on chain %d", addr, chain.ChainID)
}

func post(baseURL, action, idempotencyKey, encoded string, req x402.PaymentRequirements) (string, error) {
	if action != "verify" && action != "settle" {
		return "", fmt.Errorf("action must be verify or settle, got %q", action)
	}
	payload, err := json.Marshal(map[string]any{
		"payload":      encoded,
		"requirements": req,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/"+action, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	client := &http.Client{Timeout: 3 * time.Minute}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s request: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s returned %d: %s", action, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
