// Command webhook-test posts a synthetic settlement.succeeded event to the
// configured settlement webhook, once and without retries.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/facilitator/internal/callbacks"
	"github.com/CedrosPay/facilitator/internal/chains"
	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/pkg/x402"
)

func main() {
	configPath := flag.String("config", "configs/local.yaml", "path to config yaml")
	amount := flag.String("amount", "1000000", "gross amount in atomic units")
	payer := flag.String("payer", "0x000000000000000000000000000000000000dEaD", "payer address in the synthetic event")
	recipient := flag.String("recipient", "0x000000000000000000000000000000000000bEEF", "recipient address in the synthetic event")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Callbacks.SettlementURL == "" {
		log.Fatal("callbacks.settlement_url is not configured")
	}
	registry, err := chains.FromConfig(cfg.Chains)
	if err != nil {
		log.Fatalf("load chains: %v", err)
	}
	chain, err := registry.Primary()
	if err != nil {
		log.Fatal(err)
	}
	if len(chain.Tokens) == 0 {
		log.Fatalf("chain %d has no tokens", chain.ChainID)
	}
	token := chain.Tokens[0]

	gross, ok := new(big.Int).SetString(*amount, 10)
	if !ok || gross.Sign() <= 0 {
		log.Fatal("amount flag must be a positive integer")
	}
	fee, net := x402.SplitFee(gross, cfg.Facilitator.FeeBps)

	var nonce common.Hash
	if _, err := rand.Read(nonce[:]); err != nil {
		log.Fatalf("generate nonce: %v", err)
	}
	payerAddr := common.HexToAddress(*payer)

	event := callbacks.SettlementEvent{
		EventID:     callbacks.EventID(chain.ChainID, token.Address.Bytes(), payerAddr.Bytes(), nonce.Bytes()),
		ChainID:     chain.ChainID,
		Network:     chain.Network,
		Token:       token.Address.Hex(),
		TokenSymbol: token.Symbol,
		Payer:       payerAddr.Hex(),
		Recipient:   common.HexToAddress(*recipient).Hex(),
		Nonce:       nonce.Hex(),
		Amount:      gross.String(),
		FeeAmount:   fee.String(),
		NetAmount:   net.String(),
		TxHash:      common.Hash{}.Hex(),
		SettledAt:   time.Now().UTC(),
	}

	if err := callbacks.SendOnce(context.Background(), cfg.Callbacks, event); err != nil {
		log.Fatalf("send webhook: %v", err)
	}
	fmt.Printf("event %s delivered to %s\n", event.EventID, cfg.Callbacks.SettlementURL)
}
