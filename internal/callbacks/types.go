// Package callbacks delivers settlement events to an operator-configured webhook.
package callbacks

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/httputil"
)

// EventSettlementSucceeded is the event type of SettlementEvent.
const EventSettlementSucceeded = "settlement.succeeded"

// Notifier delivers settlement events to user-defined callbacks.
type Notifier interface {
	SettlementSucceeded(ctx context.Context, event SettlementEvent)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) SettlementSucceeded(context.Context, SettlementEvent) {}

// SettlementEvent describes an authorization the facilitator moved on chain.
// EventID is derived from the settlement key, so a consumer that dedupes on it
// sees each authorization once no matter how often it is delivered.
type SettlementEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	ChainID     uint64    `json:"chainId"`
	Network     string    `json:"network"`
	Token       string    `json:"token"`
	TokenSymbol string    `json:"tokenSymbol,omitempty"`
	Payer       string    `json:"payer"`
	Recipient   string    `json:"recipient"`
	Nonce       string    `json:"nonce"`
	Amount      string    `json:"amount"`    // atomic units, gross
	FeeAmount   string    `json:"feeAmount"` // atomic units
	NetAmount   string    `json:"netAmount"` // atomic units, received by Recipient
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	SettledAt   time.Time `json:"settledAt"`
}

// ErrCallbackDisabled is returned when callbacks are not configured.
var ErrCallbackDisabled = errors.New("callbacks: disabled")

// EventID derives the idempotency key of the settlement of (chainID, token,
// payer, nonce): "evt_" followed by 24 hex characters.
func EventID(chainID uint64, token, payer, nonce []byte) string {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], chainID)
	sum := crypto.Keccak256([]byte(EventSettlementSucceeded), chain[:], token, payer, nonce)
	return "evt_" + hex.EncodeToString(sum[:12])
}

// PrepareSettlementEvent fills the event type and timestamps when unset.
// EventID is left to the caller since it must be derived from the settlement key.
func PrepareSettlementEvent(event *SettlementEvent) {
	if event.EventType == "" {
		event.EventType = EventSettlementSucceeded
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = time.Now().UTC()
	}
	if event.SettledAt.IsZero() {
		event.SettledAt = event.EventTimestamp
	}
}

// SendOnce posts a settlement event without retry logic, for CLI tools and tests.
func SendOnce(ctx context.Context, cfg config.CallbacksConfig, event SettlementEvent) error {
	if cfg.SettlementURL == "" {
		return ErrCallbackDisabled
	}
	PrepareSettlementEvent(&event)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return post(ctx, httputil.NewClient(timeout), cfg.SettlementURL, cfg.Headers, payload)
}

// post sends payload to url with headers applied; Content-Type defaults to JSON.
func post(ctx context.Context, client *http.Client, url string, headers map[string]string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, url)
	}
	return nil
}
