package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SettlementStatus is the ledger's view of one authorization.
type SettlementStatus string

const (
	// StatusSubmitted means a transaction was broadcast but inclusion was not observed.
	StatusSubmitted SettlementStatus = "submitted"
	// StatusSettled means the facilitator's transaction was mined successfully.
	StatusSettled SettlementStatus = "settled"
	// StatusConsumed means the authorization was found spent on chain by someone else.
	StatusConsumed SettlementStatus = "consumed"
	// StatusReverted means the facilitator's transaction was mined and reverted.
	StatusReverted SettlementStatus = "reverted"
)

// Final reports whether no further settlement attempt can change the record.
func (s SettlementStatus) Final() bool {
	return s == StatusSettled || s == StatusConsumed
}

// SettlementKey identifies an authorization the way the token contract does.
type SettlementKey struct {
	ChainID uint64
	Token   common.Address
	Payer   common.Address
	Nonce   common.Hash
}

// String renders the key in its canonical lowercase form, used as the primary key.
func (k SettlementKey) String() string {
	return fmt.Sprintf("%d:%s:%s:%s",
		k.ChainID,
		strings.ToLower(k.Token.Hex()),
		strings.ToLower(k.Payer.Hex()),
		k.Nonce.Hex(),
	)
}

// SettlementRecord is one row of the settlement ledger.
// Amounts are base-10 strings in token base units.
type SettlementRecord struct {
	ID          string           `json:"id" bson:"id"`
	Key         string           `json:"key" bson:"_id"`
	ChainID     uint64           `json:"chainId" bson:"chain_id"`
	Network     string           `json:"network" bson:"network"`
	Token       string           `json:"token" bson:"token"`
	Payer       string           `json:"payer" bson:"payer"`
	Recipient   string           `json:"recipient" bson:"recipient"`
	Nonce       string           `json:"nonce" bson:"nonce"`
	Amount      string           `json:"amount" bson:"amount"`
	FeeAmount   string           `json:"feeAmount" bson:"fee_amount"`
	NetAmount   string           `json:"netAmount" bson:"net_amount"`
	TxHash      string           `json:"transactionHash,omitempty" bson:"tx_hash,omitempty"`
	BlockNumber uint64           `json:"blockNumber,omitempty" bson:"block_number,omitempty"`
	Status      SettlementStatus `json:"status" bson:"status"`
	CreatedAt   time.Time        `json:"createdAt" bson:"created_at"`
	UpdatedAt   time.Time        `json:"updatedAt" bson:"updated_at"`
}

// NewRecord starts a ledger record for key.
func NewRecord(key SettlementKey) SettlementRecord {
	return SettlementRecord{
		Key:     key.String(),
		ChainID: key.ChainID,
		Token:   strings.ToLower(key.Token.Hex()),
		Payer:   strings.ToLower(key.Payer.Hex()),
		Nonce:   key.Nonce.Hex(),
	}
}

// prepareRecord fills identifiers and timestamps before a write.
func prepareRecord(rec *SettlementRecord, now time.Time) error {
	if rec.Key == "" {
		return fmt.Errorf("settlement record requires key")
	}
	if rec.Status == "" {
		return fmt.Errorf("settlement record requires status")
	}
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return nil
}

// mergeRecord decides what is stored when rec is written over existing.
// A final record is never downgraded, and the original id and creation time are kept.
func mergeRecord(existing, rec SettlementRecord) (SettlementRecord, bool) {
	if existing.Status.Final() && !rec.Status.Final() {
		return existing, false
	}
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	if rec.TxHash == "" {
		rec.TxHash = existing.TxHash
		if rec.BlockNumber == 0 {
			rec.BlockNumber = existing.BlockNumber
		}
	}
	return rec, true
}
