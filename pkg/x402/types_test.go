package x402

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestSplitFee(t *testing.T) {
	amounts := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(9_999),
		big.NewInt(1_000_000),
		big.NewInt(1_000_003),
		new(big.Int).Lsh(big.NewInt(1), 255),
	}

	for _, amount := range amounts {
		for bps := uint32(0); bps <= MaxFeeBasisPoints; bps++ {
			fee, net := SplitFee(amount, bps)

			want := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
			want.Div(want, big.NewInt(BasisPointsDenominator))
			if fee.Cmp(want) != 0 {
				t.Fatalf("SplitFee(%s, %d) fee = %s, want %s", amount, bps, fee, want)
			}
			if sum := new(big.Int).Add(fee, net); sum.Cmp(amount) != 0 {
				t.Fatalf("SplitFee(%s, %d) fee+net = %s", amount, bps, sum)
			}
			if net.Sign() < 0 {
				t.Fatalf("SplitFee(%s, %d) net negative", amount, bps)
			}
		}
	}
}

func TestSplitFee_Nil(t *testing.T) {
	fee, net := SplitFee(nil, 100)
	if fee.Sign() != 0 || net.Sign() != 0 {
		t.Errorf("SplitFee(nil) = %s, %s", fee, net)
	}
}

func TestSettlementResultJSON(t *testing.T) {
	tests := []struct {
		name   string
		result SettlementResult
		check  func(t *testing.T, m map[string]any)
	}{
		{
			name:   "settled",
			result: Settled(common.HexToHash("0xabc"), 12, big.NewInt(5), big.NewInt(95)),
			check: func(t *testing.T, m map[string]any) {
				if m["success"] != true || m["status"] != "settled" {
					t.Errorf("got %v", m)
				}
				if m["transactionHash"] != common.HexToHash("0xabc").Hex() || m["feeAmount"] != "5" || m["netAmount"] != "95" {
					t.Errorf("got %v", m)
				}
				if _, ok := m["errorReason"]; ok {
					t.Error("settled result must not carry errorReason")
				}
			},
		},
		{
			name:   "already settled",
			result: AlreadySettled(big.NewInt(1), big.NewInt(9)),
			check: func(t *testing.T, m map[string]any) {
				if m["success"] != true || m["alreadySettled"] != true {
					t.Errorf("got %v", m)
				}
			},
		},
		{
			name:   "failed",
			result: Failed(ReasonSignerUnavailable),
			check: func(t *testing.T, m map[string]any) {
				if m["success"] != false || m["errorReason"] != string(ReasonSignerUnavailable) || m["message"] == "" {
					t.Errorf("got %v", m)
				}
				if m["feeAmount"] != "0" {
					t.Errorf("feeAmount = %v, want 0", m["feeAmount"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.result)
			if err != nil {
				t.Fatal(err)
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatal(err)
			}
			tt.check(t, m)
		})
	}
}

func TestReasonRetryable(t *testing.T) {
	retryable := []Reason{ReasonSignerUnavailable, ReasonRPCUnavailable}
	for _, r := range retryable {
		if !r.Retryable() {
			t.Errorf("%s should be retryable", r)
		}
	}
	for _, r := range []Reason{ReasonInvalidSignature, ReasonExpired, ReasonSettlementReverted} {
		if r.Retryable() {
			t.Errorf("%s should not be retryable", r)
		}
	}
}
