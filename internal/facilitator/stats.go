package facilitator

import (
	"sync/atomic"
	"time"

	"github.com/CedrosPay/facilitator/pkg/x402"
)

// Stats are process-lifetime counters. They survive Rebuild.
type Stats struct {
	Verified       uint64    `json:"verified"`
	VerifyRejected uint64    `json:"verifyRejected"`
	Settled        uint64    `json:"settled"`
	AlreadySettled uint64    `json:"alreadySettled"`
	Failed         uint64    `json:"failed"`
	StartedAt      time.Time `json:"startedAt"`
}

type counters struct {
	verified       atomic.Uint64
	verifyRejected atomic.Uint64
	settled        atomic.Uint64
	alreadySettled atomic.Uint64
	failed         atomic.Uint64
}

func (c *counters) observeVerification(res x402.VerificationResult) {
	if res.Valid {
		c.verified.Add(1)
	} else {
		c.verifyRejected.Add(1)
	}
}

func (c *counters) observeSettlement(res x402.SettlementResult) {
	switch res.Status {
	case x402.StatusSettled:
		c.settled.Add(1)
	case x402.StatusAlreadySettled:
		c.alreadySettled.Add(1)
	default:
		c.failed.Add(1)
	}
}

func (c *counters) snapshot(startedAt time.Time) Stats {
	return Stats{
		Verified:       c.verified.Load(),
		VerifyRejected: c.verifyRejected.Load(),
		Settled:        c.settled.Load(),
		AlreadySettled: c.alreadySettled.Load(),
		Failed:         c.failed.Load(),
		StartedAt:      startedAt,
	}
}
