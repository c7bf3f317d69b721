package metrics

import (
	"time"
)

// MeasureDBQuery wraps a ledger operation with timing instrumentation.
// Usage:
//
//	defer metrics.MeasureDBQuery(m, "get_settlement", "postgres")()
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}

// MeasureRPCCall wraps a chain RPC call with timing instrumentation; pass the call's
// error through the returned func.
//
//	done := metrics.MeasureRPCCall(m, "eth_sendRawTransaction", "base")
//	err := client.SendTransaction(ctx, tx)
//	done(err)
func MeasureRPCCall(m *Metrics, method, network string) func(error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		m.ObserveRPCCall(method, network, time.Since(start), err)
	}
}
