package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the facilitator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Verification metrics
	VerificationsTotal *prometheus.CounterVec

	// Settlement metrics
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	SettledAmountTotal *prometheus.CounterVec
	FeeAmountTotal     *prometheus.CounterVec

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Signer metrics
	SignerCallsTotal   *prometheus.CounterVec
	SignerCallDuration *prometheus.HistogramVec
	SignerAvailable    prometheus.Gauge

	// HTTP-level metrics
	IdempotencyReplaysTotal prometheus.Counter
	ConfigReloadsTotal      *prometheus.CounterVec
	RateLimitHitsTotal      *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDLQTotal     *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec

	// Settlement signer gas balance, in native units
	SignerBalance *prometheus.GaugeVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_verifications_total",
				Help: "Total number of payment verifications by outcome",
			},
			[]string{"network", "result"},
		),

		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_settlements_total",
				Help: "Total number of settlement attempts by status and failure reason",
			},
			[]string{"network", "status", "reason"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cedros_facilitator_settlement_duration_seconds",
				Help:    "Time from settle request to classified outcome (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"network", "status"},
		),
		SettledAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_settled_amount_total",
				Help: "Total settled amount in whole token units",
			},
			[]string{"network", "token"},
		),
		FeeAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_fee_amount_total",
				Help: "Total protocol fees collected in whole token units",
			},
			[]string{"network", "token"},
		),

		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_rpc_calls_total",
				Help: "Total number of JSON-RPC calls to chain endpoints",
			},
			[]string{"method", "network"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cedros_facilitator_rpc_call_duration_seconds",
				Help:    "Duration of JSON-RPC calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "network"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_rpc_errors_total",
				Help: "Total number of JSON-RPC errors",
			},
			[]string{"method", "network", "error_type"},
		),

		SignerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_signer_calls_total",
				Help: "Total number of delegated signer calls",
			},
			[]string{"operation", "result"},
		),
		SignerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cedros_facilitator_signer_call_duration_seconds",
				Help:    "Duration of delegated signer calls",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"operation"},
		),
		SignerAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cedros_facilitator_signer_available",
				Help: "1 when the last signer health probe succeeded, 0 otherwise",
			},
		),

		IdempotencyReplaysTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_idempotency_replays_total",
				Help: "Total number of settle responses replayed from the idempotency cache",
			},
		),
		ConfigReloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_config_reloads_total",
				Help: "Total number of facilitator rebuilds by result",
			},
			[]string{"result"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_rate_limit_hits_total",
				Help: "Total number of requests rejected by a rate limit tier",
			},
			[]string{"limit_type"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_webhooks_total",
				Help: "Total number of webhook deliveries",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_webhook_retries_total",
				Help: "Total number of webhook deliveries that needed more than one attempt",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedros_facilitator_webhook_dlq_total",
				Help: "Total number of webhooks sent to the dead letter queue",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cedros_facilitator_webhook_duration_seconds",
				Help:    "Time taken for webhook delivery, retries included",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"event_type"},
		),

		SignerBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cedros_facilitator_signer_balance",
				Help: "Native gas balance of the settlement signer per chain",
			},
			[]string{"network"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cedros_facilitator_db_query_duration_seconds",
				Help:    "Duration of settlement ledger queries",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveVerification records a verification outcome; result is "valid" or the rejection reason.
func (m *Metrics) ObserveVerification(network, result string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(network, result).Inc()
}

// ObserveSettlement records a classified settlement attempt.
func (m *Metrics) ObserveSettlement(network, status, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(network, status, reason).Inc()
	m.SettlementDuration.WithLabelValues(network, status).Observe(duration.Seconds())
}

// ObserveSettledAmount records the gross amount and fee of a settlement in whole token units.
func (m *Metrics) ObserveSettledAmount(network, token string, amount, fee float64) {
	if m == nil {
		return
	}
	m.SettledAmountTotal.WithLabelValues(network, token).Add(amount)
	m.FeeAmountTotal.WithLabelValues(network, token).Add(fee)
}

// ObserveRPCCall records a JSON-RPC call to a chain endpoint.
func (m *Metrics) ObserveRPCCall(method, network string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.RPCCallsTotal.WithLabelValues(method, network).Inc()
	m.RPCCallDuration.WithLabelValues(method, network).Observe(duration.Seconds())

	if err != nil {
		m.RPCErrorsTotal.WithLabelValues(method, network, classifyError(err)).Inc()
	}
}

// ObserveSignerCall records a delegated signer call.
func (m *Metrics) ObserveSignerCall(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.SignerCallsTotal.WithLabelValues(operation, result).Inc()
	m.SignerCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetSignerAvailable records the latest signer health probe.
func (m *Metrics) SetSignerAvailable(available bool) {
	if m == nil {
		return
	}
	if available {
		m.SignerAvailable.Set(1)
	} else {
		m.SignerAvailable.Set(0)
	}
}

// ObserveIdempotencyReplay records a cached settle response being replayed.
func (m *Metrics) ObserveIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// ObserveConfigReload records a facilitator rebuild.
func (m *Metrics) ObserveConfigReload(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ConfigReloadsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimit records a rejected request; limitType is global, per_payer or per_ip.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveWebhook records a webhook delivery outcome.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}
	if sentToDLQ {
		m.WebhookDLQTotal.WithLabelValues(eventType).Inc()
	}
}

// SetSignerBalance records the signer's native balance on network.
func (m *Metrics) SetSignerBalance(network string, balance float64) {
	if m == nil {
		return
	}
	m.SignerBalance.WithLabelValues(network).Set(balance)
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return "rate_limit"
	case strings.Contains(msg, "connection"):
		return "connection"
	case strings.Contains(msg, "not found"):
		return "not_found"
	case strings.Contains(msg, "circuit breaker"):
		return "circuit_open"
	default:
		return "other"
	}
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
