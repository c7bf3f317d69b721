// Package monitoring watches the settlement signer's gas balance on every chain
// and posts an alert when it runs low.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/facilitator"
	"github.com/CedrosPay/facilitator/internal/httputil"
	"github.com/CedrosPay/facilitator/internal/logger"
	"github.com/CedrosPay/facilitator/internal/metrics"
)

// weiDecimals converts wei to the native unit (ETH and every EVM gas token we settle on).
const weiDecimals = 18

// alertCooldown is how long a chain stays quiet after an alert while its balance stays low.
const alertCooldown = 24 * time.Hour

// BalanceSource reports the settlement signer's balances. *facilitator.Facilitator satisfies it.
type BalanceSource interface {
	SignerBalances(ctx context.Context) []facilitator.SignerBalance
}

// BalanceMonitor periodically checks signer balances and sends alerts when they are low.
type BalanceMonitor struct {
	cfg        config.MonitoringConfig
	source     BalanceSource
	metrics    *metrics.Metrics
	httpClient *http.Client
	tmpl       *template.Template
	threshold  decimal.Decimal
	now        func() time.Time

	mu          sync.Mutex
	alertedKeys map[string]time.Time // network/address -> last alert time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// BalanceAlert contains information about a signer with low balance.
type BalanceAlert struct {
	ChainID   uint64    `json:"chainId"`
	Network   string    `json:"network"`
	Wallet    string    `json:"wallet"`
	Balance   string    `json:"balance"`   // native units
	Threshold string    `json:"threshold"` // native units
	Timestamp time.Time `json:"timestamp"`
}

// Option customizes a BalanceMonitor.
type Option func(*BalanceMonitor)

// WithMetrics publishes every balance read as a gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *BalanceMonitor) { b.metrics = m }
}

// WithClock injects the time source used for alert deduplication.
func WithClock(now func() time.Time) Option {
	return func(b *BalanceMonitor) { b.now = now }
}

// NewBalanceMonitor creates a monitor for the signer behind source. An invalid
// body template is reported here rather than on the first alert.
func NewBalanceMonitor(cfg config.MonitoringConfig, source BalanceSource, opts ...Option) (*BalanceMonitor, error) {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &BalanceMonitor{
		cfg:         cfg,
		source:      source,
		httpClient:  httputil.NewClient(timeout),
		threshold:   decimal.NewFromFloat(cfg.LowBalanceThreshold),
		now:         time.Now,
		alertedKeys: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.BodyTemplate != "" {
		tmpl, err := template.New("alert").Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("monitoring: parse body template: %w", err)
		}
		m.tmpl = tmpl
	}
	return m, nil
}

// Start begins the monitoring loop. Without an alert URL it does nothing.
func (m *BalanceMonitor) Start(ctx context.Context) {
	log := logger.FromContext(ctx)
	if m.cfg.LowBalanceAlertURL == "" {
		log.Info().Msg("balance_monitor.disabled_no_url")
		return
	}
	interval := m.cfg.CheckInterval.Duration
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	log.Info().
		Dur("check_interval", interval).
		Str("threshold", m.threshold.String()).
		Msg("balance_monitor.started")

	m.wg.Add(1)
	go m.monitorLoop(ctx, interval)
}

// Stop ends the monitoring loop and waits for an in-progress check. Safe to call more than once.
func (m *BalanceMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Close implements io.Closer for the lifecycle manager.
func (m *BalanceMonitor) Close() error {
	m.Stop()
	httputil.CloseIdle(m.httpClient)
	return nil
}

func (m *BalanceMonitor) monitorLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.CheckBalances(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckBalances(ctx)
		}
	}
}

// CheckBalances reads every chain once and alerts for balances under the
// threshold. A chain is alerted at most once per cooldown while it stays low.
func (m *BalanceMonitor) CheckBalances(ctx context.Context) {
	log := logger.FromContext(ctx)

	for _, bal := range m.source.SignerBalances(ctx) {
		if bal.Err != nil {
			log.Error().
				Err(bal.Err).
				Str("network", bal.Network).
				Msg("balance_monitor.fetch_error")
			continue
		}

		native := decimal.NewFromBigInt(bal.Wei, -weiDecimals)
		m.metrics.SetSignerBalance(bal.Network, native.InexactFloat64())

		log.Debug().
			Str("network", bal.Network).
			Str("wallet", logger.TruncateAddress(bal.Address.Hex())).
			Str("balance", native.String()).
			Msg("balance_monitor.balance_checked")

		key := bal.Network + "/" + strings.ToLower(bal.Address.Hex())
		if native.GreaterThanOrEqual(m.threshold) {
			m.clearAlert(key)
			continue
		}
		if !m.shouldAlert(key) {
			continue
		}
		alert := BalanceAlert{
			ChainID:   bal.ChainID,
			Network:   bal.Network,
			Wallet:    bal.Address.Hex(),
			Balance:   native.String(),
			Threshold: m.threshold.String(),
			Timestamp: m.now().UTC(),
		}
		if err := m.sendAlert(ctx, alert); err != nil {
			log.Warn().
				Err(err).
				Str("network", bal.Network).
				Str("wallet", logger.TruncateAddress(alert.Wallet)).
				Msg("balance_monitor.alert_failed")
			continue
		}
		m.markAlerted(key)
		log.Info().
			Str("network", bal.Network).
			Str("wallet", logger.TruncateAddress(alert.Wallet)).
			Str("balance", alert.Balance).
			Msg("balance_monitor.alert_sent")
	}
}

func (m *BalanceMonitor) shouldAlert(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.alertedKeys[key]
	return !ok || m.now().Sub(last) > alertCooldown
}

func (m *BalanceMonitor) markAlerted(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertedKeys[key] = m.now()
}

func (m *BalanceMonitor) clearAlert(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alertedKeys, key)
}

func (m *BalanceMonitor) sendAlert(ctx context.Context, alert BalanceAlert) error {
	body, err := m.renderBody(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.LowBalanceAlertURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range m.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// renderBody uses the configured template, or a Discord-compatible message.
func (m *BalanceMonitor) renderBody(alert BalanceAlert) ([]byte, error) {
	if m.tmpl != nil {
		var buf bytes.Buffer
		if err := m.tmpl.Execute(&buf, alert); err != nil {
			return nil, fmt.Errorf("execute template: %w", err)
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(map[string]any{
		"content": fmt.Sprintf(
			"**Low Balance Alert**\n\n"+
				"Network: %s (chain %d)\n"+
				"Settlement signer: `%s`\n"+
				"Balance: **%s**\n"+
				"Threshold: %s\n\n"+
				"Top up the signer to keep settling payments.",
			alert.Network, alert.ChainID, alert.Wallet, alert.Balance, alert.Threshold,
		),
	})
}
