package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/httputil"
	"github.com/CedrosPay/facilitator/internal/metrics"
)

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool
	MaxAttempts     int           // Maximum attempts (default: 5)
	InitialInterval time.Duration // Initial backoff interval (default: 1s)
	MaxInterval     time.Duration // Maximum backoff interval (default: 5m)
	Multiplier      float64       // Backoff multiplier (default: 2.0)
}

// DefaultRetryConfig returns sensible defaults for webhook retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:         true,
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
	}
}

// RetryConfigFrom maps the file/env configuration onto retry settings.
func RetryConfigFrom(cfg config.RetryConfig) RetryConfig {
	out := DefaultRetryConfig()
	out.Enabled = cfg.Enabled
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval.Duration > 0 {
		out.InitialInterval = cfg.InitialInterval.Duration
	}
	if cfg.MaxInterval.Duration > 0 {
		out.MaxInterval = cfg.MaxInterval.Duration
	}
	if cfg.Multiplier >= 1 {
		out.Multiplier = cfg.Multiplier
	}
	return out
}

var errShuttingDown = errors.New("callbacks: shutting down")

// RetryableClient posts settlement events with exponential backoff. Deliveries
// run in the background; Close stops pending backoffs and waits for them.
type RetryableClient struct {
	cfg        config.CallbacksConfig
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	tmpl       *template.Template
	dlqStore   DLQStore
	metrics    *metrics.Metrics

	mu       sync.Mutex // guards closed and inflight.Add
	closed   bool
	inflight sync.WaitGroup
	stop     chan struct{}
}

// DLQStore persists webhooks that exhausted their attempts.
type DLQStore interface {
	SaveFailedWebhook(ctx context.Context, webhook FailedWebhook) error
	ListFailedWebhooks(ctx context.Context, limit int) ([]FailedWebhook, error)
	DeleteFailedWebhook(ctx context.Context, id string) error
}

// FailedWebhook represents a webhook that exhausted all retry attempts.
type FailedWebhook struct {
	ID          string            `json:"id"` // the event ID
	URL         string            `json:"url"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers"`
	EventType   string            `json:"eventType"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"lastError"`
	LastAttempt time.Time         `json:"lastAttempt"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// RetryOption customizes the retry client behavior.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) {
		c.logger = logger
	}
}

// WithDLQStore enables the dead letter queue for failed webhooks.
func WithDLQStore(store DLQStore) RetryOption {
	return func(c *RetryableClient) {
		c.dlqStore = store
	}
}

// WithRetryConfig overrides the retry configuration taken from CallbacksConfig.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) {
		c.retryCfg = cfg
	}
}

// WithMetrics sets the metrics collector for webhook observability.
func WithMetrics(m *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) {
		c.metrics = m
	}
}

// NewRetryableClient constructs a callback client with retry support, or a
// NoopNotifier when no settlement URL is configured.
func NewRetryableClient(cfg config.CallbacksConfig, opts ...RetryOption) Notifier {
	if cfg.SettlementURL == "" {
		return NoopNotifier{}
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	client := &RetryableClient{
		cfg:        cfg,
		retryCfg:   RetryConfigFrom(cfg.Retry),
		httpClient: httputil.NewClient(timeout),
		logger:     zerolog.Nop(),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(client)
	}

	if cfg.BodyTemplate != "" {
		tmpl, err := template.New("callback").Parse(cfg.BodyTemplate)
		if err != nil {
			client.logger.Error().Err(err).Msg("callbacks.template_invalid")
		} else {
			client.tmpl = tmpl
		}
	}
	return client
}

// SettlementSucceeded dispatches the event asynchronously. The payload is
// serialized once so every attempt carries the same EventID.
func (c *RetryableClient) SettlementSucceeded(ctx context.Context, event SettlementEvent) {
	if c == nil || c.cfg.SettlementURL == "" {
		return
	}
	PrepareSettlementEvent(&event)

	payload, err := c.serialize(event)
	if err != nil {
		c.logger.Error().Err(err).Str("event_id", event.EventID).Msg("callbacks.serialize_failed")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn().Str("event_id", event.EventID).Msg("callbacks.dropped_after_close")
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()

		attempts, err := c.sendWithRetry(context.Background(), payload, event.EventType)
		if err == nil {
			return
		}
		c.logger.Error().
			Err(err).
			Str("event_id", event.EventID).
			Int("attempts", attempts).
			Msg("callbacks.webhook_failed")
		if c.dlqStore != nil {
			c.saveToDLQ(context.Background(), event, payload, attempts, err)
		}
	}()
}

// Close abandons pending backoffs and waits for in-flight deliveries. Events
// whose retries were cut short go to the DLQ when one is configured.
func (c *RetryableClient) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.stop)
	}
	c.mu.Unlock()

	c.inflight.Wait()
	httputil.CloseIdle(c.httpClient)
	return nil
}

func (c *RetryableClient) serialize(event SettlementEvent) ([]byte, error) {
	if c.tmpl != nil {
		var buf bytes.Buffer
		if err := c.tmpl.Execute(&buf, event); err != nil {
			return nil, fmt.Errorf("execute template: %w", err)
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(event)
}

// sendWithRetry attempts delivery with exponential backoff and returns the
// number of attempts made.
func (c *RetryableClient) sendWithRetry(ctx context.Context, payload []byte, eventType string) (int, error) {
	maxAttempts := c.retryCfg.MaxAttempts
	if !c.retryCfg.Enabled || maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	interval := c.retryCfg.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := post(ctx, c.httpClient, c.cfg.SettlementURL, c.cfg.Headers, payload)
		if err == nil {
			c.metrics.ObserveWebhook(eventType, "success", time.Since(startTime), attempt, false)
			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Str("event_type", eventType).
					Msg("callbacks.webhook_succeeded_after_retry")
			}
			return attempt, nil
		}

		lastErr = err
		if attempt == maxAttempts {
			break
		}
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Str("event_type", eventType).
			Dur("next_retry", interval).
			Msg("callbacks.webhook_attempt_failed")

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-c.stop:
			timer.Stop()
			c.metrics.ObserveWebhook(eventType, "failed", time.Since(startTime), attempt, false)
			return attempt, fmt.Errorf("%w after %d attempts: %v", errShuttingDown, attempt, lastErr)
		}

		interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
		if interval > c.retryCfg.MaxInterval {
			interval = c.retryCfg.MaxInterval
		}
	}

	c.metrics.ObserveWebhook(eventType, "failed", time.Since(startTime), maxAttempts, false)
	return maxAttempts, fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

// saveToDLQ persists a failed webhook under its event ID, so a redelivered
// event replaces rather than duplicates its DLQ entry.
func (c *RetryableClient) saveToDLQ(ctx context.Context, event SettlementEvent, payload []byte, attempts int, lastErr error) {
	now := time.Now().UTC()
	webhook := FailedWebhook{
		ID:          event.EventID,
		URL:         c.cfg.SettlementURL,
		Payload:     json.RawMessage(payload),
		Headers:     c.cfg.Headers,
		EventType:   event.EventType,
		Attempts:    attempts,
		LastError:   lastErr.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}
	if webhook.ID == "" {
		webhook.ID = fmt.Sprintf("webhook_%d", now.UnixNano())
	}
	if !json.Valid(payload) {
		// Templated bodies need not be JSON.
		quoted, _ := json.Marshal(string(payload))
		webhook.Payload = quoted
	}

	if err := c.dlqStore.SaveFailedWebhook(ctx, webhook); err != nil {
		c.logger.Error().Err(err).Str("webhook_id", webhook.ID).Msg("callbacks.dlq_save_failed")
		return
	}
	c.metrics.ObserveWebhook(webhook.EventType, "dlq", 0, 1, true)
	c.logger.Info().
		Str("webhook_id", webhook.ID).
		Str("event_type", webhook.EventType).
		Int("attempts", attempts).
		Msg("callbacks.saved_to_dlq")
}
