package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/facilitator/internal/callbacks"
	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/facilitator"
	"github.com/CedrosPay/facilitator/internal/idempotency"
	"github.com/CedrosPay/facilitator/internal/logger"
	"github.com/CedrosPay/facilitator/internal/metrics"
	"github.com/CedrosPay/facilitator/internal/ratelimit"
)

// ReloadFunc produces a fresh configuration for POST /admin/reload, typically by
// re-reading the config file and environment.
type ReloadFunc func(ctx context.Context) (*config.Config, error)

type handlers struct {
	facilitator    *facilitator.Facilitator
	metrics        *metrics.Metrics
	reload         ReloadFunc
	dlq            callbacks.DLQStore
	webhookTimeout time.Duration
}

// RouterOption adds optional routes to ConfigureRouter.
type RouterOption func(*handlers)

// WithWebhookDLQ serves the settlement webhook dead letter queue under /admin/webhooks.
func WithWebhookDLQ(store callbacks.DLQStore, timeout time.Duration) RouterOption {
	return func(h *handlers) {
		h.dlq = store
		h.webhookTimeout = timeout
	}
}

// Server owns the listening http.Server for a router built by ConfigureRouter.
type Server struct {
	httpServer *http.Server
}

// New builds the HTTP server around handler with the configured timeouts.
func New(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Address,
			ReadTimeout:  cfg.ReadTimeout.Duration,
			WriteTimeout: cfg.WriteTimeout.Duration,
			IdleTimeout:  cfg.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// ConfigureRouter attaches facilitator routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, fac *facilitator.Facilitator, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, reload ReloadFunc, appLogger zerolog.Logger, opts ...RouterOption) {
	if router == nil {
		return
	}

	handler := handlers{
		facilitator: fac,
		metrics:     metricsCollector,
		reload:      reload,
	}
	for _, opt := range opts {
		opt(&handler)
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-PAYMENT", idempotency.HeaderKey},
			ExposedHeaders:   []string{"X-PAYMENT-RESPONSE", idempotency.ReplayHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// Logging runs before RequestID so the request logger carries the id.
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	prefix := cfg.Server.RoutePrefix

	limitCfg := ratelimit.FromConfig(cfg.RateLimit)
	limitCfg.PayerKey = payerFromRequest
	limitCfg.Exempt = hasAdminKey(cfg.Server.AdminAPIKey)
	limitCfg.Metrics = metricsCollector
	rateLimit := ratelimit.Middleware(limitCfg)

	// Lightweight endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/supported", handler.supported)
		r.Get(prefix+"/stats", handler.stats)
		r.With(adminAuth(cfg.Server.AdminAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Endpoints that probe the signer or read the chain
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Settlement.RPCTimeout.Duration + 5*time.Second))
		r.Get(prefix+"/health", handler.health)
		r.Get(prefix+"/config/status", handler.configStatus)
		r.With(rateLimit).Post(prefix+"/verify", handler.verify)
		r.Post(prefix+"/requirements/encode", handler.encodeRequirements)
		r.Get(prefix+"/settlements/{chainId}/{token}/{payer}/{nonce}", handler.settlementStatus)
	})

	// Settlement waits for inclusion, bounded by the confirmation timeout.
	idempotencyMW := idempotency.Middleware(idempotencyStore, cfg.Idempotency.TTL.Duration,
		idempotency.WithMetrics(metricsCollector),
		idempotency.WithCacheable(settleCacheable),
	)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.SettleRequestTimeout()))
		r.With(rateLimit, idempotencyMW).Post(prefix+"/settle", handler.settle)
	})

	// Admin routes exist only when an admin key is configured.
	if cfg.Server.AdminAPIKey != "" && (reload != nil || handler.dlq != nil) {
		router.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(adminAuth(cfg.Server.AdminAPIKey))
			if reload != nil {
				r.Post(prefix+"/admin/reload", handler.adminReload)
			}
			if handler.dlq != nil {
				r.Get(prefix+"/admin/webhooks", handler.listWebhooks)
				r.Post(prefix+"/admin/webhooks/{id}/retry", handler.retryWebhook)
				r.Delete(prefix+"/admin/webhooks/{id}", handler.deleteWebhook)
			}
		})
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
