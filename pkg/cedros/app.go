package cedros

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/facilitator/internal/callbacks"
	"github.com/CedrosPay/facilitator/internal/circuitbreaker"
	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/dbpool"
	"github.com/CedrosPay/facilitator/internal/facilitator"
	"github.com/CedrosPay/facilitator/internal/httpserver"
	"github.com/CedrosPay/facilitator/internal/idempotency"
	"github.com/CedrosPay/facilitator/internal/lifecycle"
	"github.com/CedrosPay/facilitator/internal/logger"
	"github.com/CedrosPay/facilitator/internal/metrics"
	"github.com/CedrosPay/facilitator/internal/monitoring"
	"github.com/CedrosPay/facilitator/internal/storage"
)

// ServiceName identifies the facilitator in logs.
const ServiceName = "cedros-facilitator"

// App wires the facilitator components for reuse or standalone serving.
type App struct {
	Config           *config.Config
	Facilitator      *facilitator.Facilitator
	Ledger           storage.Store
	IdempotencyStore *idempotency.MemoryStore
	Notifier         callbacks.Notifier
	DLQ              callbacks.DLQStore
	BalanceMonitor   *monitoring.BalanceMonitor
	Logger           zerolog.Logger

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	ledger     storage.Store
	router     chi.Router
	registerer prometheus.Registerer
	reload     httpserver.ReloadFunc
	version    string
	facOpts    []facilitator.Option
}

// WithLedger sets a custom settlement ledger instead of building one from config.
func WithLedger(store storage.Store) Option {
	return func(o *options) {
		o.ledger = store
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegisterer sets the Prometheus registerer (default: prometheus.DefaultRegisterer).
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithReload enables POST /admin/reload using fn to produce the next configuration.
func WithReload(fn httpserver.ReloadFunc) Option {
	return func(o *options) {
		o.reload = fn
	}
}

// WithVersion tags log lines with the build version.
func WithVersion(version string) Option {
	return func(o *options) {
		o.version = version
	}
}

// WithFacilitatorOptions forwards options to facilitator.New, typically fakes in tests.
func WithFacilitatorOptions(opts ...facilitator.Option) Option {
	return func(o *options) {
		o.facOpts = append(o.facOpts, opts...)
	}
}

// NewApp assembles the facilitator for embedding. A configuration that fails
// facilitator.ValidateConfig is refused before any resource is opened.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("cedros: config required")
	}
	if res := facilitator.ValidateConfig(cfg); !res.Valid {
		return nil, fmt.Errorf("cedros: invalid configuration: %v", res.Errors)
	}

	optState := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
		Logger: logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     ServiceName,
			Version:     optState.version,
			Environment: cfg.Facilitator.Environment,
		}),
	}
	ctx = logger.WithContext(ctx, app.Logger)

	app.metricsCollector = metrics.New(optState.registerer)
	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	ledger, err := app.openLedger(ctx, optState.ledger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Ledger = ledger

	// Registered before the facilitator so in-flight settlements finish
	// before pending webhooks are flushed.
	if err := app.openNotifier(); err != nil {
		_ = app.Close()
		return nil, err
	}

	facOpts := []facilitator.Option{
		facilitator.WithMetrics(app.metricsCollector),
		facilitator.WithBreakers(breakers),
		facilitator.WithLedger(ledger),
		facilitator.WithNotifier(app.Notifier),
	}
	fac, err := facilitator.New(ctx, cfg, append(facOpts, optState.facOpts...)...)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Facilitator = fac
	app.resourceManager.Register("facilitator", fac)

	monitor, err := monitoring.NewBalanceMonitor(cfg.Monitoring, fac, monitoring.WithMetrics(app.metricsCollector))
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.BalanceMonitor = monitor
	app.resourceManager.Register("balance-monitor", monitor)
	monitor.Start(logger.WithContext(context.Background(), app.Logger))

	app.IdempotencyStore = idempotency.NewMemoryStoreWithSize(cfg.Idempotency.MaxEntries)
	app.resourceManager.Register("idempotency-store", app.IdempotencyStore)

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	var routerOpts []httpserver.RouterOption
	if app.DLQ != nil {
		routerOpts = append(routerOpts, httpserver.WithWebhookDLQ(app.DLQ, cfg.Callbacks.Timeout.Duration))
	}
	httpserver.ConfigureRouter(app.router, cfg, fac, app.IdempotencyStore, app.metricsCollector, optState.reload, app.Logger, routerOpts...)

	ready := app.Logger.Info().
		Str("environment", cfg.Facilitator.Environment).
		Str("ledger", cfg.Storage.Backend).
		Int("chains", len(fac.Registry().Chains())).
		Str("signer_mode", cfg.Signer.Mode)
	if cfg.Signer.Mode == config.SignerModeRemote {
		ready = ready.
			Str("signer_url", cfg.Signer.URL).
			Str("signer_api_key", logger.RedactSecret(cfg.Signer.APIKey))
	}
	ready.Msg("cedros.facilitator_ready")

	return app, nil
}

// openLedger returns the injected ledger or builds one from config. The postgres
// backend borrows a shared pool so the DSN is checked before anything else starts.
func (a *App) openLedger(ctx context.Context, injected storage.Store) (storage.Store, error) {
	if injected != nil {
		return injected, nil
	}

	cfg := a.Config.Storage
	var sharedDB *sql.DB
	if cfg.Backend == "postgres" {
		pool, err := dbpool.NewSharedPool(ctx, cfg.PostgresURL, cfg.PostgresPool)
		if err != nil {
			return nil, fmt.Errorf("init ledger pool: %w", err)
		}
		a.resourceManager.Register("postgres-pool", pool)
		sharedDB = pool.DB()
	}

	store, err := storage.NewStoreWithDB(cfg, a.metricsCollector, sharedDB)
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	a.resourceManager.Register("ledger", store)

	if cfg.Backend == "memory" || cfg.Backend == "" {
		log.Warn().Msg("cedros: settlement ledger is in memory; status history is lost on restart")
	}
	return store, nil
}

// openNotifier builds the settlement webhook client and its dead letter queue.
func (a *App) openNotifier() error {
	cfg := a.Config.Callbacks
	dlq, err := callbacks.NewDLQStore(cfg)
	if err != nil {
		return fmt.Errorf("init webhook dlq: %w", err)
	}
	a.DLQ = dlq

	opts := []callbacks.RetryOption{
		callbacks.WithRetryLogger(a.Logger),
		callbacks.WithMetrics(a.metricsCollector),
	}
	if dlq != nil {
		opts = append(opts, callbacks.WithDLQStore(dlq))
	}
	a.Notifier = callbacks.NewRetryableClient(cfg, opts...)
	if closer, ok := a.Notifier.(io.Closer); ok {
		a.resourceManager.Register("settlement-webhook", closer)
	}
	return nil
}

// Router returns the chi router with facilitator routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases resources in reverse order of registration.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(ctx context.Context, cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the facilitator.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
