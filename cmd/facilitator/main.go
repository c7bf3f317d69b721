package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/facilitator"
	"github.com/CedrosPay/facilitator/internal/httpserver"
	"github.com/CedrosPay/facilitator/pkg/cedros"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		cfgPath = flag.String("config", "configs/local.yaml", "path to facilitator config file")
		envFile = flag.String("env-file", ".env", "optional dotenv file loaded before the config")
		check   = flag.Bool("check", false, "validate the configuration and exit")
	)
	flag.Parse()

	// A missing .env is normal in containers where secrets arrive as real env vars.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal().Err(err).Str("path", *envFile).Msg("facilitator.env_file_invalid")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *cfgPath).Msg("facilitator.config_load_failed")
	}
	if res := facilitator.ValidateConfig(cfg); !res.Valid {
		log.Fatal().Strs("errors", res.Errors).Msg("facilitator.config_invalid")
	}
	if *check {
		log.Info().Msg("facilitator.config_valid")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := func(context.Context) (*config.Config, error) {
		return reloadConfig(*envFile, *cfgPath)
	}

	app, err := cedros.NewApp(ctx, cfg, cedros.WithReload(reload), cedros.WithVersion(version))
	if err != nil {
		log.Fatal().Err(err).Msg("facilitator.init_failed")
	}
	appLog := app.Logger

	srv := httpserver.New(cfg.Server, app.Handler())

	serveErr := make(chan error, 1)
	go func() {
		appLog.Info().Str("address", cfg.Server.Address).Str("version", version).Msg("facilitator.listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			appLog.Error().Err(err).Msg("facilitator.serve_failed")
		}
	case <-ctx.Done():
		appLog.Info().Msg("facilitator.shutting_down")
	}

	// In-flight settles may be waiting on inclusion; give them the confirmation window.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Settlement.ConfirmationTimeout.Duration+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error().Err(err).Msg("facilitator.shutdown_failed")
	}
	if err := app.Close(); err != nil {
		appLog.Error().Err(err).Msg("facilitator.close_failed")
	}
	appLog.Info().Msg("facilitator.stopped")
}

// reloadConfig re-reads both sources so rotated secrets in .env are picked up.
// As at startup, only a missing .env is tolerated.
func reloadConfig(envFile, cfgPath string) (*config.Config, error) {
	if err := godotenv.Overload(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reload %s: %w", envFile, err)
	}
	return config.Load(cfgPath)
}
