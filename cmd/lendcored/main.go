package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lendcore/bank"
	"lendcore/config"
	"lendcore/engine"
	"lendcore/gateway/middleware"
	"lendcore/gateway/routes"
	"lendcore/observability"
	"lendcore/observability/logging"
	"lendcore/oracle"
	"lendcore/policy"
	"lendcore/registry"
	"lendcore/storage"
)

const bootstrapActor = "config"

const snapshotInterval = time.Minute

func main() {
	configFile := flag.String("config", "./lendcored.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lendcored: %v\n", err)
		os.Exit(1)
	}

	var fileCfg *logging.FileConfig
	if cfg.Logging.File != "" {
		fileCfg = &logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}
	}
	logger := logging.Setup(cfg.Logging.Service, cfg.Environment, fileCfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Governance is admitted at the gateway via token scopes; the in-process
	// policy stays permissive so the HTTP layer is the single control point.
	pol := policy.AllowAll{}

	reg := registry.New(pol)
	for _, tier := range cfg.Tiers {
		id, params, err := tier.Params()
		if err != nil {
			return err
		}
		if err := reg.UpdateTierParams(bootstrapActor, id, params); err != nil {
			return fmt.Errorf("apply tier %s: %w", tier.Name, err)
		}
	}
	for _, entry := range cfg.Assets {
		asset, err := entry.Asset()
		if err != nil {
			return err
		}
		if err := reg.UpdateAsset(bootstrapActor, asset); err != nil {
			return fmt.Errorf("list asset %s: %w", entry.Symbol, err)
		}
	}

	priceStore, err := storage.OpenPriceStore(cfg.Storage.PriceDBPath)
	if err != nil {
		return err
	}
	defer priceStore.Close()

	agg := oracle.New(cfg.OracleConfig(), pol,
		oracle.WithRecorder(priceStore),
		oracle.WithMetrics(observability.Oracle()),
		oracle.WithLogger(logger))
	feeds := make(map[string]oracle.PriceFeed, len(cfg.Oracle.Feeds))
	for _, feed := range cfg.Oracle.Feeds {
		feeds[feed.Name] = oracle.NewHTTPFeed(feed.Name, feed.URL, nil)
	}
	for _, source := range cfg.Oracle.Sources {
		if err := agg.AddSource(bootstrapActor, source.Asset, source.Feed, feeds[source.Feed]); err != nil {
			return fmt.Errorf("add oracle source %s/%s: %w", source.Asset, source.Feed, err)
		}
		if source.Primary {
			if err := agg.SetPrimary(bootstrapActor, source.Asset, source.Feed); err != nil {
				return fmt.Errorf("set primary source %s/%s: %w", source.Asset, source.Feed, err)
			}
		}
	}

	params, err := cfg.EngineParams()
	if err != nil {
		return err
	}
	ledger := bank.NewLedger()
	eng := engine.New(reg, agg, ledger, pol, params,
		engine.WithLogger(logger),
		engine.WithMetrics(observability.Engine()))

	stateStore, err := storage.OpenStateStore(cfg.Storage.StateDBPath)
	if err != nil {
		return err
	}
	defer stateStore.Close()

	switch state, err := stateStore.Load(); {
	case err == nil:
		if err := eng.ImportState(state); err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
		logger.Info("restored engine state", "positions", len(state.Positions))
	case errors.Is(err, storage.ErrNoState):
		logger.Info("starting with empty engine state")
	default:
		return fmt.Errorf("load state: %w", err)
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.Gateway.RateLimits))
	for key, limit := range cfg.Gateway.RateLimits {
		limits[key] = middleware.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}

	handler := routes.New(routes.Config{
		Lending: routes.NewLendingRoutes(eng, agg, reg, feeds),
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Gateway.AuthEnabled,
			HMACSecret: cfg.Gateway.AuthSecret,
			Issuer:     cfg.Gateway.Issuer,
			Audience:   cfg.Gateway.Audience,
		}, logger),
		RateLimiter:   middleware.NewRateLimiter(limits),
		Observability: middleware.NewObservability(),
	})

	server := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"address", cfg.Gateway.ListenAddress,
			"auth_enabled", cfg.Gateway.AuthEnabled,
			logging.MaskField("auth_secret", cfg.Gateway.AuthSecret))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := stateStore.Save(eng.ExportState()); err != nil {
				logger.Error("snapshot save failed", "error", err)
			}
		case err := <-serverErr:
			return err
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown", "error", err)
			}
			if err := stateStore.Save(eng.ExportState()); err != nil {
				return fmt.Errorf("final snapshot: %w", err)
			}
			return nil
		}
	}
}
