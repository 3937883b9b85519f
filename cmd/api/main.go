package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"productshot/internal/domain"
	"productshot/internal/events"
	"productshot/internal/http/handlers"
	httpapi "productshot/internal/http/httpapi"
	"productshot/internal/infra"
	"productshot/internal/infra/geoip"
	"productshot/internal/jobs"
	"productshot/internal/ledger"
	"productshot/internal/middleware"
	"productshot/internal/nudge"
	"productshot/internal/pgnotify"
	"productshot/internal/pricing"
	"productshot/internal/storage"
)

const hubBuffer = 16

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to connect database")
	}
	defer pool.Close()
	db := infra.NewSQLRunner(pool, logger)

	prices := pricing.NewSource(cfg.CostTablePath)
	if _, err := prices.Table(); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.CostTablePath).Msg("api: invalid cost table")
	}

	credits := ledger.New(db, logger, ledger.Options{
		SignupBonus:            cfg.SignupBonusCredits,
		FirstSubscriptionBonus: cfg.FirstSubscriptionBonus,
	})

	transport, err := nudge.Open(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("transport", cfg.NudgeTransport).Msg("api: failed to open nudge transport")
	}
	defer transport.Close()
	logger.Info().Str("transport", transport.Name).Msg("api: worker nudges configured")

	jobHub := events.NewHub[domain.JobSnapshot](hubBuffer)
	creditHub := events.NewHub[domain.BalanceEvent](hubBuffer)
	bridge := pgnotify.NewBridge(cfg.DatabaseURL, jobHub, creditHub, logger)
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("api: notification bridge stopped, waiters fall back to polling")
		}
	}()

	storagePath := cfg.StoragePath
	if abs, err := filepath.Abs(storagePath); err == nil {
		storagePath = abs
	}
	store, err := storage.NewFileStore(storagePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
	}

	var lookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip disabled")
	} else if resolver != nil {
		defer resolver.Close()
		lookup = resolver.CountryCode
	}

	app := &handlers.App{
		DB:             db,
		Jobs:           jobs.NewService(db, credits, prices, transport.Nudger, logger),
		Ledger:         credits,
		Prices:         prices,
		JobHub:         jobHub,
		CreditHub:      creditHub,
		Store:          store,
		Logger:         logger,
		WaitInterval:   cfg.WaitPollInterval,
		WaitMaxTimeout: cfg.WaitMaxTimeout,
		AllowedOrigins: cfg.CORSOrigins,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		CORSOrigins:     cfg.CORSOrigins,
		DefaultLocale:   "en",
		CountryLookup:   lookup,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          logger,
	})

	server := infra.NewHTTPServer(cfg, cfg.Port, router)
	go func() {
		logger.Info().Msgf("api: listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("api: http server failed")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	logger.Info().Msg("api: stopped")
}
