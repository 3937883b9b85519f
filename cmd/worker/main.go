package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"productshot/internal/infra"
	"productshot/internal/infra/credentials"
	"productshot/internal/ledger"
	"productshot/internal/metrics"
	"productshot/internal/nudge"
	"productshot/internal/providers"
	"productshot/internal/providers/openai"
	"productshot/internal/providers/synthetic"
	"productshot/internal/queue"
	"productshot/internal/storage"
	"productshot/internal/worker"
)

const metricsLogInterval = time.Minute

func main() {
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
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()
	db := infra.NewSQLRunner(pool, logger)

	storagePath := cfg.StoragePath
	if abs, err := filepath.Abs(storagePath); err == nil {
		storagePath = abs
	}
	store, err := storage.NewFileStore(storagePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	apiKey, err := credentials.NewStore(db).Resolve(ctx, credentials.ProviderOpenAI, cfg.OpenAIAPIKey)
	if err != nil {
		logger.Warn().Err(err).Msg("worker: failed to load stored openai key")
	}
	provider, err := newProvider(cfg, apiKey, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure provider")
	}

	credits := ledger.New(db, logger, ledger.Options{})
	q := queue.New(db, credits, logger, queue.Options{
		StaleThreshold: cfg.StaleThreshold,
		MaxAttempts:    cfg.MaxAttempts,
		BaseBackoff:    cfg.RetryBaseBackoff,
	})

	m := &metrics.Metrics{}
	runner := worker.NewRunner(q, worker.NewPipeline(provider, store, logger).Handlers(), logger, worker.Options{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Metrics:      m,
	})

	transport, err := nudge.Open(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("transport", cfg.NudgeTransport).Msg("worker: failed to open nudge transport")
	}
	defer transport.Close()

	var nudges <-chan string
	if transport.Source != nil {
		nudges, err = transport.Source.Listen(ctx)
		if err != nil {
			logger.Warn().Err(err).Str("transport", transport.Name).Msg("worker: nudges unavailable, polling only")
			nudges = nil
		}
	}

	server := infra.NewHTTPServer(cfg, cfg.WorkerPort, worker.NewServer(transport.Handler, m, db, logger))
	go func() {
		logger.Info().Msgf("worker: listening on :%s", cfg.WorkerPort)
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("worker: http server failed")
		}
	}()

	stopMetrics := metrics.Every(metricsLogInterval, func() {
		c := m.Snapshot()
		logger.Info().
			Uint64("claimed", c.Claimed).
			Uint64("completed", c.Completed).
			Uint64("failed", c.Failed).
			Uint64("retried", c.Retried).
			Uint64("lost", c.Lost).
			Msg("worker: counters")
	})
	defer stopMetrics()

	if err := runner.Run(ctx, nudges); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: failed to shutdown server")
	}
	logger.Info().Msg("worker: stopped")
}

func newProvider(cfg *infra.Config, apiKey string, logger zerolog.Logger) (providers.Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		logger.Warn().Msg("worker: openai key missing, using synthetic provider")
		return synthetic.New(), nil
	}
	p, err := openai.New(openai.Options{
		APIKey:       apiKey,
		ChatModel:    cfg.OpenAIModel,
		ImageModel:   cfg.OpenAIImageModel,
		BaseURL:      cfg.OpenAIBaseURL,
		Organization: cfg.OpenAIOrg,
		OnWarning: func(reason, detail string) {
			logger.Warn().Str("reason", reason).Str("detail", detail).Msg("worker: openai configuration")
		},
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
