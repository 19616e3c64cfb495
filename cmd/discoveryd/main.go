package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/patchscout/patchscout/internal/api"
	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/enrich"
	"github.com/patchscout/patchscout/internal/feed"
	"github.com/patchscout/patchscout/internal/fetcher"
	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/processor"
	"github.com/patchscout/patchscout/internal/run"
	"github.com/patchscout/patchscout/internal/scorer"
	"github.com/patchscout/patchscout/internal/storage"
)

func main() {
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	var configPath string
	flag.StringVar(&configPath, "config", "configs/config.dev.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := initLogger(cfg, "patchscout-discoveryd")
	logger.Info().Str("config", configPath).Msg("Starting patchscout discovery daemon")

	metrics.InitMetrics()

	store, err := storage.Open(cfg.Storage.Path, cfg.Processor.StuckTimeout)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("Failed to open storage")
	}
	defer store.Close()
	logger.Info().Str("path", cfg.Storage.Path).Msg("Storage opened")

	redisClient, err := initRedis(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Redis client")
	}
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	pingCancel()
	logger.Info().Msg("Connected to Redis")

	pageFetcher := fetcher.New(cfg.Fetcher, logger)
	relevance := scorer.New(cfg.Scorer, logger)

	// Enrichment is best-effort and optional; without brokers the processor
	// simply skips dispatch.
	var dispatcher *enrich.Dispatcher
	var dispatch processor.Dispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		dispatcher = enrich.NewDispatcher(cfg.Kafka, logger)
		dispatcher.Start()
		dispatch = dispatcher
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.EnrichmentTopic).Msg("Enrichment dispatcher started")
	} else {
		logger.Info().Msg("Enrichment dispatch disabled, no Kafka brokers configured")
	}

	var agent feed.AgentClient
	if c := feed.NewHTTPAgentClient(cfg.Feed, logger); c != nil {
		agent = c
		logger.Info().Str("agent_url", cfg.Feed.AgentBaseURL).Msg("Agent feed client configured")
	} else {
		logger.Info().Msg("No agent endpoint configured, memories persist locally only")
	}
	feedWorker := feed.NewWorker(cfg.Feed, store.Feed, store.Content, store.Memories,
		store.Patches, agent, logger)

	proc := processor.New(cfg.Processor, cfg.Extractor.MinTextBytes, store.Citations,
		store.Content, store.Feed, pageFetcher, nil, relevance, dispatch, logger)

	runLock := storage.NewRunLock(redisClient, cfg.Run.LockTTL)

	hub := api.NewRunHub(logger)
	go hub.Run()

	coordinator := run.NewCoordinator(cfg.Run, store.Patches, store.Pages, store.Citations,
		store.Runs, runLock, pageFetcher, proc, feedWorker, hub, logger)

	apiServer := api.NewServer(store, coordinator, redisClient, cfg, hub, logger)
	httpServer := apiServer.ListenAndServe("")
	go func() {
		logger.Info().Int("port", cfg.API.Port).Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	metricsServer := metrics.NewServer(cfg.API.MetricsPort, logger)
	metricsServer.Start()
	logger.Info().Int("port", cfg.API.MetricsPort).Msg("Metrics server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info().Msg("Stopping API server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	} else {
		logger.Info().Msg("API server stopped")
	}
	_ = apiServer.Shutdown(shutdownCtx)

	logger.Info().Msg("Stopping run coordinator...")
	coordinator.Close()
	logger.Info().Msg("Run coordinator stopped")

	if dispatcher != nil {
		logger.Info().Msg("Stopping enrichment dispatcher...")
		if err := dispatcher.Close(); err != nil {
			logger.Error().Err(err).Msg("Error stopping enrichment dispatcher")
		} else {
			logger.Info().Msg("Enrichment dispatcher stopped")
		}
	}

	logger.Info().Msg("Stopping metrics server...")
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	} else {
		logger.Info().Msg("Metrics server stopped")
	}

	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing storage")
	} else {
		logger.Info().Msg("Storage closed")
	}

	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing Redis connection")
	} else {
		logger.Info().Msg("Redis connection closed")
	}

	logger.Info().Msg("patchscout discovery daemon shutdown complete")
}

// initLogger initializes the logger based on configuration.
func initLogger(cfg *config.Config, service string) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Logging.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	return log.Logger.With().
		Str("service", service).
		Str("version", "1.0.0").
		Logger()
}

// initRedis builds the Redis client used for run locks and live counters.
func initRedis(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return redis.NewClient(opt), nil
}
