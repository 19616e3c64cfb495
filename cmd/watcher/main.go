package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/storage"
	"github.com/patchscout/patchscout/internal/watcher"
)

func main() {
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	var configPath string
	var metricsPort int
	flag.StringVar(&configPath, "config", "configs/config.dev.yaml", "Path to configuration file")
	flag.IntVar(&metricsPort, "metrics-port", 2113, "Prometheus metrics port")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := initLogger(cfg, "patchscout-watcher")
	logger.Info().Str("config", configPath).
		Str("stream", cfg.Watcher.StreamURL).Msg("Starting patchscout page watcher")

	metrics.InitMetrics()

	store, err := storage.Open(cfg.Storage.Path, cfg.Processor.StuckTimeout)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("Failed to open storage")
	}
	defer store.Close()
	logger.Info().Str("path", cfg.Storage.Path).Msg("Storage opened")

	w := watcher.New(cfg.Watcher, store.Pages, logger)
	if err := w.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start watcher")
	}
	logger.Info().Msg("Watcher started")

	metricsServer := metrics.NewServer(metricsPort, logger)
	metricsServer.Start()
	logger.Info().Int("port", metricsPort).Msg("Metrics server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info().Msg("Stopping watcher...")
	w.Stop()
	logger.Info().Msg("Watcher stopped")

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

	logger.Info().Msg("patchscout page watcher shutdown complete")
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
