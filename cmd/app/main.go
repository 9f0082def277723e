package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pubsub-webhook/internal/api/v1/router"
	"pubsub-webhook/internal/config"
	"pubsub-webhook/internal/logger"

	"github.com/joho/godotenv"
)

// @title Pub/Sub Webhook Forwarder
// @version 1.0
// @description Forwards inbound webhook deliveries to a Google Pub/Sub topic.
// @host localhost:8080
// @BasePath /

func main() {
	logger := logger.New()

	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx := context.Background()
	if err := config.ResolveSecrets(ctx, cfg); err != nil {
		logger.Fatal().Msgf("Error resolving secret references: %v", err)
	}

	// 2. Build router (and get the publisher for shutdown)
	r, publisher, err := router.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to build router: %v", err)
	}
	defer publisher.Close()

	// 3. Create HTTP server. The write timeout must outlast the bounded
	// publish wait or slow acknowledgments would be cut off mid-response.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Duration(cfg.PublishTimeoutSec+10) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 4. Start server in a goroutine
	go func() {
		logger.Info().Msgf("🚀 Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Msgf("Listen: %s\n", err)
		}
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received, exiting...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Msgf("Server forced to shutdown: %v", err)
	}
	logger.Info().Msg("Server shut down gracefully")
}
