// Package webhook exposes the forwarder as a Cloud Functions HTTP target.
// The standalone server lives in cmd/app; this entrypoint is what the
// functions runtime loads.
package webhook

import (
	"context"
	"net/http"
	"sync"

	"pubsub-webhook/internal/api/v1/router"
	"pubsub-webhook/internal/config"
	"pubsub-webhook/internal/logger"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
)

func init() {
	functions.HTTP("PubSubWebhook", serve)
}

var (
	initOnce sync.Once
	handler  http.Handler
	initErr  error
)

// serve lazily builds the router on first invocation so client construction
// happens once per instance, then delegates every request to it.
func serve(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(setup)
	if initErr != nil {
		http.Error(w, "Configuration error", http.StatusInternalServerError)
		return
	}
	handler.ServeHTTP(w, r)
}

func setup() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Error loading config")
		initErr = err
		return
	}

	ctx := context.Background()
	if err := config.ResolveSecrets(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Error resolving secret references")
		initErr = err
		return
	}

	handler, _, initErr = router.New(ctx, cfg, log)
	if initErr != nil {
		log.Error().Err(initErr).Msg("Failed to build router")
	}
}
