package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"pubsub-webhook/internal/archive"
	"pubsub-webhook/internal/pubsub"

	"github.com/rs/zerolog"
)

const archiveTimeout = 10 * time.Second

// WebhookHandler accepts inbound webhook deliveries, answers verification
// challenges, and forwards everything else to the configured Pub/Sub topic.
type WebhookHandler struct {
	publisher      pubsub.Publisher
	topicPath      string
	publishTimeout time.Duration
	archiver       *archive.Archiver
	logger         zerolog.Logger
}

// NewWebhookHandler creates a WebhookHandler. archiver may be nil when the
// payload archive is disabled.
func NewWebhookHandler(publisher pubsub.Publisher, topicPath string, publishTimeout time.Duration, archiver *archive.Archiver, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		publisher:      publisher,
		topicPath:      topicPath,
		publishTimeout: publishTimeout,
		archiver:       archiver,
		logger:         logger,
	}
}

// RegisterRoutes mounts the webhook endpoint at the root path. The method
// check runs before the allowlist so a non-POST request is answered with 405
// no matter where it came from.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux, allowlistMw func(http.Handler) http.Handler) {
	var endpoint http.Handler = http.HandlerFunc(h.Receive)
	if allowlistMw != nil {
		endpoint = allowlistMw(endpoint)
	}
	mux.Handle("/", h.requirePost(endpoint))
}

func (h *WebhookHandler) requirePost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.logger.Error().Str("method", r.Method).Msg("Invalid method")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Receive godoc
// @Summary Receive a webhook delivery
// @Description Validates the request, echoes verification challenges, and forwards the raw body to the configured Pub/Sub topic.
// @Tags webhook
// @Accept json
// @Produce plain
// @Success 200 {string} string "OK, or the JSON echo of a challenge body"
// @Failure 403 {string} string "Forbidden"
// @Failure 405 {string} string "Method not allowed"
// @Failure 500 {string} string "Configuration error / Failed to process webhook"
// @Router / [post]
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.logger.Error().Str("method", r.Method).Msg("Invalid method")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read request body")
		http.Error(w, "Failed to process webhook", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	// Verification handshake: a JSON object carrying a challenge is echoed
	// back in full and never reaches the queue.
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil && hasChallenge(payload) {
		h.logger.Info().Interface("challenge", payload["challenge"]).Msg("Responding to challenge")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Error().Err(err).Msg("Failed to encode challenge response")
		}
		return
	}

	if h.topicPath == "" {
		h.logger.Error().Msg("No destination topic configured")
		http.Error(w, "Configuration error", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.publishTimeout)
	defer cancel()

	h.logger.Info().Str("topic", h.topicPath).Int("bytes", len(body)).Msg("Publishing webhook payload")
	id, err := h.publisher.Publish(ctx, body)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", h.topicPath).Msg("Failed to publish message")
		http.Error(w, "Failed to process webhook", http.StatusInternalServerError)
		return
	}
	h.logger.Info().Str("topic", h.topicPath).Str("message_id", id).Msg("Webhook forwarded")

	if h.archiver != nil {
		receivedAt := time.Now()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			if err := h.archiver.Archive(ctx, receivedAt, body); err != nil {
				h.logger.Warn().Err(err).Msg("Payload archive failed")
			}
		}()
	}

	w.Write([]byte("OK"))
}

// hasChallenge mirrors the loose truthiness webhook senders rely on: absent,
// null, empty-string, false, zero and empty composite values do not count as
// a challenge.
func hasChallenge(payload map[string]any) bool {
	switch v := payload["challenge"].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
