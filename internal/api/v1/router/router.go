package router

import (
	"context"
	"net/http"
	"time"

	"pubsub-webhook/internal/api/v1/handler"
	"pubsub-webhook/internal/archive"
	"pubsub-webhook/internal/config"
	"pubsub-webhook/internal/middleware"
	"pubsub-webhook/internal/pubsub"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
	"github.com/rs/zerolog"
)

// New wires the webhook endpoint and its collaborators. The returned
// publisher must be closed on shutdown.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (http.Handler, *pubsub.PubSubPublisher, error) {
	// 1. Initialize Pub/Sub publisher
	publisher, err := pubsub.NewPublisher(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create Pub/Sub publisher")
		return nil, nil, err
	}
	logger.Info().Str("topic", cfg.TopicPath()).Msg("Pub/Sub publisher initialized")

	// 2. Initialize the optional payload archive
	var archiver *archive.Archiver
	if cfg.ArchiveBucket != "" {
		s3Client, err := newS3Client(ctx, cfg)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize archive client")
			return nil, nil, err
		}
		archiver = archive.New(s3Client, cfg.ArchiveBucket, logger)
		logger.Info().Str("bucket", cfg.ArchiveBucket).Msg("Payload archive enabled")
	}

	// 3. Initialize the IP allowlist middleware when configured
	var allowlistMw func(http.Handler) http.Handler
	if cfg.IPWhitelist != "" {
		prefixes := middleware.ParseRanges(cfg.IPWhitelist, logger)
		logger.Info().Int("ranges", len(prefixes)).Msg("IP allowlist enabled")
		allowlistMw = middleware.IPAllowlist(prefixes, logger)
	}

	// 4. Mount routes
	webhookHandler := handler.NewWebhookHandler(
		publisher,
		cfg.TopicPath(),
		time.Duration(cfg.PublishTimeoutSec)*time.Second,
		archiver,
		logger,
	)

	mux := http.NewServeMux()
	webhookHandler.RegisterRoutes(mux, allowlistMw)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/swagger/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./docs/swagger/swagger.json")
	})

	return middleware.Logger(logger)(mux), publisher, nil
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.ArchiveRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, "")),
		awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3URL != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3URL)
			o.UsePathStyle = true
		}
	}), nil
}

// removeDisableGzip is a workaround for S3 signature errors with some
// S3-compatible services.
// See: https://github.com/supabase/storage/issues/577
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}
