package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all environment-sourced settings. Required keys are enforced
// at load time so a misdeployed process refuses to boot instead of failing
// on its first request.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"production"`

	GCPProject   string `envconfig:"GCP_PROJECT" required:"true" validate:"required"`
	TopicName    string `envconfig:"TOPIC_NAME" required:"true" validate:"required"`
	TopicProject string `envconfig:"TOPIC_PROJECT"`

	// Comma-separated CIDR ranges. When empty the allowlist check is
	// skipped entirely.
	IPWhitelist string `envconfig:"IP_WHITELIST"`

	PublishTimeoutSec int `envconfig:"PUBLISH_TIMEOUT_SEC" default:"30" validate:"gt=0"`

	// Optional payload archive. Enabled only when ArchiveBucket is set;
	// the credentials may be sm:// Secret Manager references.
	ArchiveBucket    string `envconfig:"ARCHIVE_BUCKET"`
	ArchiveS3URL     string `envconfig:"ARCHIVE_S3_URL" validate:"omitempty,url"`
	ArchiveRegion    string `envconfig:"ARCHIVE_S3_REGION" default:"auto"`
	ArchiveAccessKey string `envconfig:"ARCHIVE_S3_ACCESS_KEY"`
	ArchiveSecretKey string `envconfig:"ARCHIVE_S3_SECRET_KEY"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// TopicOwner returns the project that owns the destination topic. TOPIC_PROJECT
// overrides the primary project when set.
func (c *Config) TopicOwner() string {
	if c.TopicProject != "" {
		return c.TopicProject
	}
	return c.GCPProject
}

// TopicPath returns the fully qualified Pub/Sub topic path.
func (c *Config) TopicPath() string {
	return fmt.Sprintf("projects/%s/topics/%s", c.TopicOwner(), c.TopicName)
}
