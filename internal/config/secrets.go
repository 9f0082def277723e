package config

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// secretPrefix marks a config value as a Secret Manager reference instead of
// a literal. Accepted forms:
//
//	sm://my-secret
//	sm://projects/my-project/secrets/my-secret
//	sm://projects/my-project/secrets/my-secret/versions/3
//
// The short form resolves against the primary GCP project at version latest.
const secretPrefix = "sm://"

// accessFunc fetches one secret version payload by resource name. Split out
// so tests can resolve references without a real Secret Manager client.
type accessFunc func(ctx context.Context, name string) ([]byte, error)

// ResolveSecrets replaces every sm:// reference in cfg with the secret's
// current payload. Called once at startup; plain values pass through
// untouched. Returns an error rather than booting with a dangling reference.
func ResolveSecrets(ctx context.Context, cfg *Config) error {
	if !cfg.hasSecretRefs() {
		return nil
	}

	var opts []option.ClientOption
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	defer client.Close()

	return cfg.resolveSecrets(ctx, func(ctx context.Context, name string) ([]byte, error) {
		result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: name,
		})
		if err != nil {
			return nil, err
		}
		return result.Payload.Data, nil
	})
}

func (c *Config) hasSecretRefs() bool {
	for _, v := range c.secretFields() {
		if strings.HasPrefix(*v, secretPrefix) {
			return true
		}
	}
	return false
}

// secretFields enumerates the fields allowed to carry sm:// references.
func (c *Config) secretFields() []*string {
	return []*string{&c.IPWhitelist, &c.ArchiveAccessKey, &c.ArchiveSecretKey}
}

func (c *Config) resolveSecrets(ctx context.Context, access accessFunc) error {
	for _, field := range c.secretFields() {
		if !strings.HasPrefix(*field, secretPrefix) {
			continue
		}
		name := c.secretResourceName(strings.TrimPrefix(*field, secretPrefix))
		payload, err := access(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to access secret %s: %w", name, err)
		}
		*field = string(payload)
	}
	return nil
}

func (c *Config) secretResourceName(ref string) string {
	if !strings.HasPrefix(ref, "projects/") {
		ref = fmt.Sprintf("projects/%s/secrets/%s", c.GCPProject, ref)
	}
	if !strings.Contains(ref, "/versions/") {
		ref += "/versions/latest"
	}
	return ref
}
