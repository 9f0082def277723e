package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ObjectStore is the slice of the S3 API the archiver needs; tests substitute
// a fake.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes forwarded webhook payloads to an S3-compatible bucket for
// audit. It is strictly best-effort: failures are logged and never surface to
// the webhook sender.
type Archiver struct {
	store  ObjectStore
	bucket string
	logger zerolog.Logger
}

func New(store ObjectStore, bucket string, logger zerolog.Logger) *Archiver {
	return &Archiver{store: store, bucket: bucket, logger: logger}
}

// Archive stores one payload under a date-partitioned key. The payload bytes
// are written exactly as received.
func (a *Archiver) Archive(ctx context.Context, receivedAt time.Time, payload []byte) error {
	key := fmt.Sprintf("webhooks/%s/%s", receivedAt.UTC().Format("2006/01/02"), uuid.NewString())
	_, err := a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive payload to s3://%s/%s: %w", a.bucket, key, err)
	}
	a.logger.Debug().Str("key", key).Int("bytes", len(payload)).Msg("Payload archived")
	return nil
}
