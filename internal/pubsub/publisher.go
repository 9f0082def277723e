package pubsub

import (
	"context"
	"fmt"

	"pubsub-webhook/internal/config"

	"cloud.google.com/go/pubsub"
)

// Publisher defines an interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) (string, error)
}

// PubSubPublisher is an implementation of Publisher using Google Pub/Sub.
// The client and topic handle are constructed once and shared across
// requests; both are safe for concurrent use.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPublisher creates a PubSubPublisher for the configured topic. The topic
// may live in a different project than the one the client authenticates as.
func NewPublisher(ctx context.Context, cfg *config.Config) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.GCPProject)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	topic := client.TopicInProject(cfg.TopicName, cfg.TopicOwner())
	return &PubSubPublisher{client: client, topic: topic}, nil
}

// Publish sends the payload to the configured topic and returns the message
// ID, waiting for the server acknowledgment. The caller bounds the wait via
// ctx.
func (p *PubSubPublisher) Publish(ctx context.Context, payload []byte) (string, error) {
	result := p.topic.Publish(ctx, &pubsub.Message{Data: payload})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message to topic %s: %w", p.topic.String(), err)
	}
	return id, nil
}

// Topic returns the fully qualified path of the destination topic.
func (p *PubSubPublisher) Topic() string {
	return p.topic.String()
}

// Close flushes pending messages and releases the underlying client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
