// Package alerts publishes critical queue events to Google Cloud Pub/Sub.
package alerts

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Publisher sends a message to a fixed topic and returns its server id.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error)
}

// PubSubPublisher implements Publisher with Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher creates a publisher for topicID in projectID.
// PUBSUB_EMULATOR_HOST is honoured by the client library.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string) (*PubSubPublisher, error) {
	if topicID == "" {
		return nil, errors.New("pubsub topic is required")
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	return &PubSubPublisher{
		client: client,
		topic:  client.Topic(topicID),
	}, nil
}

// Publish sends payload and waits for the server acknowledgement.
func (p *PubSubPublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error) {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to topic %s: %w", p.topic.ID(), err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
