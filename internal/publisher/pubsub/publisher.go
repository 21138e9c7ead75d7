// Package pubsub implements a Google Cloud Pub/Sub publisher for
// indexed-document events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// Config captures the parameters required to connect to Pub/Sub.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	// Topic is the default topic verified at startup. Publishes may still
	// target other topics.
	Topic string `mapstructure:"topic"`
}

// Publisher wraps a Pub/Sub client and caches topic handles per topic name.
type Publisher struct {
	client *pubsub.Client
	log    *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New wraps an existing client.
func New(client *pubsub.Client, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		log:    logger,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Connect creates a Pub/Sub client using Application Default Credentials and
// verifies the configured topic exists, so a bad topic name fails at startup
// instead of on the first indexed page.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("publisher.project_id is required for the pubsub provider")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	if cfg.Topic != "" {
		exists, err := client.Topic(cfg.Topic).Exists(ctx)
		if err != nil {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("failed to close pubsub client after topic check failure", zap.Error(closeErr))
			}
			return nil, fmt.Errorf("failed to check pubsub topic %q: %w", cfg.Topic, err)
		}
		if !exists {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("failed to close pubsub client after topic check failure", zap.Error(closeErr))
			}
			return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.Topic, cfg.ProjectID)
		}
	}

	return New(client, logger)
}

// Publish marshals the payload to JSON, publishes it, and waits for the
// server-assigned message ID. The client batches and retries underneath.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	result := p.topic(topic).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending publishes and closes the underlying client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[name]; ok {
		return t
	}
	t := p.client.Topic(name)
	p.topics[name] = t
	return t
}
