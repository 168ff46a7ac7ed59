package messagepipeline

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// SimplePublisher publishes single messages without batching.
type SimplePublisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
	// Stop flushes any pending messages and accepts a context for timeout control.
	Stop(ctx context.Context) error
}

// GoogleSimplePublisherConfig names the topic events are published to.
type GoogleSimplePublisherConfig struct {
	TopicID string `mapstructure:"topic_id"`
	// ResultTimeout bounds how long the background publish result check waits.
	ResultTimeout time.Duration `mapstructure:"result_timeout"`
	// OrderingKey, when set, enables message ordering on the topic and tags
	// every message with the key, so subscribers with ordering enabled see
	// messages in publish order.
	OrderingKey string `mapstructure:"ordering_key"`
}

// NewGoogleSimplePublisherDefaults provides a config with sensible defaults.
func NewGoogleSimplePublisherDefaults(topicID string) GoogleSimplePublisherConfig {
	return GoogleSimplePublisherConfig{TopicID: topicID, ResultTimeout: 30 * time.Second}
}

// GoogleSimplePublisher implements a direct-to-Pub/Sub publisher.
type GoogleSimplePublisher struct {
	topic         *pubsub.Topic
	resultTimeout time.Duration
	orderingKey   string
	logger        zerolog.Logger
}

// NewGoogleSimplePublisher verifies the topic exists, respecting ctx's
// deadline, before returning.
func NewGoogleSimplePublisher(ctx context.Context, cfg GoogleSimplePublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*GoogleSimplePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(cfg.TopicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 30 * time.Second
	}
	if cfg.OrderingKey != "" {
		topic.EnableMessageOrdering = true
	}
	return &GoogleSimplePublisher{
		topic:         topic,
		resultTimeout: cfg.ResultTimeout,
		orderingKey:   cfg.OrderingKey,
		logger:        logger.With().Str("component", "GoogleSimplePublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish queues a single message and returns immediately. The publish
// result is checked and logged in the background. With an ordering key, a
// failed publish pauses the key until the failure has been logged, after
// which publishing resumes.
func (p *GoogleSimplePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		Attributes:  attributes,
		OrderingKey: p.orderingKey,
	})

	go func() {
		// A fresh context so a short-lived publish context does not cancel the check.
		getCtx, cancel := context.WithTimeout(context.Background(), p.resultTimeout)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to publish message")
			if p.orderingKey != "" {
				p.topic.ResumePublish(p.orderingKey)
			}
			return
		}
		p.logger.Debug().Str("published_msg_id", msgID).Msg("Message sent successfully.")
	}()

	return nil
}

// Stop flushes any pending messages for the topic, respecting the context's timeout.
func (p *GoogleSimplePublisher) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}

	// topic.Stop() is blocking, so we wrap it to respect the context timeout.
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
