// Package pubsub implements the dispatch bus on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/polymath-crawler/internal/bus"
)

// Config names the topic and subscription used for dispatch.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
	// CreateIfMissing creates the topic and subscription on startup. Useful
	// against the emulator.
	CreateIfMissing bool
}

// Bus publishes hosts to a topic and receives them from a subscription.
type Bus struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	ownsClient bool
	logger     *zap.Logger
}

var _ bus.Bus = (*Bus)(nil)

// Dial creates a client for cfg.ProjectID and opens the bus on it. The client
// is closed together with the bus.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Bus, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	b, err := New(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("Failed to close pubsub client after setup failure", zap.Error(closeErr))
		}
		return nil, err
	}
	b.ownsClient = true
	return b, nil
}

// New opens the bus on an existing client. The caller keeps ownership of
// client.
func New(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Bus, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.TopicID == "" {
		return nil, errors.New("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{client: client, topic: client.Topic(cfg.TopicID), logger: logger}
	if cfg.CreateIfMissing {
		if err := b.ensureTopic(ctx, cfg.TopicID); err != nil {
			return nil, err
		}
	}
	if cfg.SubscriptionID != "" {
		b.sub = client.Subscription(cfg.SubscriptionID)
		if cfg.CreateIfMissing {
			if err := b.ensureSubscription(ctx, cfg.SubscriptionID); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

func (b *Bus) ensureTopic(ctx context.Context, id string) error {
	exists, err := b.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check pubsub topic '%s': %w", id, err)
	}
	if exists {
		return nil
	}
	topic, err := b.client.CreateTopic(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to create pubsub topic '%s': %w", id, err)
	}
	b.topic = topic
	return nil
}

func (b *Bus) ensureSubscription(ctx context.Context, id string) error {
	exists, err := b.sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check pubsub subscription '%s': %w", id, err)
	}
	if exists {
		return nil
	}
	sub, err := b.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{Topic: b.topic})
	if err != nil {
		return fmt.Errorf("failed to create pubsub subscription '%s': %w", id, err)
	}
	b.sub = sub
	return nil
}

// Publish sends host and waits for the server to acknowledge it. The trace
// context of ctx travels in the message attributes.
func (b *Bus) Publish(ctx context.Context, host string) error {
	msg := &pubsub.Message{Data: []byte(host), Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := b.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	b.logger.Debug("Published host", zap.String("host", host), zap.String("message_id", id))
	return nil
}

// Subscribe receives hosts until ctx ends. Messages are acked after handler
// succeeds and nacked otherwise; once a message has been delivered
// bus.MaxDeliveryAttempts times it is acked and dropped.
func (b *Bus) Subscribe(ctx context.Context, handler bus.Handler) error {
	if b.sub == nil {
		return errors.New("pubsub subscription is not configured")
	}
	err := b.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &pubsubCarrier{attrs: msg.Attributes})
		host := string(msg.Data)
		if err := handler(ctx, host); err != nil {
			if attempt := deliveryAttempt(msg); attempt >= bus.MaxDeliveryAttempts {
				b.logger.Warn("Dropping message after repeated handler failures",
					zap.String("host", host),
					zap.Int("attempts", attempt),
					zap.Error(err),
				)
				msg.Ack()
				return
			}
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive messages: %w", err)
	}
	return nil
}

// deliveryAttempt is only populated when the subscription has a dead letter
// policy; without one every delivery counts as the first.
func deliveryAttempt(msg *pubsub.Message) int {
	if msg.DeliveryAttempt == nil {
		return 1
	}
	return *msg.DeliveryAttempt
}

// Close flushes pending publishes and, when the bus created the client,
// closes it.
func (b *Bus) Close() error {
	b.topic.Stop()
	if !b.ownsClient {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
