// Package queue wraps Google Cloud Pub/Sub for the payment queues. The auth
// request topic is FIFO per auth request via ordering keys; the void topic is
// unordered. Deduplication keys travel as message attributes and are enforced
// by consumer idempotency, since Pub/Sub does not deduplicate server-side.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultAckDeadline = 30 * time.Second

	// Redelivery backoff for nacked messages.
	retryMinBackoff = 10 * time.Second
	retryMaxBackoff = 600 * time.Second
)

// Client wraps a Pub/Sub client with ensure-exists topic and subscription
// management. Topics are cached with message ordering enabled.
type Client struct {
	projectID string
	client    *pubsub.Client
	logger    *log.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewClient connects to Pub/Sub for the given project.
func NewClient(ctx context.Context, projectID string) (*Client, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	c := &Client{
		projectID: projectID,
		client:    client,
		logger:    log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
		topics:    make(map[string]*pubsub.Topic),
	}
	c.logger.Printf("✅ Connected to Pub/Sub project %s", projectID)
	return c, nil
}

// EnsureTopic returns the named topic, creating it if it does not exist.
func (c *Client) EnsureTopic(ctx context.Context, topicID string) (*pubsub.Topic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if topic, ok := c.topics[topicID]; ok {
		return topic, nil
	}

	topic := c.client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		created, err := c.client.CreateTopic(ctx, topicID)
		switch {
		case err == nil:
			topic = created
			c.logger.Printf("✅ Created topic %s", topicID)
		case status.Code(err) == codes.AlreadyExists:
			// Another process created it between the check and the create;
			// the original handle works.
		default:
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	topic.EnableMessageOrdering = true
	c.topics[topicID] = topic
	return topic, nil
}

// EnsureSubscription returns the named subscription on topicID, creating it
// if it does not exist.
func (c *Client) EnsureSubscription(ctx context.Context, topicID, subID string, ordered bool) (*pubsub.Subscription, error) {
	topic, err := c.EnsureTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}

	sub := c.client.Subscription(subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscription.Exists: %w", err)
	}
	if !exists {
		created, err := c.client.CreateSubscription(ctx, subID, subscriptionConfig(topic, ordered))
		switch {
		case err == nil:
			sub = created
			c.logger.Printf("✅ Created subscription %s on %s", subID, topicID)
		case status.Code(err) == codes.AlreadyExists:
		default:
			return nil, fmt.Errorf("CreateSubscription: %w", err)
		}
	}
	return sub, nil
}

// subscriptionConfig is the config for a work queue subscription. Nacked
// messages come back with exponential backoff rather than immediately.
func subscriptionConfig(topic *pubsub.Topic, ordered bool) pubsub.SubscriptionConfig {
	return pubsub.SubscriptionConfig{
		Topic:                 topic,
		AckDeadline:           defaultAckDeadline,
		EnableMessageOrdering: ordered,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: retryMinBackoff,
			MaximumBackoff: retryMaxBackoff,
		},
	}
}

// Publish sends one message and waits for the server's confirmation, so the
// caller can record the outcome. An empty orderingKey publishes unordered.
func (c *Client) Publish(ctx context.Context, topicID string, payload []byte, orderingKey, dedupKey string) error {
	topic, err := c.EnsureTopic(ctx, topicID)
	if err != nil {
		return err
	}

	result := topic.Publish(ctx, buildMessage(payload, orderingKey, dedupKey))
	if _, err := result.Get(ctx); err != nil {
		// A failed ordered publish pauses the key until resumed.
		if orderingKey != "" {
			topic.ResumePublish(orderingKey)
		}
		return fmt.Errorf("publish to %s: %w", topicID, err)
	}
	return nil
}

// buildMessage assembles the Pub/Sub message. The dedup key rides as an
// attribute for consumer-side idempotency checks.
func buildMessage(payload []byte, orderingKey, dedupKey string) *pubsub.Message {
	return &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"dedup_key":    dedupKey,
			"published_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
		OrderingKey: orderingKey,
	}
}

// Receive pulls from the subscription until ctx is done, invoking handler for
// each message. The handler owns Ack/Nack.
func (c *Client) Receive(ctx context.Context, topicID, subID string, ordered bool, maxOutstanding int, handler func(context.Context, *pubsub.Message)) error {
	sub, err := c.EnsureSubscription(ctx, topicID, subID, ordered)
	if err != nil {
		return err
	}

	if maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}

	c.logger.Printf("📥 Receiving from %s (max outstanding %d)", subID, maxOutstanding)
	if err := sub.Receive(ctx, handler); err != nil {
		return fmt.Errorf("receive on %s: %w", subID, err)
	}
	return nil
}

// HealthCheck verifies a topic is reachable.
func (c *Client) HealthCheck(ctx context.Context, topicID string) error {
	topic := c.client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic %s does not exist", topicID)
	}
	return nil
}

// Close stops all cached topic publishers and closes the client.
func (c *Client) Close() error {
	c.mu.Lock()
	for _, topic := range c.topics {
		topic.Stop()
	}
	c.mu.Unlock()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	c.logger.Printf("🔌 Pub/Sub client closed")
	return nil
}
