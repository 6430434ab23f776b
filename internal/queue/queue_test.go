package queue

import (
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessageOrdered(t *testing.T) {
	msg := buildMessage([]byte("payload"), "auth-123", "outbox-7")

	assert.Equal(t, []byte("payload"), msg.Data)
	assert.Equal(t, "auth-123", msg.OrderingKey)
	assert.Equal(t, "outbox-7", msg.Attributes["dedup_key"])

	_, err := time.Parse(time.RFC3339Nano, msg.Attributes["published_at"])
	require.NoError(t, err)
}

func TestBuildMessageUnordered(t *testing.T) {
	msg := buildMessage([]byte("void"), "", "outbox-8")

	assert.Empty(t, msg.OrderingKey)
	assert.Equal(t, "outbox-8", msg.Attributes["dedup_key"])
}

func TestSubscriptionConfig(t *testing.T) {
	topic := &pubsub.Topic{}

	cfg := subscriptionConfig(topic, true)
	assert.True(t, cfg.EnableMessageOrdering)
	assert.Equal(t, defaultAckDeadline, cfg.AckDeadline)
	require.NotNil(t, cfg.RetryPolicy)
	assert.Equal(t, retryMinBackoff, cfg.RetryPolicy.MinimumBackoff)
	assert.Equal(t, retryMaxBackoff, cfg.RetryPolicy.MaximumBackoff)

	cfg = subscriptionConfig(topic, false)
	assert.False(t, cfg.EnableMessageOrdering)
}
