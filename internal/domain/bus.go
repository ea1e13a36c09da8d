package domain

import (
	"context"
)

// EventBus carries scoring events to external subscribers. Publishing is
// fire-and-forget: it must never block or fail the scoring path.
type EventBus interface {
	// Publish sends a message to a topic without blocking.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Ping checks bus health.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// Event is the payload published on the scoring topics.
type Event struct {
	Rule          string  `json:"rule,omitempty"`
	TransactionID string  `json:"transactionId"`
	Score         float64 `json:"score"`
	DurationMs    int64   `json:"durationMs"`
}

// Topics emitted by the detector, plus the ingestion topic the async
// worker consumes.
const (
	TopicRuleTriggered        = "merlin.rule.triggered"
	TopicAnalyzerExecuted     = "merlin.analyzer.executed"
	TopicTransactionAnalyzed  = "merlin.transaction.analyzed"
	TopicTransactionIngested  = "merlin.transaction.ingested"
)

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats".
	Type string

	// Channel settings.
	ChannelBufferSize int

	// NATS settings.
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}
