package domain

import "context"

// Topics of the detection pipeline. Every topic is partitioned by shard.
const (
	TopicDetectCase = "fds.case.detect" // DetectTask, dispatcher → worker
	TopicDecision   = "fds.decision"    // decision of a processed task
	TopicAlert      = "fds.alert"       // task dead-lettered after exhausting retries
)

// EventBus moves detect tasks, decisions and alerts between processes.
// The channel bus serves a single process; the NATS bus spans processes.
type EventBus interface {
	// Publish delivers payload to the subscribers of topic on shardID.
	// shardID must not be empty.
	Publish(ctx context.Context, shardID string, topic string, payload []byte) error

	// Subscribe runs handler for every message on topic within shardID until the
	// subscription or the bus is closed.
	Subscribe(ctx context.Context, shardID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler consumes one message. A returned error is logged by the bus;
// redelivery is the subscriber's concern.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope around a published payload.
type Message struct {
	ID        string            `json:"id"`
	ShardID   string            `json:"shardId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

// Subscription is a live registration on one shard topic.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus.
type EventBusConfig struct {
	Type string // "channel" or "nats"

	// Per-subscription buffer of the channel bus. Publish blocks while it is full.
	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int    // seconds
	NATSQueueGroup    string // subscribers sharing a group split decisions and alerts

	// Detect tasks go through a JetStream work-queue stream with one durable
	// consumer per shard.
	NATSStream     string
	NATSAckWait    int // seconds a worker holds a task before it is redelivered
	NATSMaxDeliver int
}
