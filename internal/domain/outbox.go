package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Outbox event types.
const (
	EventOrderUpserted    = "order_upserted"
	EventPurchaseUpserted = "purchase_upserted"
)

// DefaultShard is used when the caller does not name a shard.
const DefaultShard = "default"

// OutboxStatus is the dispatch state of an outbox row.
type OutboxStatus string

const (
	OutboxReady OutboxStatus = "READY"
	OutboxSent  OutboxStatus = "SENT"
	OutboxError OutboxStatus = "ERROR"
)

// OutboxEvent is a durable "event to detect" written in the ingestion transaction.
type OutboxEvent struct {
	ID          int64           `json:"id"`
	ShardID     string          `json:"shardId"`
	EventType   string          `json:"eventType"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// DetectTask is the worker invocation handed to the task queue for one outbox row.
type DetectTask struct {
	OutboxID    int64           `json:"outboxId"`
	EventType   string          `json:"eventType"`
	ShardID     string          `json:"shardId"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
}

// ProcessedRecord marks a completed detection. Unique over (ShardID, EventType, AggregateID).
type ProcessedRecord struct {
	ShardID     string    `json:"shardId"`
	EventType   string    `json:"eventType"`
	AggregateID string    `json:"aggregateId"`
	ProcessedAt time.Time `json:"processedAt"`
}

// DeadLetter records a task that exhausted its retries.
type DeadLetter struct {
	ID          string          `json:"id"`
	OutboxID    int64           `json:"outboxId"`
	ShardID     string          `json:"shardId"`
	EventType   string          `json:"eventType"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// TaskQueue hands detect tasks to workers. Delivery is at-least-once.
type TaskQueue interface {
	Enqueue(ctx context.Context, task DetectTask) error
}
