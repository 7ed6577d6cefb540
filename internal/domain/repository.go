// Package domain defines the core interfaces and types for the fraud-detection pipeline.
package domain

import (
	"context"
	"time"
)

// TxManager runs fn inside one database transaction. Repository calls made with the
// context passed to fn join that transaction.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repository defines the interface for data persistence.
type Repository interface {
	TxManager

	// Rule store
	ListRules(ctx context.Context) ([]*RuleDefinition, error)
	GetRule(ctx context.Context, ruleID string) (*RuleDefinition, error)
	SaveRule(ctx context.Context, rule *RuleDefinition) error
	DeleteRule(ctx context.Context, ruleID string) error

	// Domain entities
	UpsertOrder(ctx context.Context, order *Order) error
	UpsertPurchase(ctx context.Context, purchase *Purchase) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetPurchase(ctx context.Context, purchaseID string) (*Purchase, error)
	CountOrders(ctx context.Context, field OrderField, value string, since time.Time) (int64, error)

	// Outbox
	InsertOutbox(ctx context.Context, event *OutboxEvent) error
	ClaimReady(ctx context.Context, shardID string, limit int) ([]*OutboxEvent, error)
	MarkSent(ctx context.Context, id int64) error
	MarkError(ctx context.Context, id int64) error
	GetOutboxEvent(ctx context.Context, id int64) (*OutboxEvent, error)

	// Idempotency ledger and dead letters
	ProcessedExists(ctx context.Context, shardID, eventType, aggregateID string) (bool, error)
	InsertProcessed(ctx context.Context, rec *ProcessedRecord) error
	InsertDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, shardID string, limit int) ([]*DeadLetter, error)

	// Blocklists
	InsertBlock(ctx context.Context, list Blocklist, id string) (bool, error)
	IsBlocked(ctx context.Context, list Blocklist, id string) (bool, error)

	// Detection logs
	SaveDetectionLog(ctx context.Context, log *DetectionLog) error
	ListDetectionLogs(ctx context.Context, kind CaseKind, caseID string) ([]*DetectionLog, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Blocklist names one of the identifier blocklists.
type Blocklist string

const (
	BlocklistUser   Blocklist = "user"
	BlocklistDevice Blocklist = "device"
	BlocklistCard   Blocklist = "card"
)

// OrderField names an order column usable for velocity counts.
type OrderField string

const (
	OrderFieldAccount OrderField = "account_id"
	OrderFieldDevice  OrderField = "device_id"
)

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
