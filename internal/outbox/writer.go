package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/fds/internal/domain"
)

// WriterStore is the subset of the repository the writer needs.
type WriterStore interface {
	domain.TxManager
	UpsertOrder(ctx context.Context, order *domain.Order) error
	UpsertPurchase(ctx context.Context, purchase *domain.Purchase) error
	InsertOutbox(ctx context.Context, event *domain.OutboxEvent) error
}

// Writer persists a domain entity and its outbox event atomically.
type Writer struct {
	store WriterStore
}

// NewWriter creates a new outbox writer.
func NewWriter(store WriterStore) *Writer {
	return &Writer{store: store}
}

// UpsertOrderAndEmit upserts order (replacing its items) and appends one READY
// order_upserted event in the same transaction.
func (w *Writer) UpsertOrderAndEmit(ctx context.Context, order *domain.Order, shardID string) (*domain.OutboxEvent, error) {
	if order == nil || strings.TrimSpace(order.OrderID) == "" {
		return nil, fmt.Errorf("%w: order_id is required", domain.ErrInvalidInput)
	}

	payload, err := OrderPayload(order)
	if err != nil {
		return nil, err
	}

	return w.emit(ctx, shardID, domain.EventOrderUpserted, order.OrderID, payload, func(ctx context.Context) error {
		return w.store.UpsertOrder(ctx, order)
	})
}

// UpsertPurchaseAndEmit upserts purchase and appends one READY purchase_upserted
// event in the same transaction.
func (w *Writer) UpsertPurchaseAndEmit(ctx context.Context, purchase *domain.Purchase, shardID string) (*domain.OutboxEvent, error) {
	if purchase == nil || strings.TrimSpace(purchase.PurchaseID) == "" {
		return nil, fmt.Errorf("%w: purchase_id is required", domain.ErrInvalidInput)
	}

	payload, err := PurchasePayload(purchase)
	if err != nil {
		return nil, err
	}

	return w.emit(ctx, shardID, domain.EventPurchaseUpserted, purchase.PurchaseID, payload, func(ctx context.Context) error {
		return w.store.UpsertPurchase(ctx, purchase)
	})
}

func (w *Writer) emit(ctx context.Context, shardID, eventType, aggregateID string, payload json.RawMessage, upsert func(ctx context.Context) error) (*domain.OutboxEvent, error) {
	if shardID == "" {
		shardID = domain.DefaultShard
	}

	event := &domain.OutboxEvent{
		ShardID:     shardID,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      domain.OutboxReady,
	}

	err := w.store.WithTx(ctx, func(ctx context.Context) error {
		if err := upsert(ctx); err != nil {
			return err
		}
		return w.store.InsertOutbox(ctx, event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write %s for %s: %w", eventType, aggregateID, err)
	}
	return event, nil
}
