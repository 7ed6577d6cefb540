package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
	"github.com/shopspring/decimal"
)

// UpsertOrder inserts or fully overwrites an order by order_id and replaces its items.
func (r *SQLRepository) UpsertOrder(ctx context.Context, order *domain.Order) error {
	if order == nil || strings.TrimSpace(order.OrderID) == "" {
		return fmt.Errorf("%w: order_id is required", domain.ErrInvalidInput)
	}

	metadata, err := marshalMetadata(order.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	query := `
		INSERT INTO orders (
			order_id, account_id, device_id, order_country, total_price,
			currency, order_status, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			account_id = excluded.account_id,
			device_id = excluded.device_id,
			order_country = excluded.order_country,
			total_price = excluded.total_price,
			currency = excluded.currency,
			order_status = excluded.order_status,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	return r.WithTx(ctx, func(ctx context.Context) error {
		if _, err := r.q(ctx).ExecContext(ctx, r.rebind(query),
			order.OrderID, order.AccountID, order.DeviceID, order.OrderCountry,
			order.TotalPrice.StringFixed(2), order.Currency, order.OrderStatus,
			metadata, order.CreatedAt, order.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert order: %w", err)
		}

		if _, err := r.q(ctx).ExecContext(ctx, r.rebind(`DELETE FROM order_items WHERE order_id = ?`), order.OrderID); err != nil {
			return fmt.Errorf("failed to clear order items: %w", err)
		}

		insertItem := r.rebind(`
			INSERT INTO order_items (order_id, line_no, product_id, unit_price, quantity)
			VALUES (?, ?, ?, ?, ?)
		`)
		for i, item := range order.Items {
			if _, err := r.q(ctx).ExecContext(ctx, insertItem,
				order.OrderID, i+1, item.ProductID, item.UnitPrice.StringFixed(2), item.Quantity,
			); err != nil {
				return fmt.Errorf("failed to insert order item %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// GetOrder retrieves an order with its items.
func (r *SQLRepository) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	query := `
		SELECT order_id, account_id, device_id, order_country, total_price,
			   currency, order_status, metadata, created_at, updated_at
		FROM orders
		WHERE order_id = ?
	`

	var order domain.Order
	var price string
	var metadata sql.NullString

	err := r.q(ctx).QueryRowContext(ctx, r.rebind(query), orderID).Scan(
		&order.OrderID, &order.AccountID, &order.DeviceID, &order.OrderCountry, &price,
		&order.Currency, &order.OrderStatus, &metadata, &order.CreatedAt, &order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if order.TotalPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid total_price for order %s: %w", orderID, err)
	}
	order.Metadata = unmarshalMetadata(metadata)

	rows, err := r.q(ctx).QueryContext(ctx, r.rebind(`
		SELECT product_id, unit_price, quantity
		FROM order_items
		WHERE order_id = ?
		ORDER BY line_no
	`), orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		var unitPrice string
		if err := rows.Scan(&item.ProductID, &unitPrice, &item.Quantity); err != nil {
			return nil, err
		}
		if item.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return nil, fmt.Errorf("invalid unit_price for order %s: %w", orderID, err)
		}
		order.Items = append(order.Items, item)
	}

	return &order, rows.Err()
}

// UpsertPurchase inserts or fully overwrites a purchase by purchase_id.
func (r *SQLRepository) UpsertPurchase(ctx context.Context, p *domain.Purchase) error {
	if p == nil || strings.TrimSpace(p.PurchaseID) == "" {
		return fmt.Errorf("%w: purchase_id is required", domain.ErrInvalidInput)
	}

	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `
		INSERT INTO purchases (
			purchase_id, order_id, method_type, card_brand, bin, card_id, device_id,
			payment_country, payment_status, failure_reason, price, currency,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(purchase_id) DO UPDATE SET
			order_id = excluded.order_id,
			method_type = excluded.method_type,
			card_brand = excluded.card_brand,
			bin = excluded.bin,
			card_id = excluded.card_id,
			device_id = excluded.device_id,
			payment_country = excluded.payment_country,
			payment_status = excluded.payment_status,
			failure_reason = excluded.failure_reason,
			price = excluded.price,
			currency = excluded.currency,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	_, err = r.q(ctx).ExecContext(ctx, r.rebind(query),
		p.PurchaseID, p.OrderID, p.MethodType, p.CardBrand, p.BIN, p.CardID, p.DeviceID,
		p.PaymentCountry, p.PaymentStatus, p.FailureReason, p.Price.StringFixed(2), p.Currency,
		metadata, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert purchase: %w", err)
	}
	return nil
}

// GetPurchase retrieves a purchase by id.
func (r *SQLRepository) GetPurchase(ctx context.Context, purchaseID string) (*domain.Purchase, error) {
	query := `
		SELECT purchase_id, order_id, method_type, card_brand, bin, card_id, device_id,
			   payment_country, payment_status, failure_reason, price, currency,
			   metadata, created_at, updated_at
		FROM purchases
		WHERE purchase_id = ?
	`

	var p domain.Purchase
	var price string
	var metadata sql.NullString

	err := r.q(ctx).QueryRowContext(ctx, r.rebind(query), purchaseID).Scan(
		&p.PurchaseID, &p.OrderID, &p.MethodType, &p.CardBrand, &p.BIN, &p.CardID, &p.DeviceID,
		&p.PaymentCountry, &p.PaymentStatus, &p.FailureReason, &price, &p.Currency,
		&metadata, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid price for purchase %s: %w", purchaseID, err)
	}
	p.Metadata = unmarshalMetadata(metadata)

	return &p, nil
}

// CountOrders counts orders whose field equals value and that were created at or after since.
func (r *SQLRepository) CountOrders(ctx context.Context, field domain.OrderField, value string, since time.Time) (int64, error) {
	var column string
	switch field {
	case domain.OrderFieldAccount:
		column = "account_id"
	case domain.OrderFieldDevice:
		column = "device_id"
	default:
		return 0, fmt.Errorf("%w: unsupported order field %q", domain.ErrInvalidInput, field)
	}

	query := `SELECT COUNT(*) FROM orders WHERE ` + column + ` = ? AND created_at >= ?`

	var count int64
	if err := r.q(ctx).QueryRowContext(ctx, r.rebind(query), value, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return count, nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: metadata is not serializable: %v", domain.ErrInvalidInput, err)
	}
	return string(b), nil
}

func unmarshalMetadata(s sql.NullString) map[string]any {
	m := map[string]any{}
	if s.Valid && s.String != "" {
		_ = json.Unmarshal([]byte(s.String), &m)
	}
	return m
}
