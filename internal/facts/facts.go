// Package facts loads the read-only attributes rule predicates are evaluated against.
package facts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/fds/internal/blocklist"
	"github.com/opensource-finance/fds/internal/domain"
)

// Facts is everything a predicate may read about one case.
type Facts struct {
	Kind          domain.CaseKind
	CaseID        string
	Refs          domain.EntityRefs
	Order         map[string]any
	Purchase      map[string]any
	Blocklisted   blocklist.Status
	AccountOrders int64
	DeviceOrders  int64
	ItemCount     int64
}

// Activation returns the CEL variable bindings for the facts.
func (f *Facts) Activation() map[string]any {
	order := f.Order
	if order == nil {
		order = map[string]any{}
	}
	purchase := f.Purchase
	if purchase == nil {
		purchase = map[string]any{}
	}

	return map[string]any{
		"kind":     string(f.Kind),
		"case_id":  f.CaseID,
		"order":    order,
		"purchase": purchase,
		"refs": map[string]string{
			"user":   f.Refs.User,
			"device": f.Refs.Device,
			"card":   f.Refs.Card,
		},
		"blocklisted": map[string]bool{
			"user":   f.Blocklisted.User,
			"device": f.Blocklisted.Device,
			"card":   f.Blocklisted.Card,
		},
		"velocity": map[string]int64{
			"account_orders": f.AccountOrders,
			"device_orders":  f.DeviceOrders,
		},
		"item_count": f.ItemCount,
	}
}

// EntityStore reads the persisted domain entities.
type EntityStore interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetPurchase(ctx context.Context, purchaseID string) (*domain.Purchase, error)
}

// BlockChecker reads blocklist membership.
type BlockChecker interface {
	Check(ctx context.Context, refs domain.EntityRefs) (blocklist.Status, error)
}

// VelocityCounter counts recent orders per identifier.
type VelocityCounter interface {
	Count(ctx context.Context, field domain.OrderField, value string) (int64, error)
}

// Loader assembles Facts for a case from the store.
type Loader struct {
	store    EntityStore
	blocks   BlockChecker
	velocity VelocityCounter
}

// NewLoader creates a fact loader. blocks and velocity may be nil.
func NewLoader(store EntityStore, blocks BlockChecker, velocity VelocityCounter) *Loader {
	return &Loader{store: store, blocks: blocks, velocity: velocity}
}

// Load reads the case entity and its derived facts. References carried by the case win
// over those found on the stored entity. A missing entity returns domain.ErrNotFound.
func (l *Loader) Load(ctx context.Context, c domain.Case) (*Facts, error) {
	f := &Facts{
		Kind:   c.Kind(),
		CaseID: c.ID(),
		Refs:   c.EntityRefs(),
	}

	switch c.Kind() {
	case domain.CaseOrder:
		order, err := l.store.GetOrder(ctx, c.ID())
		if err != nil {
			return nil, fmt.Errorf("failed to load order %s: %w", c.ID(), err)
		}
		f.setOrder(order)

	case domain.CasePurchase:
		purchase, err := l.store.GetPurchase(ctx, c.ID())
		if err != nil {
			return nil, fmt.Errorf("failed to load purchase %s: %w", c.ID(), err)
		}
		f.Purchase = PurchaseFacts(purchase)
		fillRefs(&f.Refs, domain.EntityRefs{Device: purchase.DeviceID, Card: purchase.CardID})

		if purchase.OrderID != "" {
			order, err := l.store.GetOrder(ctx, purchase.OrderID)
			switch {
			case err == nil:
				f.setOrder(order)
			case !errors.Is(err, domain.ErrNotFound):
				return nil, fmt.Errorf("failed to load order %s: %w", purchase.OrderID, err)
			}
		}

	default:
		return nil, fmt.Errorf("%w: unknown case kind %q", domain.ErrInvalidInput, c.Kind())
	}

	if l.blocks != nil {
		status, err := l.blocks.Check(ctx, f.Refs)
		if err != nil {
			return nil, fmt.Errorf("failed to check blocklists: %w", err)
		}
		f.Blocklisted = status
	}

	if l.velocity != nil {
		f.AccountOrders = l.count(ctx, domain.OrderFieldAccount, f.Refs.User)
		f.DeviceOrders = l.count(ctx, domain.OrderFieldDevice, f.Refs.Device)
	}

	return f, nil
}

// count degrades to zero on failure; velocity is advisory.
func (l *Loader) count(ctx context.Context, field domain.OrderField, value string) int64 {
	if value == "" {
		return 0
	}
	n, err := l.velocity.Count(ctx, field, value)
	if err != nil {
		slog.Warn("velocity count failed", "field", field, "error", err)
		return 0
	}
	return n
}

func (f *Facts) setOrder(order *domain.Order) {
	f.Order = OrderFacts(order)
	f.ItemCount = 0
	for _, item := range order.Items {
		f.ItemCount += int64(item.Quantity)
	}
	fillRefs(&f.Refs, domain.EntityRefs{User: order.AccountID, Device: order.DeviceID})
}

// fillRefs sets the absent fields of dst from src.
func fillRefs(dst *domain.EntityRefs, src domain.EntityRefs) {
	if dst.User == "" {
		dst.User = src.User
	}
	if dst.Device == "" {
		dst.Device = src.Device
	}
	if dst.Card == "" {
		dst.Card = src.Card
	}
}

// OrderFacts flattens an order for predicates. Money is exposed as double.
func OrderFacts(o *domain.Order) map[string]any {
	price, _ := o.TotalPrice.Float64()
	return map[string]any{
		"order_id":   o.OrderID,
		"account_id": o.AccountID,
		"device_id":  o.DeviceID,
		"country":    o.OrderCountry,
		"price":      price,
		"currency":   o.Currency,
		"status":     o.OrderStatus,
		"items":      int64(len(o.Items)),
		"metadata":   nonNilMap(o.Metadata),
		"age_secs":   ageSeconds(o.CreatedAt),
	}
}

// PurchaseFacts flattens a purchase for predicates.
func PurchaseFacts(p *domain.Purchase) map[string]any {
	price, _ := p.Price.Float64()
	return map[string]any{
		"purchase_id":    p.PurchaseID,
		"order_id":       p.OrderID,
		"method_type":    p.MethodType,
		"card_brand":     p.CardBrand,
		"bin":            p.BIN,
		"card_id":        p.CardID,
		"device_id":      p.DeviceID,
		"country":        p.PaymentCountry,
		"payment_status": p.PaymentStatus,
		"failure_reason": p.FailureReason,
		"price":          price,
		"currency":       p.Currency,
		"metadata":       nonNilMap(p.Metadata),
	}
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func ageSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return int64(time.Since(t).Seconds())
}
