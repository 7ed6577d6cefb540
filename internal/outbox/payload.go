// Package outbox writes domain upserts together with their outbox events and
// dispatches ready events to the detection task queue.
package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/fds/internal/domain"
)

// OrderPayloadItem is one order line on the wire.
type OrderPayloadItem struct {
	ProductID string `json:"product_id"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

// OrderPayloadDoc is the event document emitted for an order upsert.
// Money travels as decimal strings.
type OrderPayloadDoc struct {
	Kind      domain.CaseKind    `json:"kind"`
	OrderID   string             `json:"order_id"`
	AccountID string             `json:"account_id,omitempty"`
	DeviceID  string             `json:"device_id,omitempty"`
	Country   string             `json:"country,omitempty"`
	Price     string             `json:"price"`
	Currency  string             `json:"currency,omitempty"`
	Items     []OrderPayloadItem `json:"items"`
	Metadata  map[string]any     `json:"metadata"`
}

// PurchasePayloadDoc is the event document emitted for a purchase upsert.
type PurchasePayloadDoc struct {
	Kind          domain.CaseKind `json:"kind"`
	PurchaseID    string          `json:"purchase_id"`
	OrderID       string          `json:"order_id,omitempty"`
	DeviceID      string          `json:"device_id,omitempty"`
	CardID        string          `json:"card_id,omitempty"`
	CardBrand     string          `json:"card_brand,omitempty"`
	BIN           string          `json:"bin,omitempty"`
	Country       string          `json:"country,omitempty"`
	Price         string          `json:"price"`
	Currency      string          `json:"currency,omitempty"`
	PaymentStatus string          `json:"payment_status,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Metadata      map[string]any  `json:"metadata"`
}

// OrderPayload builds the normalized event payload of an order.
func OrderPayload(o *domain.Order) (json.RawMessage, error) {
	doc := OrderPayloadDoc{
		Kind:      domain.CaseOrder,
		OrderID:   o.OrderID,
		AccountID: o.AccountID,
		DeviceID:  o.DeviceID,
		Country:   o.OrderCountry,
		Price:     o.TotalPrice.StringFixed(2),
		Currency:  o.Currency,
		Items:     make([]OrderPayloadItem, 0, len(o.Items)),
		Metadata:  metadata(o.Metadata),
	}
	for _, item := range o.Items {
		doc.Items = append(doc.Items, OrderPayloadItem{
			ProductID: item.ProductID,
			UnitPrice: item.UnitPrice.StringFixed(2),
			Quantity:  item.Quantity,
		})
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: order payload: %v", domain.ErrInvalidInput, err)
	}
	return raw, nil
}

// PurchasePayload builds the normalized event payload of a purchase.
func PurchasePayload(p *domain.Purchase) (json.RawMessage, error) {
	doc := PurchasePayloadDoc{
		Kind:          domain.CasePurchase,
		PurchaseID:    p.PurchaseID,
		OrderID:       p.OrderID,
		DeviceID:      p.DeviceID,
		CardID:        p.CardID,
		CardBrand:     p.CardBrand,
		BIN:           p.BIN,
		Country:       p.PaymentCountry,
		Price:         p.Price.StringFixed(2),
		Currency:      p.Currency,
		PaymentStatus: p.PaymentStatus,
		FailureReason: p.FailureReason,
		Metadata:      metadata(p.Metadata),
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: purchase payload: %v", domain.ErrInvalidInput, err)
	}
	return raw, nil
}

// casePayload is the subset of either document needed to rebuild a case.
type casePayload struct {
	Kind       domain.CaseKind `json:"kind"`
	OrderID    string          `json:"order_id"`
	PurchaseID string          `json:"purchase_id"`
	AccountID  string          `json:"account_id"`
	UserID     string          `json:"user_id"`
	DeviceID   string          `json:"device_id"`
	CardID     string          `json:"card_id"`
}

// ParseCase rebuilds the detection case of an outbox event.
// The case kind comes from the event type; aggregateID is the case id.
// The user reference is account_id, falling back to user_id.
func ParseCase(eventType, aggregateID string, payload json.RawMessage) (domain.Case, error) {
	var kind domain.CaseKind
	switch eventType {
	case domain.EventOrderUpserted:
		kind = domain.CaseOrder
	case domain.EventPurchaseUpserted:
		kind = domain.CasePurchase
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidInput, eventType)
	}

	var doc casePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("%w: malformed payload: %v", domain.ErrInvalidInput, err)
		}
	}
	if doc.Kind != "" && doc.Kind != kind {
		return nil, fmt.Errorf("%w: payload kind %q does not match event %q", domain.ErrInvalidInput, doc.Kind, eventType)
	}

	user := doc.AccountID
	if user == "" {
		user = doc.UserID
	}

	return domain.NewCase(kind, aggregateID, domain.EntityRefs{
		User:   user,
		Device: doc.DeviceID,
		Card:   doc.CardID,
	})
}

func metadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
