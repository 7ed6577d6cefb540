package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is an ingested order. TotalPrice and item prices are fixed-point.
type Order struct {
	OrderID      string          `json:"order_id"`
	AccountID    string          `json:"account_id"`
	DeviceID     string          `json:"device_id,omitempty"`
	OrderCountry string          `json:"order_country"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	Currency     string          `json:"currency"`
	OrderStatus  string          `json:"order_status"`
	Items        []OrderItem     `json:"items"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OrderItem is a line item of an order.
type OrderItem struct {
	ProductID string          `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// Purchase is a payment attempt for an order.
type Purchase struct {
	PurchaseID     string          `json:"purchase_id"`
	OrderID        string          `json:"order_id"`
	MethodType     string          `json:"method_type"`
	CardBrand      string          `json:"card_brand,omitempty"`
	BIN            string          `json:"bin,omitempty"`
	CardID         string          `json:"card_id,omitempty"`
	DeviceID       string          `json:"device_id,omitempty"`
	PaymentCountry string          `json:"payment_country"`
	PaymentStatus  string          `json:"payment_status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Entity is an ingestible domain entity: *Order or *Purchase.
type Entity interface {
	CaseKind() CaseKind
	EntityID() string
}

func (o *Order) CaseKind() CaseKind { return CaseOrder }
func (o *Order) EntityID() string {
	if o == nil {
		return ""
	}
	return o.OrderID
}

func (p *Purchase) CaseKind() CaseKind { return CasePurchase }
func (p *Purchase) EntityID() string {
	if p == nil {
		return ""
	}
	return p.PurchaseID
}
