package api

import (
	"errors"
	"fmt"

	validation "github.com/jellydator/validation"
	"github.com/opensource-finance/fds/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	moneyDigits = 12
	moneyPlaces = 2
)

// maxMoney is the first amount that no longer fits moneyDigits with moneyPlaces decimals.
var maxMoney = decimal.New(1, moneyDigits-moneyPlaces)

// money rejects negative amounts and amounts that would not be stored exactly.
var money = validation.By(func(value any) error {
	d, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("must be a decimal")
	}
	if d.IsNegative() {
		return errors.New("must not be negative")
	}
	if !d.Equal(d.Truncate(moneyPlaces)) {
		return fmt.Errorf("must have at most %d decimal places", moneyPlaces)
	}
	if d.GreaterThanOrEqual(maxMoney) {
		return fmt.Errorf("must have at most %d digits", moneyDigits)
	}
	return nil
})

// wrapValidation marks validation failures as invalid input.
func wrapValidation(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
}

// OrderItemRequest is one line item of an order.
type OrderItemRequest struct {
	ProductID string          `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// Validate checks a line item.
func (r OrderItemRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProductID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.UnitPrice, money),
		validation.Field(&r.Quantity, validation.Required, validation.Min(1)),
	)
}

// OrderRequest is the body of the order detect and ingest endpoints.
type OrderRequest struct {
	OrderID      string             `json:"order_id"`
	AccountID    string             `json:"account_id"`
	DeviceID     string             `json:"device_id"`
	OrderCountry string             `json:"order_country"`
	TotalPrice   decimal.Decimal    `json:"total_price"`
	Currency     string             `json:"currency"`
	OrderStatus  string             `json:"order_status"`
	Items        []OrderItemRequest `json:"items"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

// Validate checks the order request.
func (r *OrderRequest) Validate() error {
	return wrapValidation(validation.ValidateStruct(r,
		validation.Field(&r.OrderID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.AccountID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.DeviceID, validation.Length(0, 64)),
		validation.Field(&r.OrderCountry, validation.Required, validation.Length(1, 16)),
		validation.Field(&r.TotalPrice, money),
		validation.Field(&r.Currency, validation.Required, validation.Length(1, 8)),
		validation.Field(&r.OrderStatus, validation.Required, validation.Length(1, 32)),
		validation.Field(&r.Items),
	))
}

// ToOrder converts the request to a domain order.
func (r *OrderRequest) ToOrder() *domain.Order {
	items := make([]domain.OrderItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, domain.OrderItem{
			ProductID: it.ProductID,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}
	return &domain.Order{
		OrderID:      r.OrderID,
		AccountID:    r.AccountID,
		DeviceID:     r.DeviceID,
		OrderCountry: r.OrderCountry,
		TotalPrice:   r.TotalPrice,
		Currency:     r.Currency,
		OrderStatus:  r.OrderStatus,
		Items:        items,
		Metadata:     r.Metadata,
	}
}

// PurchaseRequest is the body of the purchase detect and ingest endpoints.
type PurchaseRequest struct {
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
}

// Validate checks the purchase request.
func (r *PurchaseRequest) Validate() error {
	return wrapValidation(validation.ValidateStruct(r,
		validation.Field(&r.PurchaseID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.OrderID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.MethodType, validation.Required, validation.Length(1, 32)),
		validation.Field(&r.CardBrand, validation.Length(0, 32)),
		validation.Field(&r.BIN, validation.Length(0, 16)),
		validation.Field(&r.CardID, validation.Length(0, 64)),
		validation.Field(&r.PaymentCountry, validation.Required, validation.Length(1, 16)),
		validation.Field(&r.PaymentStatus, validation.Required, validation.Length(1, 32)),
		validation.Field(&r.FailureReason, validation.Length(0, 255)),
		validation.Field(&r.Price, money),
		validation.Field(&r.Currency, validation.Required, validation.Length(1, 8)),
	))
}

// ToPurchase converts the request to a domain purchase.
func (r *PurchaseRequest) ToPurchase() *domain.Purchase {
	return &domain.Purchase{
		PurchaseID:     r.PurchaseID,
		OrderID:        r.OrderID,
		MethodType:     r.MethodType,
		CardBrand:      r.CardBrand,
		BIN:            r.BIN,
		CardID:         r.CardID,
		DeviceID:       r.DeviceID,
		PaymentCountry: r.PaymentCountry,
		PaymentStatus:  r.PaymentStatus,
		FailureReason:  r.FailureReason,
		Price:          r.Price,
		Currency:       r.Currency,
		Metadata:       r.Metadata,
	}
}

// RuleRequest is the body of POST /rules.
type RuleRequest struct {
	ID                string `json:"id"`
	Expression        string `json:"expression"`
	Reason            string `json:"reason"`
	Action            string `json:"action"`
	Target            string `json:"target"`
	RegisterBlocklist bool   `json:"registerBlocklist"`
	RegisterTargets   string `json:"registerTargets"`
	Enabled           *bool  `json:"enabled"`
}

// Validate checks the rule request.
func (r *RuleRequest) Validate() error {
	return wrapValidation(validation.ValidateStruct(r,
		validation.Field(&r.ID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Expression, validation.Required),
		validation.Field(&r.Action, validation.In("", "BLOCK", "REVIEW", "block", "review")),
	))
}

// ToDefinition converts the request to a stored rule. Rules are enabled unless stated otherwise.
func (r *RuleRequest) ToDefinition() *domain.RuleDefinition {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &domain.RuleDefinition{
		ID:                r.ID,
		Expression:        r.Expression,
		Reason:            r.Reason,
		Action:            r.Action,
		Target:            r.Target,
		RegisterBlocklist: r.RegisterBlocklist,
		RegisterTargets:   r.RegisterTargets,
		Enabled:           enabled,
	}
}

// DetectResponse is the synchronous decision.
type DetectResponse struct {
	Decision          domain.Decision       `json:"decision"`
	Reasons           []string              `json:"reasons"`
	RegisterBlocklist bool                  `json:"register_blocklist"`
	RegisterParams    domain.RegisterParams `json:"register_params"`
}

func newDetectResponse(res *domain.Result) DetectResponse {
	reasons := res.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return DetectResponse{
		Decision:          res.Decision,
		Reasons:           reasons,
		RegisterBlocklist: res.RegisterBlocklist,
		RegisterParams:    res.RegisterParams,
	}
}

// IngestResponse acknowledges an entity written to the outbox.
type IngestResponse struct {
	OutboxID  int64  `json:"outbox_id"`
	ShardID   string `json:"shard_id"`
	EventType string `json:"event_type"`
}
