package domain

import (
	"fmt"
	"strings"
)

// CaseKind selects the rule partition and the identifier field of a case.
type CaseKind string

const (
	CaseOrder    CaseKind = "order"
	CasePurchase CaseKind = "purchase"
)

// ParseCaseKind resolves a case kind from its string form (case-insensitive).
func ParseCaseKind(s string) (CaseKind, error) {
	switch CaseKind(strings.ToLower(strings.TrimSpace(s))) {
	case CaseOrder:
		return CaseOrder, nil
	case CasePurchase:
		return CasePurchase, nil
	default:
		return "", fmt.Errorf("%w: unknown case kind %q", ErrInvalidInput, s)
	}
}

// EventType returns the outbox event type emitted when an entity of this kind is upserted.
func (k CaseKind) EventType() string {
	switch k {
	case CaseOrder:
		return EventOrderUpserted
	case CasePurchase:
		return EventPurchaseUpserted
	default:
		return ""
	}
}

// EntityRefs are the optional identifiers a case may be registered under.
type EntityRefs struct {
	User   string `json:"user,omitempty"`
	Device string `json:"device,omitempty"`
	Card   string `json:"card,omitempty"`
}

// Case is a detection subject. It is implemented only by OrderCase and PurchaseCase.
type Case interface {
	Kind() CaseKind
	ID() string
	EntityRefs() EntityRefs
	isCase()
}

// OrderCase is a case keyed by order id.
type OrderCase struct {
	OrderID string
	Refs    EntityRefs
}

func (c OrderCase) Kind() CaseKind         { return CaseOrder }
func (c OrderCase) ID() string             { return c.OrderID }
func (c OrderCase) EntityRefs() EntityRefs { return c.Refs }
func (OrderCase) isCase()                  {}

// PurchaseCase is a case keyed by purchase id.
type PurchaseCase struct {
	PurchaseID string
	Refs       EntityRefs
}

func (c PurchaseCase) Kind() CaseKind         { return CasePurchase }
func (c PurchaseCase) ID() string             { return c.PurchaseID }
func (c PurchaseCase) EntityRefs() EntityRefs { return c.Refs }
func (PurchaseCase) isCase()                  {}

// NewCase builds the case variant for kind.
func NewCase(kind CaseKind, id string, refs EntityRefs) (Case, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: case id is required", ErrInvalidInput)
	}
	switch kind {
	case CaseOrder:
		return OrderCase{OrderID: id, Refs: refs}, nil
	case CasePurchase:
		return PurchaseCase{PurchaseID: id, Refs: refs}, nil
	default:
		return nil, fmt.Errorf("%w: unknown case kind %q", ErrInvalidInput, kind)
	}
}
