package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/opensource-finance/fds/internal/domain"
	"github.com/shopspring/decimal"
)

func validOrderRequest(total, unit string) *OrderRequest {
	return &OrderRequest{
		OrderID:      "O1",
		AccountID:    "A1",
		OrderCountry: "KR",
		TotalPrice:   decimal.RequireFromString(total),
		Currency:     "KRW",
		OrderStatus:  "CREATED",
		Items: []OrderItemRequest{
			{ProductID: "P1", UnitPrice: decimal.RequireFromString(unit), Quantity: 1},
		},
	}
}

func TestOrderRequestMoney(t *testing.T) {
	tests := []struct {
		name    string
		total   string
		unit    string
		wantErr bool
	}{
		{"whole amount", "10", "10", false},
		{"two places", "10.12", "0.01", false},
		{"trailing zero", "10.120", "10.10", false},
		{"largest amount", "9999999999.99", "1", false},
		{"three places in total", "10.125", "10", true},
		{"three places in unit price", "10", "0.005", true},
		{"too many digits", "10000000000", "1", true},
		{"negative", "-1", "1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validOrderRequest(tt.total, tt.unit).Validate()
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidInput) {
					t.Errorf("expected invalid input, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPurchaseRequestMoney(t *testing.T) {
	req := &PurchaseRequest{
		PurchaseID:     "P1",
		OrderID:        "O1",
		MethodType:     "CARD",
		PaymentCountry: "KR",
		PaymentStatus:  "PAID",
		Price:          decimal.RequireFromString("0.001"),
		Currency:       "KRW",
	}
	if err := req.Validate(); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}

	req.Price = decimal.RequireFromString("0.10")
	if err := req.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIngestRejectsImpreciseMoney(t *testing.T) {
	server, repo := createTestServer(t, domain.ServerConfig{})

	rr := do(server, http.MethodPost, "/fds/ingest/order", orderBody("O-frac", "10.125"), nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
	}

	if _, err := repo.GetOrder(t.Context(), "O-frac"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected order not stored, got %v", err)
	}
}
