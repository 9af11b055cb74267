package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"
)

// RefundOutcome scripts how the mock resolves a RefundCapture call.
type RefundOutcome struct {
	// Decline, when non-empty, makes the refund fail with a DeclinedError
	// carrying this reason.
	Decline string
	// Err, when set, is returned as-is (simulates a transport fault).
	Err error
}

// MockGateway is a deterministic in-memory Gateway for tests and local
// development. Orders and captures live in maps; refund outcomes can be
// scripted per capture id and default to success.
type MockGateway struct {
	mu sync.Mutex

	seq      int
	orders   map[string]*Order
	captures map[string]*Capture
	refunded map[string]decimal.Decimal // capture id -> refunded total

	refundOutcomes map[string]RefundOutcome
	validSignature bool

	// RefundCalls records every RefundCapture request, in order.
	RefundCalls []RefundCaptureRequest
}

// NewMockGateway creates a mock gateway that accepts every webhook
// signature and succeeds every refund unless scripted otherwise.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		orders:         make(map[string]*Order),
		captures:       make(map[string]*Capture),
		refunded:       make(map[string]decimal.Decimal),
		refundOutcomes: make(map[string]RefundOutcome),
		validSignature: true,
	}
}

// ScriptRefund sets the outcome for refunds of the given capture id.
func (g *MockGateway) ScriptRefund(captureID string, outcome RefundOutcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundOutcomes[captureID] = outcome
}

// SetSignatureValid controls the result of ValidateWebhookSignature.
func (g *MockGateway) SetSignatureValid(valid bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validSignature = valid
}

// SeedCapture registers a capture directly, for tests that start from a
// captured payment.
func (g *MockGateway) SeedCapture(captureID string, amount decimal.Decimal, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures[captureID] = &Capture{
		ID:       captureID,
		Status:   "COMPLETED",
		Amount:   amount,
		Currency: currency,
	}
}

// Name returns the provider name.
func (g *MockGateway) Name() string { return "mock" }

// CreateOrder creates an in-memory order.
func (g *MockGateway) CreateOrder(_ context.Context, req *CreateOrderRequest) (*Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	order := &Order{
		ID:       fmt.Sprintf("MOCK-ORD-%04d", g.seq),
		Status:   "CREATED",
		Amount:   req.Amount,
		Currency: req.Currency,
	}
	g.orders[order.ID] = order
	return order, nil
}

// CaptureOrder captures a previously created order.
func (g *MockGateway) CaptureOrder(_ context.Context, orderID string) (*Capture, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[orderID]
	if !ok {
		return nil, &DeclinedError{Provider: "mock", Reason: "order not found"}
	}
	if order.CaptureID != "" {
		return nil, &DeclinedError{Provider: "mock", Reason: "order already captured"}
	}

	g.seq++
	capture := &Capture{
		ID:       fmt.Sprintf("MOCK-CAP-%04d", g.seq),
		OrderID:  orderID,
		Status:   "COMPLETED",
		Amount:   order.Amount,
		Currency: order.Currency,
	}
	order.Status = "COMPLETED"
	order.CaptureID = capture.ID
	g.captures[capture.ID] = capture
	return capture, nil
}

// RefundCapture resolves a refund per the scripted outcome, defaulting to
// success while tracking the refunded total so over-refunds are declined
// the way a real provider would decline them.
func (g *MockGateway) RefundCapture(_ context.Context, req *RefundCaptureRequest) (*Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.RefundCalls = append(g.RefundCalls, *req)

	if outcome, ok := g.refundOutcomes[req.CaptureID]; ok {
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		if outcome.Decline != "" {
			return nil, &DeclinedError{Provider: "mock", Reason: outcome.Decline}
		}
	}

	capture, ok := g.captures[req.CaptureID]
	if !ok {
		return nil, &DeclinedError{Provider: "mock", Reason: "capture not found"}
	}

	refunded := g.refunded[req.CaptureID]
	if refunded.Add(req.Amount).GreaterThan(capture.Amount) {
		return nil, &DeclinedError{Provider: "mock", Reason: "capture already fully refunded"}
	}
	g.refunded[req.CaptureID] = refunded.Add(req.Amount)

	g.seq++
	return &Refund{
		ID:        fmt.Sprintf("MOCK-REF-%04d", g.seq),
		CaptureID: req.CaptureID,
		Status:    "COMPLETED",
		Amount:    req.Amount,
		Currency:  req.Currency,
	}, nil
}

// GetOrder returns the in-memory order.
func (g *MockGateway) GetOrder(_ context.Context, orderID string) (*Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[orderID]
	if !ok {
		return nil, &DeclinedError{Provider: "mock", Reason: "order not found"}
	}
	cp := *order
	return &cp, nil
}

// ValidateWebhookSignature returns the configured verdict.
func (g *MockGateway) ValidateWebhookSignature(_ context.Context, _ []byte, _ http.Header, _ string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validSignature, nil
}
