// Package gateway abstracts the external payment provider behind a narrow
// capability interface. Implementations hold no ledger state; every call is
// a plain request/response against the provider.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Order represents a provider-side order (authorization of a future charge).
type Order struct {
	ID          string
	Status      string
	Amount      decimal.Decimal
	Currency    string
	CaptureID   string // set once the order has been captured
	ApprovalURL string // payer redirect URL, when the provider issues one
}

// Capture represents money actually collected from a payer.
type Capture struct {
	ID       string
	OrderID  string
	Status   string
	Amount   decimal.Decimal
	Currency string
}

// Refund represents a provider-side refund against a capture.
type Refund struct {
	ID        string
	CaptureID string
	Status    string
	Amount    decimal.Decimal
	Currency  string
}

// CreateOrderRequest describes a new provider order.
type CreateOrderRequest struct {
	Amount    decimal.Decimal
	Currency  string
	PayerID   string
	ReturnURL string
	CancelURL string
	// Metadata is carried through to the provider (custom_id and friends)
	// so webhook deliveries can be correlated back to ledger rows.
	Metadata map[string]string
}

// RefundCaptureRequest describes a refund of a previously captured charge.
type RefundCaptureRequest struct {
	CaptureID string
	Amount    decimal.Decimal
	Currency  string
	Reason    string
	Note      string
}

// Gateway is the capability interface over the external payment provider.
type Gateway interface {
	// Name returns the provider name (paypal, stripe, mock).
	Name() string

	// CreateOrder creates a provider order for the given amount.
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*Order, error)

	// CaptureOrder captures an approved order.
	CaptureOrder(ctx context.Context, orderID string) (*Capture, error)

	// RefundCapture refunds part or all of a capture. An expected provider
	// rejection (e.g. capture already fully refunded) is returned as a
	// *DeclinedError, not a transport failure.
	RefundCapture(ctx context.Context, req *RefundCaptureRequest) (*Refund, error)

	// GetOrder fetches the current provider state of an order.
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// ValidateWebhookSignature verifies an incoming webhook delivery.
	ValidateWebhookSignature(ctx context.Context, payload []byte, headers http.Header, webhookID string) (bool, error)
}

// DeclinedError is an expected provider rejection: the request reached the
// provider and the provider said no. It is a business outcome, not a fault.
type DeclinedError struct {
	Provider string
	Reason   string
}

// Error implements the error interface.
func (e *DeclinedError) Error() string {
	return fmt.Sprintf("%s declined request: %s", e.Provider, e.Reason)
}

// IsDeclined reports whether err is (or wraps) a provider decline.
func IsDeclined(err error) bool {
	var de *DeclinedError
	return errors.As(err, &de)
}
