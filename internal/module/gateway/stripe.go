package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/refund"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/gatherly/ledger/internal/shared/config"
)

// StripeGateway implements Gateway on top of Stripe PaymentIntents. Orders
// map onto manual-capture intents and captures onto their charges, which
// keeps the caller-facing contract identical across providers.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGateway creates a Stripe gateway from configuration.
func NewStripeGateway(cfg *config.StripeConfig) *StripeGateway {
	stripe.Key = cfg.APIKey
	return &StripeGateway{webhookSecret: cfg.WebhookSecret}
}

// Name returns the provider name.
func (g *StripeGateway) Name() string { return "stripe" }

// CreateOrder creates a manual-capture PaymentIntent.
func (g *StripeGateway) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*Order, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(toMinorUnits(req.Amount)),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, wrapStripeErr("create order", err)
	}

	return &Order{
		ID:       pi.ID,
		Status:   string(pi.Status),
		Amount:   req.Amount,
		Currency: req.Currency,
	}, nil
}

// CaptureOrder captures a confirmed PaymentIntent.
func (g *StripeGateway) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	pi, err := paymentintent.Capture(orderID, params)
	if err != nil {
		return nil, wrapStripeErr("capture order", err)
	}
	if pi.LatestCharge == nil {
		return nil, &DeclinedError{Provider: "stripe", Reason: "capture returned no charge"}
	}

	return &Capture{
		ID:       pi.LatestCharge.ID,
		OrderID:  pi.ID,
		Status:   string(pi.Status),
		Amount:   fromMinorUnits(pi.Amount),
		Currency: string(pi.Currency),
	}, nil
}

// RefundCapture refunds part or all of a charge.
func (g *StripeGateway) RefundCapture(ctx context.Context, req *RefundCaptureRequest) (*Refund, error) {
	params := &stripe.RefundParams{
		Charge: stripe.String(req.CaptureID),
		Amount: stripe.Int64(toMinorUnits(req.Amount)),
	}
	params.Context = ctx

	r, err := refund.New(params)
	if err != nil {
		return nil, wrapStripeErr("refund capture", err)
	}

	return &Refund{
		ID:        r.ID,
		CaptureID: req.CaptureID,
		Status:    string(r.Status),
		Amount:    fromMinorUnits(r.Amount),
		Currency:  string(r.Currency),
	}, nil
}

// GetOrder fetches the PaymentIntent backing an order.
func (g *StripeGateway) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := paymentintent.Get(orderID, params)
	if err != nil {
		return nil, wrapStripeErr("get order", err)
	}

	order := &Order{
		ID:       pi.ID,
		Status:   string(pi.Status),
		Amount:   fromMinorUnits(pi.Amount),
		Currency: string(pi.Currency),
	}
	if pi.LatestCharge != nil {
		order.CaptureID = pi.LatestCharge.ID
	}
	return order, nil
}

// ValidateWebhookSignature verifies the Stripe-Signature header.
func (g *StripeGateway) ValidateWebhookSignature(_ context.Context, payload []byte, headers http.Header, _ string) (bool, error) {
	_, err := webhook.ConstructEvent(payload, headers.Get("Stripe-Signature"), g.webhookSecret)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// wrapStripeErr turns Stripe API errors the provider answered with into
// declines; everything else stays a transport fault.
func wrapStripeErr(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
			return &DeclinedError{Provider: "stripe", Reason: stripeErr.Msg}
		}
	}
	return fmt.Errorf("stripe %s: %w", op, err)
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromMinorUnits(amount int64) decimal.Decimal {
	return decimal.NewFromInt(amount).Div(decimal.NewFromInt(100))
}
