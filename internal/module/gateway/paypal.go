package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-pay/gopay"
	"github.com/go-pay/gopay/paypal"
	"github.com/shopspring/decimal"

	"github.com/gatherly/ledger/internal/shared/config"
)

// PayPalGateway implements Gateway against the PayPal Orders v2 API.
type PayPalGateway struct {
	client    *paypal.Client
	webhookID string
}

// NewPayPalGateway creates a PayPal gateway from configuration.
func NewPayPalGateway(cfg *config.PayPalConfig) (*PayPalGateway, error) {
	client, err := paypal.NewClient(cfg.ClientID, cfg.Secret, cfg.IsProd)
	if err != nil {
		return nil, fmt.Errorf("create paypal client: %w", err)
	}
	return &PayPalGateway{
		client:    client,
		webhookID: cfg.WebhookID,
	}, nil
}

// Name returns the provider name.
func (g *PayPalGateway) Name() string { return "paypal" }

// CreateOrder creates a CAPTURE-intent order.
func (g *PayPalGateway) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*Order, error) {
	unit := map[string]any{
		"amount": map[string]string{
			"currency_code": req.Currency,
			"value":         req.Amount.StringFixed(2),
		},
	}
	if customID, ok := req.Metadata["custom_id"]; ok {
		unit["custom_id"] = customID
	}

	bm := make(gopay.BodyMap)
	bm.Set("intent", "CAPTURE").
		Set("purchase_units", []map[string]any{unit})
	if req.ReturnURL != "" || req.CancelURL != "" {
		bm.SetBodyMap("application_context", func(b gopay.BodyMap) {
			if req.ReturnURL != "" {
				b.Set("return_url", req.ReturnURL)
			}
			if req.CancelURL != "" {
				b.Set("cancel_url", req.CancelURL)
			}
		})
	}

	rsp, err := g.client.CreateOrder(ctx, bm)
	if err != nil {
		return nil, fmt.Errorf("paypal create order: %w", err)
	}
	if rsp.Response == nil {
		return nil, declineFrom("paypal", rsp.ErrorResponse)
	}

	order := &Order{
		ID:       rsp.Response.Id,
		Status:   rsp.Response.Status,
		Amount:   req.Amount,
		Currency: req.Currency,
	}
	for _, link := range rsp.Response.Links {
		if link.Rel == "approve" {
			order.ApprovalURL = link.Href
		}
	}
	return order, nil
}

// CaptureOrder captures an approved order and returns the capture record.
func (g *PayPalGateway) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	rsp, err := g.client.OrderCapture(ctx, orderID, nil)
	if err != nil {
		return nil, fmt.Errorf("paypal capture order: %w", err)
	}
	if rsp.Response == nil {
		return nil, declineFrom("paypal", rsp.ErrorResponse)
	}

	capture := &Capture{
		OrderID: orderID,
		Status:  rsp.Response.Status,
	}
	for _, unit := range rsp.Response.PurchaseUnits {
		if unit == nil || unit.Payments == nil {
			continue
		}
		for _, cap := range unit.Payments.Captures {
			if cap == nil {
				continue
			}
			capture.ID = cap.Id
			capture.Status = cap.Status
			if cap.Amount != nil {
				capture.Amount, _ = decimal.NewFromString(cap.Amount.Value)
				capture.Currency = cap.Amount.CurrencyCode
			}
		}
	}
	if capture.ID == "" {
		return nil, &DeclinedError{Provider: "paypal", Reason: "order capture returned no capture"}
	}
	return capture, nil
}

// RefundCapture refunds part or all of a capture.
func (g *PayPalGateway) RefundCapture(ctx context.Context, req *RefundCaptureRequest) (*Refund, error) {
	bm := make(gopay.BodyMap)
	bm.SetBodyMap("amount", func(b gopay.BodyMap) {
		b.Set("currency_code", req.Currency)
		b.Set("value", req.Amount.StringFixed(2))
	})
	note := req.Note
	if note == "" {
		note = req.Reason
	}
	if note != "" {
		// PayPal caps note_to_payer at 255 characters.
		if len(note) > 255 {
			note = note[:255]
		}
		bm.Set("note_to_payer", note)
	}

	rsp, err := g.client.PaymentCaptureRefund(ctx, req.CaptureID, bm)
	if err != nil {
		return nil, fmt.Errorf("paypal refund capture: %w", err)
	}
	if rsp.Response == nil {
		return nil, declineFrom("paypal", rsp.ErrorResponse)
	}

	refund := &Refund{
		ID:        rsp.Response.Id,
		CaptureID: req.CaptureID,
		Status:    rsp.Response.Status,
	}
	if rsp.Response.Amount != nil {
		refund.Amount, _ = decimal.NewFromString(rsp.Response.Amount.Value)
		refund.Currency = rsp.Response.Amount.CurrencyCode
	} else {
		refund.Amount = req.Amount
		refund.Currency = req.Currency
	}
	return refund, nil
}

// GetOrder fetches the provider state of an order.
func (g *PayPalGateway) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	rsp, err := g.client.OrderDetail(ctx, orderID, nil)
	if err != nil {
		return nil, fmt.Errorf("paypal get order: %w", err)
	}
	if rsp.Response == nil {
		return nil, declineFrom("paypal", rsp.ErrorResponse)
	}

	order := &Order{
		ID:     rsp.Response.Id,
		Status: rsp.Response.Status,
	}
	for _, unit := range rsp.Response.PurchaseUnits {
		if unit == nil {
			continue
		}
		if unit.Amount != nil {
			order.Amount, _ = decimal.NewFromString(unit.Amount.Value)
			order.Currency = unit.Amount.CurrencyCode
		}
		if unit.Payments != nil {
			for _, cap := range unit.Payments.Captures {
				if cap != nil {
					order.CaptureID = cap.Id
				}
			}
		}
	}
	return order, nil
}

// ValidateWebhookSignature verifies a webhook delivery through PayPal's
// verify-webhook-signature endpoint.
func (g *PayPalGateway) ValidateWebhookSignature(ctx context.Context, payload []byte, headers http.Header, webhookID string) (bool, error) {
	if webhookID == "" {
		webhookID = g.webhookID
	}

	bm := make(gopay.BodyMap)
	bm.Set("auth_algo", headers.Get("Paypal-Auth-Algo")).
		Set("cert_url", headers.Get("Paypal-Cert-Url")).
		Set("transmission_id", headers.Get("Paypal-Transmission-Id")).
		Set("transmission_sig", headers.Get("Paypal-Transmission-Sig")).
		Set("transmission_time", headers.Get("Paypal-Transmission-Time")).
		Set("webhook_id", webhookID).
		Set("webhook_event", json.RawMessage(payload))

	rsp, err := g.client.VerifyWebhookSignature(ctx, bm)
	if err != nil {
		return false, fmt.Errorf("paypal verify webhook signature: %w", err)
	}
	return rsp.VerificationStatus == "SUCCESS", nil
}

// declineFrom maps a PayPal error body to a DeclinedError.
func declineFrom(provider string, errRsp *paypal.ErrorResponse) error {
	if errRsp == nil {
		return &DeclinedError{Provider: provider, Reason: "empty provider response"}
	}
	reason := errRsp.Message
	if reason == "" {
		reason = errRsp.Name
	}
	for _, d := range errRsp.Details {
		if d.Description != "" {
			reason = fmt.Sprintf("%s: %s", reason, d.Description)
			break
		}
	}
	return &DeclinedError{Provider: provider, Reason: reason}
}
