package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockGatewayOrderLifecycle(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()

	order, err := gw.CreateOrder(ctx, &CreateOrderRequest{
		Amount:   decimal.RequireFromString("100.00"),
		Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, "CREATED", order.Status)

	capture, err := gw.CaptureOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", capture.Status)
	assert.True(t, capture.Amount.Equal(order.Amount))

	// Double capture is declined, not a transport error.
	_, err = gw.CaptureOrder(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, IsDeclined(err))

	fetched, err := gw.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", fetched.Status)
	assert.Equal(t, capture.ID, fetched.CaptureID)
}

func TestMockGatewayRefunds(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()
	gw.SeedCapture("CAP-1", decimal.RequireFromString("100.00"), "USD")

	refund, err := gw.RefundCapture(ctx, &RefundCaptureRequest{
		CaptureID: "CAP-1",
		Amount:    decimal.RequireFromString("60.00"),
		Currency:  "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", refund.Status)

	// The mock tracks the refunded total and declines over-refunds.
	_, err = gw.RefundCapture(ctx, &RefundCaptureRequest{
		CaptureID: "CAP-1",
		Amount:    decimal.RequireFromString("50.00"),
		Currency:  "USD",
	})
	require.Error(t, err)
	var declined *DeclinedError
	require.ErrorAs(t, err, &declined)
	assert.Contains(t, declined.Reason, "fully refunded")

	assert.Len(t, gw.RefundCalls, 2)
}

func TestMockGatewayScriptedOutcomes(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()
	gw.SeedCapture("CAP-1", decimal.RequireFromString("100.00"), "USD")

	gw.ScriptRefund("CAP-1", RefundOutcome{Decline: "insufficient provider balance"})
	_, err := gw.RefundCapture(ctx, &RefundCaptureRequest{
		CaptureID: "CAP-1",
		Amount:    decimal.RequireFromString("10.00"),
	})
	assert.True(t, IsDeclined(err))

	transport := errors.New("connection reset")
	gw.ScriptRefund("CAP-1", RefundOutcome{Err: transport})
	_, err = gw.RefundCapture(ctx, &RefundCaptureRequest{
		CaptureID: "CAP-1",
		Amount:    decimal.RequireFromString("10.00"),
	})
	assert.ErrorIs(t, err, transport)
	assert.False(t, IsDeclined(err))
}
