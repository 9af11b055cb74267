package gateway

import (
	"errors"
	"testing"

	"github.com/go-pay/gopay/paypal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclineFromErrorResponse(t *testing.T) {
	err := declineFrom("paypal", &paypal.ErrorResponse{
		Name:    "UNPROCESSABLE_ENTITY",
		Message: "The requested action could not be performed.",
		Details: []paypal.ErrorDetail{
			{Issue: "CAPTURE_FULLY_REFUNDED"},
			{Issue: "MAX_NUMBER_OF_REFUNDS_EXCEEDED", Description: "You have exceeded the number of refunds."},
		},
	})

	var declined *DeclinedError
	require.True(t, errors.As(err, &declined))
	assert.Equal(t, "paypal", declined.Provider)
	assert.Contains(t, declined.Reason, "The requested action could not be performed.")
	assert.Contains(t, declined.Reason, "You have exceeded the number of refunds.")
}

func TestDeclineFromFallsBackToName(t *testing.T) {
	err := declineFrom("paypal", &paypal.ErrorResponse{Name: "INVALID_REQUEST"})

	var declined *DeclinedError
	require.True(t, errors.As(err, &declined))
	assert.Equal(t, "INVALID_REQUEST", declined.Reason)
}

func TestDeclineFromNilResponse(t *testing.T) {
	err := declineFrom("paypal", nil)

	var declined *DeclinedError
	require.True(t, errors.As(err, &declined))
	assert.Equal(t, "empty provider response", declined.Reason)
}
