package ledger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandlerEnv(t *testing.T) (*testEnv, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t)
	router := gin.New()
	NewHandler(env.service).RegisterRoutes(router)
	return env, router
}

func postJSON(t *testing.T, router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func getJSON(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerProcessRefund(t *testing.T) {
	env, router := newHandlerEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")

	rec := postJSON(t, router, "/internal/payments/"+payment.ID.String()+"/refunds", map[string]any{
		"amount":               "40.00",
		"currency":             "USD",
		"reason":               "Customer requested cancellation of registration",
		"processed_by_user_id": uuid.NewString(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp RefundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, RefundStatusCompleted, resp.Status)
	assert.Equal(t, payment.ID, resp.PaymentID)
}

func TestHandlerProcessRefund_ErrorMapping(t *testing.T) {
	env, router := newHandlerEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")

	// Reason too short maps to 400 with the validation message.
	rec := postJSON(t, router, "/internal/payments/"+payment.ID.String()+"/refunds", map[string]any{
		"amount":               "40.00",
		"reason":               "Short",
		"processed_by_user_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "at least 10 characters")

	// Over-refund maps to 422 and names the remaining balance.
	rec = postJSON(t, router, "/internal/payments/"+payment.ID.String()+"/refunds", map[string]any{
		"amount":               "150.00",
		"reason":               "Customer requested cancellation of registration",
		"processed_by_user_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "$100.00")

	// Unknown payment maps to 422 eligibility.
	rec = postJSON(t, router, "/internal/payments/"+uuid.NewString()+"/refunds", map[string]any{
		"amount":               "5.00",
		"reason":               "Customer requested cancellation of registration",
		"processed_by_user_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Malformed payment id maps to 400.
	rec = postJSON(t, router, "/internal/payments/nope/refunds", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMaximumRefund(t *testing.T) {
	env, router := newHandlerEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")
	env.seedCompletedRefund(t, payment.ID, "60.00")

	rec := getJSON(router, "/internal/payments/"+payment.ID.String()+"/refunds/maximum")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MaximumRefundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.MaximumRefund.Equal(mustDecimal(t, "40.00")))
}

func TestHandlerListRefunds(t *testing.T) {
	env, router := newHandlerEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")
	env.seedCompletedRefund(t, payment.ID, "20.00")
	env.seedRefund(t, payment.ID, "5.00", RefundStatusFailed)

	rec := getJSON(router, "/internal/payments/"+payment.ID.String()+"/refunds")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Refunds []RefundResponse `json:"refunds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Refunds, 2)

	rec = getJSON(router, "/internal/payments/"+uuid.NewString()+"/refunds")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
