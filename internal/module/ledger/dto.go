package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProcessRefundRequest carries everything the orchestrator needs to attempt
// one refund. The caller context fields feed the audit trail only.
type ProcessRefundRequest struct {
	PaymentID         uuid.UUID       `json:"payment_id"`
	Amount            decimal.Decimal `json:"amount" binding:"required"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason" binding:"required"`
	ProcessedByUserID uuid.UUID       `json:"processed_by_user_id" binding:"required"`
	IPAddress         string          `json:"-"`
	UserAgent         string          `json:"-"`
}

// InitiatePaymentRequest starts a checkout for an event registration.
type InitiatePaymentRequest struct {
	UserID              uuid.UUID       `json:"user_id" binding:"required"`
	EventRegistrationID uuid.UUID       `json:"event_registration_id" binding:"required"`
	Amount              decimal.Decimal `json:"amount" binding:"required"`
	Currency            string          `json:"currency"`
	Description         string          `json:"description"`
}

// RefundResponse is the external shape of a refund row.
type RefundResponse struct {
	ID                uuid.UUID       `json:"id"`
	PaymentID         uuid.UUID       `json:"payment_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            RefundStatus    `json:"status"`
	Reason            string          `json:"reason"`
	ProcessedByUserID uuid.UUID       `json:"processed_by_user_id"`
	Metadata          Metadata        `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewRefundResponse maps a refund row to its external shape.
func NewRefundResponse(r *PaymentRefund) *RefundResponse {
	return &RefundResponse{
		ID:                r.ID,
		PaymentID:         r.PaymentID,
		Amount:            r.Amount,
		Currency:          r.Currency,
		Status:            r.Status,
		Reason:            r.Reason,
		ProcessedByUserID: r.ProcessedByUserID,
		Metadata:          r.Metadata,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// MaximumRefundResponse reports the remaining refundable balance of a
// payment.
type MaximumRefundResponse struct {
	PaymentID      uuid.UUID       `json:"payment_id"`
	PaymentAmount  decimal.Decimal `json:"payment_amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	MaximumRefund  decimal.Decimal `json:"maximum_refund"`
	Currency       string          `json:"currency"`
}
