package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus represents the status of a captured payment.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusFailed            PaymentStatus = "failed"
)

// IsRefundable reports whether payments in this status may be refunded.
// Partially refunded payments stay refundable up to their remaining balance.
func (s PaymentStatus) IsRefundable() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusPartiallyRefunded
}

// RefundStatus represents the status of a refund attempt. Completed and
// Failed are terminal.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusFailed    RefundStatus = "failed"
)

// IsTerminal reports whether the status permits no further mutation.
func (s RefundStatus) IsTerminal() bool {
	return s == RefundStatusCompleted || s == RefundStatusFailed
}

// MinRefundReasonLength is the minimum length of a refund justification.
// Every refund must carry a human-auditable reason.
const MinRefundReasonLength = 10

// Payment represents a single captured charge for an event registration.
// Payments are never deleted; refunds are recorded as new facts against
// them, not edits to history.
type Payment struct {
	ID                  uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID              uuid.UUID       `json:"user_id" gorm:"type:uuid;not null;index"`
	EventRegistrationID uuid.UUID       `json:"event_registration_id" gorm:"type:uuid;not null;index"`
	Amount              decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	Currency            string          `json:"currency" gorm:"size:3;not null;default:USD"`
	Status              PaymentStatus   `json:"status" gorm:"not null;default:pending;index"`

	// Gateway identifiers, encrypted at rest. The capture id is set once
	// the gateway confirms the capture and is what refunds are issued
	// against.
	EncryptedGatewayOrderID   string `json:"-"`
	EncryptedGatewayCaptureID string `json:"-"`

	// RefundAmount is the running total of completed refunds. It never
	// exceeds Amount.
	RefundAmount decimal.Decimal `json:"refund_amount" gorm:"type:decimal(12,2);not null;default:0"`

	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (Payment) TableName() string {
	return "payments"
}

// ApplyRefund records a completed refund total on the payment and derives
// the resulting status. The caller supplies the new total of completed
// refunds, which must not exceed the payment amount.
func (p *Payment) ApplyRefund(newTotal decimal.Decimal, at time.Time) error {
	if newTotal.GreaterThan(p.Amount) {
		return fmt.Errorf("refund total %s exceeds payment amount %s", newTotal, p.Amount)
	}
	p.RefundAmount = newTotal
	if newTotal.Equal(p.Amount) {
		p.Status = PaymentStatusRefunded
	} else {
		p.Status = PaymentStatusPartiallyRefunded
	}
	p.RefundedAt = &at
	return nil
}

// PaymentRefund represents one refund attempt against a payment. A payment
// may own many refund rows across repeated partial refunds.
type PaymentRefund struct {
	ID                uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	PaymentID         uuid.UUID       `json:"payment_id" gorm:"type:uuid;not null;index"`
	Amount            decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	Currency          string          `json:"currency" gorm:"size:3;not null"`
	Status            RefundStatus    `json:"status" gorm:"not null;default:pending"`
	Reason            string          `json:"reason" gorm:"type:text;not null"`
	ProcessedByUserID uuid.UUID       `json:"processed_by_user_id" gorm:"type:uuid;not null"`

	// Set only when the gateway refund succeeded.
	EncryptedGatewayRefundID *string `json:"-"`

	// Metadata carries structured failure detail, e.g. failure_reason on
	// gateway rejection.
	Metadata Metadata `json:"metadata" gorm:"type:jsonb;serializer:json"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (PaymentRefund) TableName() string {
	return "payment_refunds"
}

// Metadata is a string-keyed map stored as jsonb.
type Metadata map[string]string

// MetadataKeyFailureReason holds the gateway's error text on a failed refund.
const MetadataKeyFailureReason = "failure_reason"

// AuditAction identifies a ledger state change in the audit trail.
type AuditAction string

const (
	AuditActionPaymentCompleted AuditAction = "PaymentCompleted"
	AuditActionRefundInitiated  AuditAction = "RefundInitiated"
	AuditActionRefundCompleted  AuditAction = "RefundCompleted"
	AuditActionRefundFailed     AuditAction = "RefundFailed"
)

// PaymentAuditLog is the append-only audit trail. Rows are never updated
// or deleted.
type PaymentAuditLog struct {
	ID        uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	PaymentID uuid.UUID   `json:"payment_id" gorm:"type:uuid;not null;index"`
	Action    AuditAction `json:"action" gorm:"not null"`
	// Actor is the user who triggered the change; uuid.Nil for
	// system-initiated changes such as webhook processing.
	Actor     uuid.UUID `json:"actor" gorm:"type:uuid"`
	Details   string    `json:"details" gorm:"type:text"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// TableName returns the database table name.
func (PaymentAuditLog) TableName() string {
	return "payment_audit_logs"
}

// GatewayWebhookEvent records a processed webhook delivery so duplicate
// deliveries are acknowledged without being reprocessed.
type GatewayWebhookEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Provider    string    `gorm:"not null;uniqueIndex:idx_provider_event"`
	EventID     string    `gorm:"not null;uniqueIndex:idx_provider_event"`
	EventType   string    `gorm:"not null"`
	Payload     string    `gorm:"type:jsonb"`
	Processed   bool      `gorm:"default:false"`
	ProcessedAt *time.Time
	Error       *string
	CreatedAt   time.Time
}

// TableName returns the database table name.
func (GatewayWebhookEvent) TableName() string {
	return "gateway_webhook_events"
}

// FormatAmount renders an amount for user-visible messages: "$40.00" for
// USD, "40.00 EUR" otherwise.
func FormatAmount(amount decimal.Decimal, currency string) string {
	if currency == "USD" || currency == "" {
		return "$" + amount.StringFixed(2)
	}
	return fmt.Sprintf("%s %s", amount.StringFixed(2), currency)
}
