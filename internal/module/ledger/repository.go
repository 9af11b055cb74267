package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/gatherly/ledger/internal/shared/errors"
)

// Repository persists payments, refunds and the audit trail.
type Repository interface {
	CreatePayment(ctx context.Context, payment *Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	MarkPaymentCompleted(ctx context.Context, id uuid.UUID, encryptedCaptureID string) error

	CreateRefund(ctx context.Context, refund *PaymentRefund) error
	SumCompletedRefunds(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error)
	CompleteRefund(ctx context.Context, refundID uuid.UUID, encryptedRefundID string) (*Payment, error)
	FailRefund(ctx context.Context, refundID uuid.UUID, failureReason string) error
	ListRefundsByPayment(ctx context.Context, paymentID uuid.UUID) ([]PaymentRefund, error)

	AppendAuditLog(ctx context.Context, entry *PaymentAuditLog) error
	ListAuditLogsBetween(ctx context.Context, from, to time.Time) ([]PaymentAuditLog, error)

	RecordWebhookEvent(ctx context.Context, event *GatewayWebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, eventID uuid.UUID, procErr error) error
}

// GormRepository implements Repository on postgres via gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a repository over the given connection.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) CreatePayment(ctx context.Context, payment *Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *GormRepository) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	var payment Payment
	if err := r.db.WithContext(ctx).First(&payment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("payment")
		}
		return nil, err
	}
	return &payment, nil
}

func (r *GormRepository) MarkPaymentCompleted(ctx context.Context, id uuid.UUID, encryptedCaptureID string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND status = ?", id, PaymentStatusPending).
		Updates(map[string]any{
			"status":                       PaymentStatusCompleted,
			"encrypted_gateway_capture_id": encryptedCaptureID,
			"processed_at":                 now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.Conflict("payment is not pending")
	}
	return nil
}

func (r *GormRepository) CreateRefund(ctx context.Context, refund *PaymentRefund) error {
	return r.db.WithContext(ctx).Create(refund).Error
}

func (r *GormRepository) SumCompletedRefunds(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := r.db.WithContext(ctx).Model(&PaymentRefund{}).
		Where("payment_id = ? AND status = ?", paymentID, RefundStatusCompleted).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// CompleteRefund finalizes a successful gateway refund in one transaction.
// The payment row is locked FOR UPDATE and the completed total recomputed
// under the lock, so concurrent finalization cannot overshoot the payment
// amount.
func (r *GormRepository) CompleteRefund(ctx context.Context, refundID uuid.UUID, encryptedRefundID string) (*Payment, error) {
	var payment Payment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refund PaymentRefund
		if err := tx.First(&refund, "id = ?", refundID).Error; err != nil {
			return err
		}
		if refund.Status.IsTerminal() {
			return apperrors.Conflict("refund is already finalized")
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payment, "id = ?", refund.PaymentID).Error; err != nil {
			return err
		}

		var completed decimal.NullDecimal
		if err := tx.Model(&PaymentRefund{}).
			Where("payment_id = ? AND status = ?", refund.PaymentID, RefundStatusCompleted).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&completed).Error; err != nil {
			return err
		}
		newTotal := refund.Amount
		if completed.Valid {
			newTotal = newTotal.Add(completed.Decimal)
		}

		now := time.Now()
		if err := payment.ApplyRefund(newTotal, now); err != nil {
			return apperrors.Conflict(err.Error())
		}

		if err := tx.Model(&refund).Updates(map[string]any{
			"status":                      RefundStatusCompleted,
			"encrypted_gateway_refund_id": encryptedRefundID,
		}).Error; err != nil {
			return err
		}

		return tx.Model(&payment).Updates(map[string]any{
			"status":        payment.Status,
			"refund_amount": payment.RefundAmount,
			"refunded_at":   now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// FailRefund marks a pending refund failed and records the gateway's
// reason. The payment row is not touched.
func (r *GormRepository) FailRefund(ctx context.Context, refundID uuid.UUID, failureReason string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refund PaymentRefund
		if err := tx.First(&refund, "id = ?", refundID).Error; err != nil {
			return err
		}
		if refund.Status.IsTerminal() {
			return apperrors.Conflict("refund is already finalized")
		}
		if refund.Metadata == nil {
			refund.Metadata = Metadata{}
		}
		refund.Metadata[MetadataKeyFailureReason] = failureReason
		return tx.Model(&refund).Updates(map[string]any{
			"status":   RefundStatusFailed,
			"metadata": refund.Metadata,
		}).Error
	})
}

func (r *GormRepository) ListRefundsByPayment(ctx context.Context, paymentID uuid.UUID) ([]PaymentRefund, error) {
	var refunds []PaymentRefund
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&refunds).Error
	return refunds, err
}

func (r *GormRepository) AppendAuditLog(ctx context.Context, entry *PaymentAuditLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *GormRepository) ListAuditLogsBetween(ctx context.Context, from, to time.Time) ([]PaymentAuditLog, error) {
	var entries []PaymentAuditLog
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

// RecordWebhookEvent inserts the delivery and reports whether it was new.
// A duplicate (provider, event_id) pair is ignored and returns false.
func (r *GormRepository) RecordWebhookEvent(ctx context.Context, event *GatewayWebhookEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormRepository) MarkWebhookProcessed(ctx context.Context, eventID uuid.UUID, procErr error) error {
	now := time.Now()
	updates := map[string]any{
		"processed":    procErr == nil,
		"processed_at": now,
	}
	if procErr != nil {
		msg := procErr.Error()
		updates["error"] = msg
	}
	return r.db.WithContext(ctx).Model(&GatewayWebhookEvent{}).
		Where("id = ?", eventID).
		Updates(updates).Error
}
