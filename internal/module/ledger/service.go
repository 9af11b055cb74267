package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gatherly/ledger/internal/module/crypto"
	"github.com/gatherly/ledger/internal/module/gateway"
	"github.com/gatherly/ledger/internal/shared/cache"
	apperrors "github.com/gatherly/ledger/internal/shared/errors"
	"github.com/gatherly/ledger/internal/shared/metrics"
)

// Service orchestrates payments and refunds against the gateway. It is the
// only writer of payments, refunds and the audit trail.
type Service struct {
	repo      Repository
	gateway   gateway.Gateway
	encryptor crypto.Encryptor
	locker    PaymentLocker
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewService creates the orchestrator.
func NewService(
	repo Repository,
	gw gateway.Gateway,
	encryptor crypto.Encryptor,
	locker PaymentLocker,
	notifier Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Service{
		repo:      repo,
		gateway:   gw,
		encryptor: encryptor,
		locker:    locker,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
	}
}

// InitiatePayment creates a gateway order for an event registration and
// records the payment in Pending. The returned approval URL is where the
// payer completes the checkout.
func (s *Service) InitiatePayment(ctx context.Context, req *InitiatePaymentRequest) (*Payment, string, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, "", apperrors.InvalidRequest("payment amount must be greater than zero")
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	// The payment id is minted first and carried to the provider as
	// custom_id so webhook deliveries can be correlated back to it.
	paymentID := uuid.New()
	metadata := map[string]string{
		"custom_id":       paymentID.String(),
		"registration_id": req.EventRegistrationID.String(),
	}
	if req.Description != "" {
		metadata["description"] = req.Description
	}
	order, err := s.gateway.CreateOrder(ctx, &gateway.CreateOrderRequest{
		Amount:   req.Amount,
		Currency: currency,
		PayerID:  req.UserID.String(),
		Metadata: metadata,
	})
	if err != nil {
		return nil, "", s.wrapGatewayError("create order", err)
	}

	encryptedOrderID, err := s.encryptor.Encrypt(order.ID)
	if err != nil {
		return nil, "", apperrors.Internal("failed to protect gateway order id", err)
	}

	payment := &Payment{
		ID:                      paymentID,
		UserID:                  req.UserID,
		EventRegistrationID:     req.EventRegistrationID,
		Amount:                  req.Amount,
		Currency:                currency,
		Status:                  PaymentStatusPending,
		EncryptedGatewayOrderID: encryptedOrderID,
		RefundAmount:            decimal.Zero,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, "", apperrors.Internal("failed to record payment", err)
	}
	return payment, order.ApprovalURL, nil
}

// CapturePayment captures the gateway order behind a pending payment and
// marks the payment completed.
func (s *Service) CapturePayment(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != PaymentStatusPending {
		return nil, apperrors.Conflict("payment has already been captured")
	}

	orderID, err := s.encryptor.Decrypt(payment.EncryptedGatewayOrderID)
	if err != nil {
		return nil, apperrors.Internal("failed to recover gateway order id", err)
	}
	capture, err := s.gateway.CaptureOrder(ctx, orderID)
	if err != nil {
		return nil, s.wrapGatewayError("capture order", err)
	}

	return s.completePayment(ctx, payment, capture.ID, uuid.Nil, "", "")
}

// MarkCaptureCompleted is the webhook path for capture confirmation. It is
// idempotent: a payment already past Pending is left alone.
func (s *Service) MarkCaptureCompleted(ctx context.Context, paymentID uuid.UUID, captureID string) error {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != PaymentStatusPending {
		return nil
	}
	_, err = s.completePayment(ctx, payment, captureID, uuid.Nil, "", "")
	if errors.Is(err, apperrors.ErrConflict) {
		// Raced with another confirmation path; the payment is completed.
		return nil
	}
	return err
}

func (s *Service) completePayment(ctx context.Context, payment *Payment, captureID string, actor uuid.UUID, ip, userAgent string) (*Payment, error) {
	encryptedCaptureID, err := s.encryptor.Encrypt(captureID)
	if err != nil {
		return nil, apperrors.Internal("failed to protect gateway capture id", err)
	}
	if err := s.repo.MarkPaymentCompleted(ctx, payment.ID, encryptedCaptureID); err != nil {
		return nil, err
	}
	now := time.Now()
	payment.Status = PaymentStatusCompleted
	payment.EncryptedGatewayCaptureID = encryptedCaptureID
	payment.ProcessedAt = &now

	s.audit(ctx, &PaymentAuditLog{
		PaymentID: payment.ID,
		Action:    AuditActionPaymentCompleted,
		Actor:     actor,
		Details:   fmt.Sprintf("payment of %s captured", FormatAmount(payment.Amount, payment.Currency)),
		IPAddress: ip,
		UserAgent: userAgent,
	})
	s.notifier.PaymentCompleted(ctx, payment)
	return payment, nil
}

// GetPayment returns a payment by id.
func (s *Service) GetPayment(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	return s.repo.GetPayment(ctx, paymentID)
}

// GetGatewayOrder fetches the live gateway order behind a payment.
func (s *Service) GetGatewayOrder(ctx context.Context, paymentID uuid.UUID) (*gateway.Order, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	orderID, err := s.encryptor.Decrypt(payment.EncryptedGatewayOrderID)
	if err != nil {
		return nil, apperrors.Internal("failed to recover gateway order id", err)
	}
	order, err := s.gateway.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.wrapGatewayError("get order", err)
	}
	return order, nil
}

// ProcessRefund attempts one refund against a payment. Validation failures
// return a typed error and write nothing. Once validation passes, a refund
// row is committed in Pending before the gateway call and resolved to
// Completed or Failed afterwards; a gateway rejection is a successful call
// whose returned refund carries the Failed status.
func (s *Service) ProcessRefund(ctx context.Context, req *ProcessRefundRequest) (*PaymentRefund, error) {
	release, err := s.locker.Acquire(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			return nil, apperrors.Conflict("another refund for this payment is already in progress")
		}
		return nil, apperrors.Internal("failed to acquire refund lock", err)
	}
	defer release()

	payment, err := s.repo.GetPayment(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotEligible("payment not found")
		}
		return nil, err
	}

	if !payment.Status.IsRefundable() {
		return nil, apperrors.NotEligible(
			fmt.Sprintf("payment is not eligible for refund: refunds can only be processed for completed payments (current status: %s)", payment.Status))
	}

	if len(req.Reason) < MinRefundReasonLength {
		return nil, apperrors.InvalidRequest(
			fmt.Sprintf("Refund reason is required and must be at least %d characters", MinRefundReasonLength))
	}

	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperrors.InvalidRequest("refund amount must be greater than zero")
	}
	currency := req.Currency
	if currency == "" {
		currency = payment.Currency
	}
	if currency != payment.Currency {
		return nil, apperrors.InvalidRequest(
			fmt.Sprintf("refund currency %s does not match payment currency %s", currency, payment.Currency))
	}

	refunded, err := s.repo.SumCompletedRefunds(ctx, payment.ID)
	if err != nil {
		return nil, apperrors.Internal("failed to compute refunded total", err)
	}
	remaining := payment.Amount.Sub(refunded)
	if req.Amount.GreaterThan(remaining) {
		return nil, apperrors.InsufficientBalance(
			fmt.Sprintf("refund amount exceeds the available balance: maximum refundable amount is %s", FormatAmount(remaining, payment.Currency)))
	}

	refund := &PaymentRefund{
		ID:                uuid.New(),
		PaymentID:         payment.ID,
		Amount:            req.Amount,
		Currency:          currency,
		Status:            RefundStatusPending,
		Reason:            req.Reason,
		ProcessedByUserID: req.ProcessedByUserID,
	}
	if err := s.repo.CreateRefund(ctx, refund); err != nil {
		return nil, apperrors.Internal("failed to record refund", err)
	}
	s.audit(ctx, &PaymentAuditLog{
		PaymentID: payment.ID,
		Action:    AuditActionRefundInitiated,
		Actor:     req.ProcessedByUserID,
		Details:   fmt.Sprintf("refund of %s initiated: %s", FormatAmount(req.Amount, currency), req.Reason),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})

	captureID, err := s.encryptor.Decrypt(payment.EncryptedGatewayCaptureID)
	if err != nil {
		s.resolveFailed(ctx, refund, req, "gateway capture id could not be recovered")
		return nil, apperrors.Internal("failed to recover gateway capture id", err)
	}

	gwRefund, gwErr := s.gateway.RefundCapture(ctx, &gateway.RefundCaptureRequest{
		CaptureID: captureID,
		Amount:    req.Amount,
		Currency:  currency,
		Reason:    req.Reason,
		Note:      req.Reason,
	})
	if gwErr != nil {
		// Rejections and transport failures alike resolve the refund to
		// Failed; the payment and its balance are untouched and the call
		// itself succeeds so the caller can inspect the refund status.
		s.resolveFailed(ctx, refund, req, gwErr.Error())
		s.metrics.RefundsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("gateway refund failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("refund_id", refund.ID.String()),
			zap.Error(gwErr))
		s.notifier.RefundResolved(ctx, payment, refund)
		return refund, nil
	}

	encryptedRefundID, err := s.encryptor.Encrypt(gwRefund.ID)
	if err != nil {
		// The money moved but we cannot store the gateway id; keep the
		// refund resolvable by an operator rather than failing it.
		return nil, apperrors.Internal("failed to protect gateway refund id", err)
	}

	updated, err := s.repo.CompleteRefund(ctx, refund.ID, encryptedRefundID)
	if err != nil {
		return nil, apperrors.Internal("failed to finalize refund", err)
	}
	refund.Status = RefundStatusCompleted
	refund.EncryptedGatewayRefundID = &encryptedRefundID

	s.audit(ctx, &PaymentAuditLog{
		PaymentID: payment.ID,
		Action:    AuditActionRefundCompleted,
		Actor:     req.ProcessedByUserID,
		Details: fmt.Sprintf("refund of %s completed, %s refunded of %s total",
			FormatAmount(refund.Amount, currency),
			FormatAmount(updated.RefundAmount, updated.Currency),
			FormatAmount(updated.Amount, updated.Currency)),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})

	s.metrics.RefundsTotal.WithLabelValues("completed").Inc()
	s.metrics.RefundAmountTotal.WithLabelValues(currency).Add(amountAsFloat(refund.Amount))
	s.logger.Info("refund completed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("refund_id", refund.ID.String()),
		zap.String("amount", refund.Amount.StringFixed(2)),
		zap.String("payment_status", string(updated.Status)))
	s.notifier.RefundResolved(ctx, updated, refund)
	return refund, nil
}

func (s *Service) resolveFailed(ctx context.Context, refund *PaymentRefund, req *ProcessRefundRequest, reason string) {
	if err := s.repo.FailRefund(ctx, refund.ID, reason); err != nil {
		s.logger.Error("failed to mark refund failed",
			zap.String("refund_id", refund.ID.String()),
			zap.Error(err))
	}
	refund.Status = RefundStatusFailed
	if refund.Metadata == nil {
		refund.Metadata = Metadata{}
	}
	refund.Metadata[MetadataKeyFailureReason] = reason

	s.audit(ctx, &PaymentAuditLog{
		PaymentID: refund.PaymentID,
		Action:    AuditActionRefundFailed,
		Actor:     req.ProcessedByUserID,
		Details:   fmt.Sprintf("refund of %s failed: %s", FormatAmount(refund.Amount, refund.Currency), reason),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
}

// GetRefundsByPaymentID returns every refund row for a payment, any status.
func (s *Service) GetRefundsByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]PaymentRefund, error) {
	if _, err := s.repo.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.repo.ListRefundsByPayment(ctx, paymentID)
}

// GetMaximumRefundAmount returns the remaining refundable balance, the same
// quantity ProcessRefund validates against.
func (s *Service) GetMaximumRefundAmount(ctx context.Context, paymentID uuid.UUID) (*MaximumRefundResponse, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	refunded, err := s.repo.SumCompletedRefunds(ctx, paymentID)
	if err != nil {
		return nil, apperrors.Internal("failed to compute refunded total", err)
	}
	return &MaximumRefundResponse{
		PaymentID:      payment.ID,
		PaymentAmount:  payment.Amount,
		RefundedAmount: refunded,
		MaximumRefund:  payment.Amount.Sub(refunded),
		Currency:       payment.Currency,
	}, nil
}

func (s *Service) audit(ctx context.Context, entry *PaymentAuditLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if err := s.repo.AppendAuditLog(ctx, entry); err != nil {
		s.logger.Error("failed to append audit log",
			zap.String("payment_id", entry.PaymentID.String()),
			zap.String("action", string(entry.Action)),
			zap.Error(err))
	}
}

func (s *Service) wrapGatewayError(op string, err error) error {
	var declined *gateway.DeclinedError
	if errors.As(err, &declined) {
		return apperrors.Conflict(fmt.Sprintf("gateway declined %s: %s", op, declined.Reason))
	}
	return apperrors.Internal(fmt.Sprintf("gateway %s failed", op), err)
}

func amountAsFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
