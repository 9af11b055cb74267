package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gatherly/ledger/internal/module/crypto"
	"github.com/gatherly/ledger/internal/module/gateway"
	apperrors "github.com/gatherly/ledger/internal/shared/errors"
	"github.com/gatherly/ledger/internal/shared/metrics"
)

// memRepo is an in-memory Repository with the same semantics as the gorm
// implementation, for exercising the orchestrator without a database.
type memRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
	refunds  map[uuid.UUID]*PaymentRefund
	audits   []PaymentAuditLog
	events   map[string]*GatewayWebhookEvent
}

func newMemRepo() *memRepo {
	return &memRepo{
		payments: make(map[uuid.UUID]*Payment),
		refunds:  make(map[uuid.UUID]*PaymentRefund),
		events:   make(map[string]*GatewayWebhookEvent),
	}
}

func (r *memRepo) CreatePayment(_ context.Context, payment *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *payment
	r.payments[payment.ID] = &cp
	return nil
}

func (r *memRepo) GetPayment(_ context.Context, id uuid.UUID) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok {
		return nil, apperrors.NotFound("payment")
	}
	cp := *payment
	return &cp, nil
}

func (r *memRepo) MarkPaymentCompleted(_ context.Context, id uuid.UUID, encryptedCaptureID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok || payment.Status != PaymentStatusPending {
		return apperrors.Conflict("payment is not pending")
	}
	now := time.Now()
	payment.Status = PaymentStatusCompleted
	payment.EncryptedGatewayCaptureID = encryptedCaptureID
	payment.ProcessedAt = &now
	return nil
}

func (r *memRepo) CreateRefund(_ context.Context, refund *PaymentRefund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *refund
	r.refunds[refund.ID] = &cp
	return nil
}

func (r *memRepo) SumCompletedRefunds(_ context.Context, paymentID uuid.UUID) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sumCompletedLocked(paymentID), nil
}

func (r *memRepo) sumCompletedLocked(paymentID uuid.UUID) decimal.Decimal {
	total := decimal.Zero
	for _, refund := range r.refunds {
		if refund.PaymentID == paymentID && refund.Status == RefundStatusCompleted {
			total = total.Add(refund.Amount)
		}
	}
	return total
}

func (r *memRepo) CompleteRefund(_ context.Context, refundID uuid.UUID, encryptedRefundID string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refund, ok := r.refunds[refundID]
	if !ok {
		return nil, apperrors.NotFound("refund")
	}
	if refund.Status.IsTerminal() {
		return nil, apperrors.Conflict("refund is already finalized")
	}
	payment := r.payments[refund.PaymentID]
	newTotal := r.sumCompletedLocked(refund.PaymentID).Add(refund.Amount)
	now := time.Now()
	if err := payment.ApplyRefund(newTotal, now); err != nil {
		return nil, apperrors.Conflict(err.Error())
	}
	refund.Status = RefundStatusCompleted
	refund.EncryptedGatewayRefundID = &encryptedRefundID
	cp := *payment
	return &cp, nil
}

func (r *memRepo) FailRefund(_ context.Context, refundID uuid.UUID, failureReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	refund, ok := r.refunds[refundID]
	if !ok {
		return apperrors.NotFound("refund")
	}
	if refund.Status.IsTerminal() {
		return apperrors.Conflict("refund is already finalized")
	}
	if refund.Metadata == nil {
		refund.Metadata = Metadata{}
	}
	refund.Metadata[MetadataKeyFailureReason] = failureReason
	refund.Status = RefundStatusFailed
	return nil
}

func (r *memRepo) ListRefundsByPayment(_ context.Context, paymentID uuid.UUID) ([]PaymentRefund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PaymentRefund
	for _, refund := range r.refunds {
		if refund.PaymentID == paymentID {
			out = append(out, *refund)
		}
	}
	return out, nil
}

func (r *memRepo) AppendAuditLog(_ context.Context, entry *PaymentAuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, *entry)
	return nil
}

func (r *memRepo) ListAuditLogsBetween(_ context.Context, from, to time.Time) ([]PaymentAuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PaymentAuditLog
	for _, entry := range r.audits {
		if !entry.CreatedAt.Before(from) && entry.CreatedAt.Before(to) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memRepo) RecordWebhookEvent(_ context.Context, event *GatewayWebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + "/" + event.EventID
	if _, ok := r.events[key]; ok {
		return false, nil
	}
	cp := *event
	r.events[key] = &cp
	return true, nil
}

func (r *memRepo) MarkWebhookProcessed(_ context.Context, eventID uuid.UUID, procErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.events {
		if event.ID == eventID {
			now := time.Now()
			event.Processed = procErr == nil
			event.ProcessedAt = &now
			if procErr != nil {
				msg := procErr.Error()
				event.Error = &msg
			}
			return nil
		}
	}
	return apperrors.NotFound("webhook event")
}

func (r *memRepo) auditActions(paymentID uuid.UUID) []AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var actions []AuditAction
	for _, entry := range r.audits {
		if entry.PaymentID == paymentID {
			actions = append(actions, entry.Action)
		}
	}
	return actions
}

func (r *memRepo) refundCount(paymentID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, refund := range r.refunds {
		if refund.PaymentID == paymentID {
			n++
		}
	}
	return n
}

type testEnv struct {
	repo    *memRepo
	gateway *gateway.MockGateway
	locker  *LocalPaymentLocker
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newMemRepo()
	gw := gateway.NewMockGateway()
	locker := NewLocalPaymentLocker()
	m := metrics.New("test", prometheus.NewRegistry())
	svc := NewService(repo, gw, crypto.Passthrough{}, locker, NoopNotifier{}, m, zap.NewNop())
	return &testEnv{repo: repo, gateway: gw, locker: locker, service: svc}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

// seedCompletedPayment stores a captured payment and registers its capture
// with the mock gateway. The pass-through encryptor means the stored
// capture id is usable as-is.
func (env *testEnv) seedCompletedPayment(t *testing.T, amount string) *Payment {
	t.Helper()
	amt := mustDecimal(t, amount)
	captureID := "CAP-" + uuid.NewString()
	now := time.Now()
	payment := &Payment{
		ID:                        uuid.New(),
		UserID:                    uuid.New(),
		EventRegistrationID:       uuid.New(),
		Amount:                    amt,
		Currency:                  "USD",
		Status:                    PaymentStatusCompleted,
		EncryptedGatewayOrderID:   "ORD-" + uuid.NewString(),
		EncryptedGatewayCaptureID: captureID,
		RefundAmount:              decimal.Zero,
		ProcessedAt:               &now,
	}
	require.NoError(t, env.repo.CreatePayment(context.Background(), payment))
	env.gateway.SeedCapture(captureID, amt, "USD")
	return payment
}

func (env *testEnv) seedCompletedRefund(t *testing.T, paymentID uuid.UUID, amount string) {
	t.Helper()
	env.seedRefund(t, paymentID, amount, RefundStatusCompleted)
	payment := env.repo.payments[paymentID]
	require.NoError(t, payment.ApplyRefund(env.repo.sumCompletedLocked(paymentID), time.Now()))
}

func (env *testEnv) seedRefund(t *testing.T, paymentID uuid.UUID, amount string, status RefundStatus) {
	t.Helper()
	require.NoError(t, env.repo.CreateRefund(context.Background(), &PaymentRefund{
		ID:                uuid.New(),
		PaymentID:         paymentID,
		Amount:            mustDecimal(t, amount),
		Currency:          "USD",
		Status:            status,
		Reason:            "seeded refund for test setup",
		ProcessedByUserID: uuid.New(),
	}))
}

func refundRequest(payment *Payment, amount string) *ProcessRefundRequest {
	return &ProcessRefundRequest{
		PaymentID:         payment.ID,
		Amount:            decimal.RequireFromString(amount),
		Currency:          "USD",
		Reason:            "Customer requested cancellation of registration",
		ProcessedByUserID: uuid.New(),
		IPAddress:         "203.0.113.10",
		UserAgent:         "ledger-test/1.0",
	}
}

func TestProcessRefund_FullRefund(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")

	refund, err := env.service.ProcessRefund(context.Background(), refundRequest(payment, "100.00"))
	require.NoError(t, err)
	assert.Equal(t, RefundStatusCompleted, refund.Status)
	require.NotNil(t, refund.EncryptedGatewayRefundID)

	stored, err := env.repo.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusRefunded, stored.Status)
	assert.True(t, stored.RefundAmount.Equal(mustDecimal(t, "100.00")),
		"refund amount = %s", stored.RefundAmount)
	assert.NotNil(t, stored.RefundedAt)

	assert.Equal(t,
		[]AuditAction{AuditActionRefundInitiated, AuditActionRefundCompleted},
		env.repo.auditActions(payment.ID))
}

func TestProcessRefund_PartialRefund(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")

	refund, err := env.service.ProcessRefund(context.Background(), refundRequest(payment, "50.00"))
	require.NoError(t, err)
	assert.Equal(t, RefundStatusCompleted, refund.Status)

	stored, err := env.repo.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusPartiallyRefunded, stored.Status)
	assert.True(t, stored.RefundAmount.Equal(mustDecimal(t, "50.00")))
}

func TestProcessRefund_ExceedsRemainingBalance(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")

	_, err := env.service.ProcessRefund(context.Background(), refundRequest(payment, "50.00"))
	require.NoError(t, err)

	_, err = env.service.ProcessRefund(context.Background(), refundRequest(payment, "60.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "$50.00")

	// The rejected request must not have created a second refund row.
	assert.Equal(t, 1, env.repo.refundCount(payment.ID))
}

func TestGetMaximumRefundAmount_IgnoresFailedRefunds(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")
	env.seedCompletedRefund(t, payment.ID, "40.00")
	env.seedCompletedRefund(t, payment.ID, "20.00")
	env.seedRefund(t, payment.ID, "10.00", RefundStatusFailed)

	maximum, err := env.service.GetMaximumRefundAmount(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.True(t, maximum.MaximumRefund.Equal(mustDecimal(t, "40.00")),
		"maximum refund = %s", maximum.MaximumRefund)
	assert.True(t, maximum.RefundedAmount.Equal(mustDecimal(t, "60.00")))

	_, err = env.service.ProcessRefund(context.Background(), refundRequest(payment, "50.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "$40.00")
}

func TestProcessRefund_PendingPaymentNotEligible(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")
	env.repo.payments[payment.ID].Status = PaymentStatusPending

	_, err := env.service.ProcessRefund(context.Background(), refundRequest(payment, "1.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotEligible)
	assert.Contains(t, err.Error(), "completed payments")

	assert.Equal(t, 0, env.repo.refundCount(payment.ID))
	assert.Empty(t, env.repo.auditActions(payment.ID))
}

func TestProcessRefund_PaymentNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.ProcessRefund(context.Background(), &ProcessRefundRequest{
		PaymentID:         uuid.New(),
		Amount:            decimal.RequireFromString("10.00"),
		Reason:            "Customer requested cancellation of registration",
		ProcessedByUserID: uuid.New(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotEligible)
}

func TestProcessRefund_ReasonTooShort(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")

	req := refundRequest(payment, "10.00")
	req.Reason = "Short"
	_, err := env.service.ProcessRefund(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "at least 10 characters")

	assert.Equal(t, 0, env.repo.refundCount(payment.ID))
}

func TestProcessRefund_InvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")

	req := refundRequest(payment, "0.00")
	_, err := env.service.ProcessRefund(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	req = refundRequest(payment, "-5.00")
	_, err = env.service.ProcessRefund(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestProcessRefund_CurrencyMismatch(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")

	req := refundRequest(payment, "10.00")
	req.Currency = "EUR"
	_, err := env.service.ProcessRefund(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "EUR")
}

func TestProcessRefund_GatewayDecline(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")
	env.gateway.ScriptRefund(payment.EncryptedGatewayCaptureID,
		gateway.RefundOutcome{Decline: "capture already fully refunded"})

	refund, err := env.service.ProcessRefund(context.Background(), refundRequest(payment, "25.00"))
	require.NoError(t, err, "a gateway rejection resolves the refund, it does not fail the call")
	assert.Equal(t, RefundStatusFailed, refund.Status)
	assert.Contains(t, refund.Metadata[MetadataKeyFailureReason], "capture already fully refunded")

	stored, err := env.repo.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusCompleted, stored.Status, "a failed refund must not touch the payment")
	assert.True(t, stored.RefundAmount.IsZero())

	assert.Equal(t,
		[]AuditAction{AuditActionRefundInitiated, AuditActionRefundFailed},
		env.repo.auditActions(payment.ID))
}

func TestProcessRefund_GatewayTransportError(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")
	env.gateway.ScriptRefund(payment.EncryptedGatewayCaptureID,
		gateway.RefundOutcome{Err: context.DeadlineExceeded})

	refund, err := env.service.ProcessRefund(context.Background(), refundRequest(payment, "25.00"))
	require.NoError(t, err)
	assert.Equal(t, RefundStatusFailed, refund.Status)
	assert.NotEmpty(t, refund.Metadata[MetadataKeyFailureReason])

	stored, err := env.repo.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusCompleted, stored.Status)
}

func TestProcessRefund_RetryAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")
	env.gateway.ScriptRefund(payment.EncryptedGatewayCaptureID,
		gateway.RefundOutcome{Decline: "temporary decline"})

	first, err := env.service.ProcessRefund(context.Background(), refundRequest(payment, "30.00"))
	require.NoError(t, err)
	assert.Equal(t, RefundStatusFailed, first.Status)

	// A retry is a fresh refund row, not a mutation of the failed one.
	env.gateway.ScriptRefund(payment.EncryptedGatewayCaptureID, gateway.RefundOutcome{})
	second, err := env.service.ProcessRefund(context.Background(), refundRequest(payment, "30.00"))
	require.NoError(t, err)
	assert.Equal(t, RefundStatusCompleted, second.Status)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, env.repo.refundCount(payment.ID))

	stored, err := env.repo.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.True(t, stored.RefundAmount.Equal(mustDecimal(t, "30.00")))
}

func TestProcessRefund_SerializedPerPayment(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")

	release, err := env.locker.Acquire(context.Background(), payment.ID)
	require.NoError(t, err)
	defer release()

	_, err = env.service.ProcessRefund(context.Background(), refundRequest(payment, "10.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Contains(t, err.Error(), "already in progress")
}

func TestProcessRefund_CompletedTotalNeverExceedsAmount(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")

	amounts := []string{"40.00", "40.00", "40.00"}
	for _, amount := range amounts {
		_, _ = env.service.ProcessRefund(context.Background(), refundRequest(payment, amount))
	}

	total, err := env.repo.SumCompletedRefunds(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.True(t, total.LessThanOrEqual(payment.Amount),
		"completed refunds %s exceed payment amount %s", total, payment.Amount)
}

func TestGetRefundsByPaymentID(t *testing.T) {
	env := newTestEnv(t)
	payment := env.seedCompletedPayment(t, "100.00")
	env.seedCompletedRefund(t, payment.ID, "20.00")
	env.seedRefund(t, payment.ID, "5.00", RefundStatusFailed)

	refunds, err := env.service.GetRefundsByPaymentID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 2, "all statuses are returned")

	_, err = env.service.GetRefundsByPaymentID(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestInitiateAndCapturePayment(t *testing.T) {
	env := newTestEnv(t)

	payment, _, err := env.service.InitiatePayment(context.Background(), &InitiatePaymentRequest{
		UserID:              uuid.New(),
		EventRegistrationID: uuid.New(),
		Amount:              decimal.RequireFromString("75.00"),
		Currency:            "USD",
		Description:         "conference registration",
	})
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusPending, payment.Status)
	assert.NotEmpty(t, payment.EncryptedGatewayOrderID)

	captured, err := env.service.CapturePayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusCompleted, captured.Status)
	assert.NotEmpty(t, captured.EncryptedGatewayCaptureID)
	assert.NotNil(t, captured.ProcessedAt)

	// A second capture attempt is rejected.
	_, err = env.service.CapturePayment(context.Background(), payment.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	// The captured payment is immediately refundable end to end.
	refund, err := env.service.ProcessRefund(context.Background(), refundRequest(captured, "75.00"))
	require.NoError(t, err)
	assert.Equal(t, RefundStatusCompleted, refund.Status)
}

func TestMarkCaptureCompleted_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	payment, _, err := env.service.InitiatePayment(context.Background(), &InitiatePaymentRequest{
		UserID:              uuid.New(),
		EventRegistrationID: uuid.New(),
		Amount:              decimal.RequireFromString("30.00"),
	})
	require.NoError(t, err)

	require.NoError(t, env.service.MarkCaptureCompleted(context.Background(), payment.ID, "CAP-WEBHOOK-1"))
	stored, err := env.repo.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusCompleted, stored.Status)

	// Duplicate confirmation is a no-op.
	require.NoError(t, env.service.MarkCaptureCompleted(context.Background(), payment.ID, "CAP-WEBHOOK-1"))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "$40.00", FormatAmount(decimal.RequireFromString("40"), "USD"))
	assert.Equal(t, "$0.50", FormatAmount(decimal.RequireFromString("0.5"), "USD"))
	assert.Equal(t, "40.00 EUR", FormatAmount(decimal.RequireFromString("40"), "EUR"))
}
