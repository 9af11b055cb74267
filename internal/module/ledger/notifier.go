package ledger

import (
	"context"

	"go.uber.org/zap"
)

// Notifier receives ledger state changes for fan-out to interested parties
// (email, downstream services). Implementations must not block the caller.
type Notifier interface {
	PaymentCompleted(ctx context.Context, payment *Payment)
	RefundResolved(ctx context.Context, payment *Payment, refund *PaymentRefund)
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) PaymentCompleted(context.Context, *Payment)               {}
func (NoopNotifier) RefundResolved(context.Context, *Payment, *PaymentRefund) {}

// LogNotifier records notifications in the structured log. It stands in
// until a real delivery channel is wired up.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) PaymentCompleted(_ context.Context, payment *Payment) {
	n.logger.Info("payment completed notification",
		zap.String("payment_id", payment.ID.String()),
		zap.String("user_id", payment.UserID.String()),
		zap.String("amount", payment.Amount.StringFixed(2)))
}

func (n *LogNotifier) RefundResolved(_ context.Context, payment *Payment, refund *PaymentRefund) {
	n.logger.Info("refund resolved notification",
		zap.String("payment_id", payment.ID.String()),
		zap.String("refund_id", refund.ID.String()),
		zap.String("status", string(refund.Status)),
		zap.String("amount", refund.Amount.StringFixed(2)))
}
