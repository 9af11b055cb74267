package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/gatherly/ledger/internal/shared/config"
	"github.com/gatherly/ledger/internal/shared/metrics"
)

// breakerGateway wraps a Gateway with a circuit breaker and call metrics.
// A provider decline counts as a successful call: the provider answered,
// only the answer was no. Transport faults and open-circuit rejections are
// the failures that trip and hold the breaker.
type breakerGateway struct {
	inner   Gateway
	breaker *gobreaker.CircuitBreaker[any]
	timeout time.Duration
	metrics *metrics.Metrics
}

// WithBreaker wraps gw with a circuit breaker configured from cfg.Breaker
// and bounds every outbound call with cfg.Timeout. Metrics may be nil.
func WithBreaker(gw Gateway, cfg *config.GatewayConfig, m *metrics.Metrics, logger *zap.Logger) Gateway {
	settings := gobreaker.Settings{
		Name:        gw.Name(),
		MaxRequests: cfg.Breaker.MaxHalfOpen,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsDeclined(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &breakerGateway{
		inner:   gw,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		timeout: cfg.Timeout,
		metrics: m,
	}
}

func (g *breakerGateway) Name() string { return g.inner.Name() }

func (g *breakerGateway) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*Order, error) {
	return execute(g, ctx, "create_order", func(ctx context.Context) (*Order, error) {
		return g.inner.CreateOrder(ctx, req)
	})
}

func (g *breakerGateway) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	return execute(g, ctx, "capture_order", func(ctx context.Context) (*Capture, error) {
		return g.inner.CaptureOrder(ctx, orderID)
	})
}

func (g *breakerGateway) RefundCapture(ctx context.Context, req *RefundCaptureRequest) (*Refund, error) {
	return execute(g, ctx, "refund_capture", func(ctx context.Context) (*Refund, error) {
		return g.inner.RefundCapture(ctx, req)
	})
}

func (g *breakerGateway) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return execute(g, ctx, "get_order", func(ctx context.Context) (*Order, error) {
		return g.inner.GetOrder(ctx, orderID)
	})
}

// ValidateWebhookSignature is local computation for most providers, so it
// bypasses the breaker.
func (g *breakerGateway) ValidateWebhookSignature(ctx context.Context, payload []byte, headers http.Header, webhookID string) (bool, error) {
	return g.inner.ValidateWebhookSignature(ctx, payload, headers, webhookID)
}

func execute[T any](g *breakerGateway, ctx context.Context, operation string, call func(context.Context) (T, error)) (T, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := g.breaker.Execute(func() (any, error) {
		return call(ctx)
	})

	if g.metrics != nil {
		status := "ok"
		switch {
		case IsDeclined(err):
			status = "declined"
		case err != nil:
			status = "error"
		}
		g.metrics.RecordGatewayRequest(g.inner.Name(), operation, status, time.Since(start))
	}

	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
