package ledger

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatherly/ledger/internal/module/gateway"
	"github.com/gatherly/ledger/internal/shared/config"
	"github.com/gatherly/ledger/internal/shared/metrics"
	"github.com/gatherly/ledger/internal/shared/response"
)

// Event type for a confirmed capture, as delivered by the provider.
const eventTypeCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"

// WebhookHandler receives gateway webhook deliveries, verifies their
// signatures and applies capture confirmations to the ledger. Deliveries
// are deduplicated by (provider, event id) so retries are acknowledged
// without being reprocessed.
type WebhookHandler struct {
	service  *Service
	repo     Repository
	registry *gateway.Registry
	cfg      *config.GatewayConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(
	service *Service,
	repo Repository,
	registry *gateway.Registry,
	cfg *config.GatewayConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		service:  service,
		repo:     repo,
		registry: registry,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *WebhookHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/:provider", h.Handle)
}

type webhookEnvelope struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Type      string `json:"type"`
	Resource  struct {
		ID       string `json:"id"`
		CustomID string `json:"custom_id"`
	} `json:"resource"`
}

func (e *webhookEnvelope) kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.Type
}

// Handle processes one webhook delivery.
func (h *WebhookHandler) Handle(c *gin.Context) {
	provider := c.Param("provider")
	gw, err := h.registry.Get(provider)
	if err != nil {
		h.metrics.WebhookEventsTotal.WithLabelValues(provider, "unknown_provider").Inc()
		response.NotFound(c, "unknown webhook provider")
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.BadRequest(c, "failed to read webhook payload")
		return
	}

	valid, err := gw.ValidateWebhookSignature(c.Request.Context(), payload, c.Request.Header, h.webhookID(provider))
	if err != nil {
		h.metrics.WebhookEventsTotal.WithLabelValues(provider, "verification_error").Inc()
		h.logger.Error("webhook signature verification failed",
			zap.String("provider", provider),
			zap.Error(err))
		response.InternalError(c, "signature verification failed")
		return
	}
	if !valid {
		h.metrics.WebhookEventsTotal.WithLabelValues(provider, "invalid_signature").Inc()
		h.logger.Warn("webhook with invalid signature rejected",
			zap.String("provider", provider))
		response.ErrorWithCode(c, http.StatusUnauthorized, "INVALID_SIGNATURE", "invalid webhook signature")
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.ID == "" {
		response.BadRequest(c, "malformed webhook payload")
		return
	}

	event := &GatewayWebhookEvent{
		ID:        uuid.New(),
		Provider:  provider,
		EventID:   envelope.ID,
		EventType: envelope.kind(),
		Payload:   string(payload),
	}
	created, err := h.repo.RecordWebhookEvent(c.Request.Context(), event)
	if err != nil {
		response.InternalError(c, "failed to record webhook event")
		return
	}
	if !created {
		h.metrics.WebhookEventsTotal.WithLabelValues(provider, "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "already processed"})
		return
	}

	procErr := h.dispatch(c, &envelope)
	if err := h.repo.MarkWebhookProcessed(c.Request.Context(), event.ID, procErr); err != nil {
		h.logger.Error("failed to mark webhook processed",
			zap.String("provider", provider),
			zap.String("event_id", envelope.ID),
			zap.Error(err))
	}
	if procErr != nil {
		h.metrics.WebhookEventsTotal.WithLabelValues(provider, "error").Inc()
		h.logger.Error("webhook processing failed",
			zap.String("provider", provider),
			zap.String("event_id", envelope.ID),
			zap.String("event_type", envelope.kind()),
			zap.Error(procErr))
		// The delivery is recorded with its error; acknowledge so the
		// provider does not retry a payload we cannot process.
		c.JSON(http.StatusOK, gin.H{"status": "recorded"})
		return
	}

	h.metrics.WebhookEventsTotal.WithLabelValues(provider, "processed").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

func (h *WebhookHandler) dispatch(c *gin.Context, envelope *webhookEnvelope) error {
	switch envelope.kind() {
	case eventTypeCaptureCompleted:
		paymentID, err := uuid.Parse(envelope.Resource.CustomID)
		if err != nil {
			return err
		}
		return h.service.MarkCaptureCompleted(c.Request.Context(), paymentID, envelope.Resource.ID)
	default:
		// Unhandled event types are recorded and acknowledged.
		return nil
	}
}

func (h *WebhookHandler) webhookID(provider string) string {
	switch provider {
	case "paypal":
		return h.cfg.PayPal.WebhookID
	case "stripe":
		return h.cfg.Stripe.WebhookSecret
	default:
		return ""
	}
}
