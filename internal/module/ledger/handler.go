package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gatherly/ledger/internal/shared/response"
)

// Handler exposes the ledger to trusted internal callers. It is mounted
// under /internal and is not a public API.
type Handler struct {
	service *Service
}

// NewHandler creates the HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the internal ledger endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	internal := r.Group("/internal")
	{
		internal.POST("/payments", h.InitiatePayment)
		internal.GET("/payments/:id", h.GetPayment)
		internal.POST("/payments/:id/capture", h.CapturePayment)
		internal.GET("/payments/:id/order", h.GetGatewayOrder)
		internal.POST("/payments/:id/refunds", h.ProcessRefund)
		internal.GET("/payments/:id/refunds", h.ListRefunds)
		internal.GET("/payments/:id/refunds/maximum", h.GetMaximumRefund)
	}
}

// InitiatePayment starts a checkout and returns the pending payment with
// the gateway approval URL.
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	payment, approvalURL, err := h.service.InitiatePayment(c.Request.Context(), &req)
	if err != nil {
		response.HandleDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"payment":      payment,
		"approval_url": approvalURL,
	})
}

// GetPayment returns a payment by id.
func (h *Handler) GetPayment(c *gin.Context) {
	paymentID, ok := h.paymentID(c)
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		response.HandleDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// CapturePayment captures the gateway order behind a pending payment.
func (h *Handler) CapturePayment(c *gin.Context) {
	paymentID, ok := h.paymentID(c)
	if !ok {
		return
	}
	payment, err := h.service.CapturePayment(c.Request.Context(), paymentID)
	if err != nil {
		response.HandleDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// GetGatewayOrder returns the live gateway order behind a payment.
func (h *Handler) GetGatewayOrder(c *gin.Context) {
	paymentID, ok := h.paymentID(c)
	if !ok {
		return
	}
	order, err := h.service.GetGatewayOrder(c.Request.Context(), paymentID)
	if err != nil {
		response.HandleDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// ProcessRefund attempts a refund against a payment.
func (h *Handler) ProcessRefund(c *gin.Context) {
	paymentID, ok := h.paymentID(c)
	if !ok {
		return
	}
	var req ProcessRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	req.PaymentID = paymentID
	req.IPAddress = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()

	refund, err := h.service.ProcessRefund(c.Request.Context(), &req)
	if err != nil {
		response.HandleDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, NewRefundResponse(refund))
}

// ListRefunds returns all refund rows for a payment, any status.
func (h *Handler) ListRefunds(c *gin.Context) {
	paymentID, ok := h.paymentID(c)
	if !ok {
		return
	}
	refunds, err := h.service.GetRefundsByPaymentID(c.Request.Context(), paymentID)
	if err != nil {
		response.HandleDomainError(c, err)
		return
	}
	out := make([]*RefundResponse, 0, len(refunds))
	for i := range refunds {
		out = append(out, NewRefundResponse(&refunds[i]))
	}
	c.JSON(http.StatusOK, gin.H{"refunds": out})
}

// GetMaximumRefund returns the remaining refundable balance of a payment.
func (h *Handler) GetMaximumRefund(c *gin.Context) {
	paymentID, ok := h.paymentID(c)
	if !ok {
		return
	}
	maximum, err := h.service.GetMaximumRefundAmount(c.Request.Context(), paymentID)
	if err != nil {
		response.HandleDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, maximum)
}

func (h *Handler) paymentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return uuid.Nil, false
	}
	return id, true
}
