package topup

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexlance/wallet-service/internal/idgen"
	"github.com/nexlance/wallet-service/internal/logging"
	"github.com/nexlance/wallet-service/internal/validation"
	"github.com/nexlance/wallet-service/internal/wallet"
)

// maxWebhookBody caps Stripe webhook payloads (64KB is generous).
const maxWebhookBody = 65536

// Handler provides HTTP endpoints for top-ups and withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new top-up handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up top-up and withdrawal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/topups", h.CreateTopUp)
	r.POST("/users/:id/withdrawals", h.Withdraw)
}

// RegisterWebhookRoutes sets up the Stripe webhook endpoint. Kept off the
// user group: Stripe authenticates by signature, not user identity.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// AmountRequest is the body for top-up and withdrawal creation.
type AmountRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// CreateTopUp handles POST /v1/users/:id/topups
func (h *Handler) CreateTopUp(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	topUp, err := h.service.CreateTopUp(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		if errors.Is(err, ErrTopUpUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "topups_unavailable",
				"message": "Card top-ups are not configured",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "topup_failed",
			"message": "Failed to create top-up",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"topUp": topUp})
}

// Withdraw handles POST /v1/users/:id/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	w, tx, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), req.Amount, idgen.WithPrefix("wd_"))
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No wallet for this user",
			})
		case errors.Is(err, wallet.ErrInsufficientFunds):
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "insufficient_funds",
				"message": "Available balance is below the withdrawal amount",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "withdrawal_failed",
				"message": "Failed to record withdrawal",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "transaction": tx})
}

// StripeWebhook handles POST /v1/webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read payload",
		})
		return
	}

	eventType, err := h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logging.L(c.Request.Context()).Warn("stripe webhook rejected", "error", err)
		// 400 makes Stripe retry the delivery.
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "webhook_error",
			"message": "Webhook rejected",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "type": eventType})
}
