package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexlance/wallet-service/internal/checkpoint"
	"github.com/nexlance/wallet-service/internal/validation"
	"github.com/nexlance/wallet-service/internal/wallet"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up checkpoint escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkpoints/:id/fund", h.Fund)
	r.POST("/checkpoints/:id/release", h.Release)
	r.POST("/checkpoints/:id/refund", h.Refund)
}

// callerID returns the user id the marketplace's auth layer attached
// upstream.
func callerID(c *gin.Context) string {
	return c.GetHeader("X-User-ID")
}

// Fund handles POST /v1/checkpoints/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	caller := callerID(c)
	if errs := validation.Validate(
		validation.Required("X-User-ID", caller),
		validation.ValidUserID("X-User-ID", caller),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.engine.Fund(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// Release handles POST /v1/checkpoints/:id/release
func (h *Handler) Release(c *gin.Context) {
	result, err := h.engine.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// Refund handles POST /v1/checkpoints/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	result, err := h.engine.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func respondEscrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, checkpoint.ErrCheckpointNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Checkpoint not found",
		})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_authorized",
			"message": "Only the checkpoint's client may perform this operation",
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "A concurrent operation on this checkpoint won, retry",
		})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Available balance is below the checkpoint amount",
		})
	case errors.Is(err, wallet.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Checkpoint amount must be positive",
		})
	case errors.Is(err, ErrInvalidFeeConfiguration):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "invalid_fee_configuration",
			"message": err.Error(),
		})
	case errors.Is(err, wallet.ErrInsufficientEscrow):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "consistency_error",
			"message": "Escrow balance does not cover the checkpoint total",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Operation failed",
		})
	}
}
