package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nexlance/wallet-service/internal/validation"
)

// Handler provides HTTP endpoints for wallet reads.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/wallet", h.GetWallet)
	r.GET("/users/:id/transactions", h.ListTransactions)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.Reconcile)
}

// GetWallet handles GET /v1/users/:id/wallet
//
// A 404 means the user has no wallet yet; callers treat that as zero
// balances.
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.service.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No wallet for this user",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /v1/users/:id/transactions
//
// Query params: type, projectId, limit (default 10), offset.
func (h *Handler) ListTransactions(c *gin.Context) {
	f := Filter{
		Type:      Type(c.Query("type")),
		ProjectID: c.Query("projectId"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		f.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "offset must be a non-negative integer",
			})
			return
		}
		f.Offset = n
	}
	if f.Type != "" && !validType(f.Type) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "unknown transaction type",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("projectId", f.ProjectID, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	txs, err := h.service.ListTransactions(c.Request.Context(), c.Param("id"), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
		"offset":       f.Offset,
	})
}

// Reconcile handles GET /v1/admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.service.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	status := http.StatusOK
	if len(report.Mismatches) > 0 {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}

func validType(t Type) bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeEscrowLock, TypeEscrowRelease,
		TypeEscrowRefund, TypePlatformFee, TypeConsultantFee, TypeFreelancerPayout:
		return true
	}
	return false
}
