package accounts

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskmarket/internal/fees"
	"github.com/mbd888/taskmarket/internal/logging"
	"github.com/mbd888/taskmarket/internal/validation"
)

const maxReasonLength = 500

// Handler provides admin endpoints for account standing.
type Handler struct {
	dir *Directory
}

// NewHandler creates a new accounts handler.
func NewHandler(dir *Directory) *Handler {
	return &Handler{dir: dir}
}

// RegisterAdminRoutes mounts the account admin routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/accounts/:userId", validation.IDParamMiddleware("userId"))
	g.GET("", h.GetAccount)
	g.POST("/freeze", h.Freeze)
	g.POST("/unfreeze", h.Unfreeze)
	g.PUT("/subscription", h.SetSubscription)
}

// GetAccount handles GET /admin/accounts/:userId
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.dir.Get(c.Request.Context(), c.Param("userId"))
	h.respond(c, a, err)
}

// FreezeRequest is the body of POST /admin/accounts/:userId/freeze.
type FreezeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Freeze handles POST /admin/accounts/:userId/freeze
func (h *Handler) Freeze(c *gin.Context) {
	var req FreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	a, err := h.dir.Freeze(c.Request.Context(), c.Param("userId"),
		validation.SanitizeString(req.Reason, maxReasonLength))
	h.respond(c, a, err)
}

// Unfreeze handles POST /admin/accounts/:userId/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	a, err := h.dir.Unfreeze(c.Request.Context(), c.Param("userId"))
	h.respond(c, a, err)
}

// SubscriptionRequest is the body of PUT /admin/accounts/:userId/subscription.
type SubscriptionRequest struct {
	Tier      fees.Tier  `json:"tier" binding:"required"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// SetSubscription handles PUT /admin/accounts/:userId/subscription
func (h *Handler) SetSubscription(c *gin.Context) {
	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tier is required"})
		return
	}
	a, err := h.dir.SetSubscription(c.Request.Context(), c.Param("userId"), req.Tier, req.ExpiresAt)
	h.respond(c, a, err)
}

func (h *Handler) respond(c *gin.Context, a *Account, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"account": a})
	case errors.Is(err, ErrInvalidTier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "tier must be standard or subscribed"})
	case errors.Is(err, ErrInvalidUser):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user", "message": "A user id is required"})
	default:
		logging.L(c.Request.Context()).Error("account operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Account operation failed"})
	}
}
