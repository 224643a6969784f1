package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskmarket/internal/auth"
	"github.com/mbd888/taskmarket/internal/logging"
)

// Handler provides HTTP endpoints for ledger reads.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes mounts the caller's own ledger views.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/balance", h.GetBalance)
	r.GET("/ledger/history", h.GetHistory)
}

// RegisterAdminRoutes mounts ledger views for any user.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/:userId/balance", h.GetUserBalance)
	r.GET("/ledger/:userId/history", h.GetUserHistory)
}

// GetBalance handles GET /v1/ledger/balance
func (h *Handler) GetBalance(c *gin.Context) {
	h.balance(c, auth.CurrentUser(c))
}

// GetHistory handles GET /v1/ledger/history
func (h *Handler) GetHistory(c *gin.Context) {
	h.history(c, auth.CurrentUser(c))
}

// GetUserBalance handles GET /admin/ledger/:userId/balance
func (h *Handler) GetUserBalance(c *gin.Context) {
	h.balance(c, c.Param("userId"))
}

// GetUserHistory handles GET /admin/ledger/:userId/history
func (h *Handler) GetUserHistory(c *gin.Context) {
	h.history(c, c.Param("userId"))
}

func (h *Handler) balance(c *gin.Context, userID string) {
	bal, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func (h *Handler) history(c *gin.Context, userID string) {
	limit := DefaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	entries, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	if err == ErrInvalidUser {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user",
			"message": "A user id is required",
		})
		return
	}
	logging.L(c.Request.Context()).Error("ledger read failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to read ledger",
	})
}
