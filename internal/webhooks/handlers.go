package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskmarket/internal/auth"
	"github.com/mbd888/taskmarket/internal/idgen"
	"github.com/mbd888/taskmarket/internal/logging"
	"github.com/mbd888/taskmarket/internal/validation"
)

const (
	maxSubscriptionsPerUser = 10
	maxTemplates            = 20
)

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	store     Store
	validator func(string) error
	now       func() time.Time
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, validator: ValidateURL, now: time.Now}
}

// RegisterRoutes sets up webhook routes for the authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", validation.IDParamMiddleware("webhookId"), h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription.
type CreateWebhookRequest struct {
	URL       string   `json:"url" binding:"required"`
	Templates []string `json:"templates"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("url", req.URL, 2048),
		validation.MaxItems("templates", len(req.Templates), maxTemplates),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if err := h.validator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": "url must be a public http(s) endpoint",
		})
		return
	}

	ctx := c.Request.Context()
	userID := auth.CurrentUser(c)
	existing, err := h.store.GetByUser(ctx, userID)
	if err != nil {
		h.internal(c, err)
		return
	}
	if len(existing) >= maxSubscriptionsPerUser {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Too many webhook subscriptions",
		})
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Templates: req.Templates,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		h.internal(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"usage": gin.H{
			"signature": "sha256=HMAC-SHA256(secret, timestamp + \".\" + body)",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.GetByUser(c.Request.Context(), auth.CurrentUser(c))
	if err != nil {
		h.internal(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	// other users' subscriptions look absent
	if errors.Is(err, ErrSubscriptionNotFound) || (err == nil && sub.UserID != auth.CurrentUser(c)) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		h.internal(c, err)
		return
	}
	if err := h.store.Delete(ctx, sub.ID); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) internal(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("webhook operation failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Webhook operation failed",
	})
}

func generateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
