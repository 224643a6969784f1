package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskmarket/internal/auth"
	"github.com/mbd888/taskmarket/internal/logging"
	"github.com/mbd888/taskmarket/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	coord *Coordinator
}

// NewHandler creates a new escrow handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// RegisterRoutes sets up escrow routes for authenticated parties.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id", "jobId")
	r.POST("/escrows", h.FundEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", ids, h.GetEscrow)
	r.GET("/escrows/:id/effects", ids, h.ListEffects)
	r.GET("/jobs/:jobId/escrow", ids, h.GetJobEscrow)
	r.POST("/escrows/:id/deliver", ids, h.MarkDelivered)
	r.POST("/escrows/:id/confirm", ids, h.ConfirmEscrow)
	r.POST("/escrows/:id/dispute", ids, h.DisputeEscrow)
	r.POST("/escrows/:id/cancel", ids, h.CancelEscrow)
}

// RegisterArbiterRoutes sets up routes that require the arbiter role.
func (h *Handler) RegisterArbiterRoutes(r *gin.RouterGroup) {
	r.Use(auth.RequireRole(auth.RoleArbiter))
	r.GET("/disputes", h.ListDisputes)
	r.POST("/escrows/:id/arbitrate", validation.IDParamMiddleware("id"), h.ArbitrateEscrow)
}

// escrowView adds derived fields to an escrow response.
type escrowView struct {
	*Escrow
	AutoReleaseAt *time.Time `json:"autoReleaseAt,omitempty"`
}

func (h *Handler) view(e *Escrow) escrowView {
	v := escrowView{Escrow: e}
	if e.State == StateHeld {
		v.AutoReleaseAt = e.AutoReleaseAt(h.coord.Policy().GracePeriod)
	}
	return v
}

// FundEscrow handles POST /v1/escrows
func (h *Handler) FundEscrow(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("jobId", req.JobID),
		validation.ValidID("applicationId", req.ApplicationID),
		validation.ValidID("payerId", req.PayerID),
		validation.ValidID("payeeId", req.PayeeID),
		validation.MaxLength("gatewayReference", req.GatewayReference, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if auth.CurrentUser(c) != req.PayerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Authenticated user must be the payer",
		})
		return
	}

	e, err := h.coord.Fund(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": h.view(e)})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, ok := h.loadVisible(c, func() (*Escrow, error) {
		return h.coord.Get(c.Request.Context(), c.Param("id"))
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": h.view(e)})
}

// GetJobEscrow handles GET /v1/jobs/:jobId/escrow
func (h *Handler) GetJobEscrow(c *gin.Context) {
	e, ok := h.loadVisible(c, func() (*Escrow, error) {
		return h.coord.GetByJob(c.Request.Context(), c.Param("jobId"))
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": h.view(e)})
}

// ListEffects handles GET /v1/escrows/:id/effects
func (h *Handler) ListEffects(c *gin.Context) {
	e, ok := h.loadVisible(c, func() (*Escrow, error) {
		return h.coord.Get(c.Request.Context(), c.Param("id"))
	})
	if !ok {
		return
	}
	effects, err := h.coord.Effects(c.Request.Context(), e.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if effects == nil {
		effects = []Effect{}
	}
	c.JSON(http.StatusOK, gin.H{"effects": effects, "count": len(effects)})
}

// loadVisible fetches an escrow and checks the caller may see it. Records
// are visible to their parties and to arbiters. Others get a 404 so ids
// cannot be probed.
func (h *Handler) loadVisible(c *gin.Context, load func() (*Escrow, error)) (*Escrow, bool) {
	e, err := load()
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	if !e.IsParty(auth.CurrentUser(c)) && auth.CurrentRole(c) != auth.RoleArbiter {
		h.writeError(c, ErrEscrowNotFound)
		return nil, false
	}
	return e, true
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	page, err := h.coord.ListByParty(c.Request.Context(), auth.CurrentUser(c), c.Query("cursor"), queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    h.views(page.Escrows),
		"count":      len(page.Escrows),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// ListDisputes handles GET /v1/arbiter/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	escrows, err := h.coord.ListDisputes(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeList(c, escrows)
}

func (h *Handler) writeList(c *gin.Context, escrows []*Escrow) {
	c.JSON(http.StatusOK, gin.H{"escrows": h.views(escrows), "count": len(escrows)})
}

func (h *Handler) views(escrows []*Escrow) []escrowView {
	views := make([]escrowView, len(escrows))
	for i, e := range escrows {
		views[i] = h.view(e)
	}
	return views
}

func queryLimit(c *gin.Context) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return DefaultListLimit
}

// MarkDelivered handles POST /v1/escrows/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	e, err := h.coord.MarkDelivered(c.Request.Context(), c.Param("id"), auth.CurrentUser(c))
	h.respond(c, e, err)
}

// ConfirmEscrow handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmEscrow(c *gin.Context) {
	e, err := h.coord.Confirm(c.Request.Context(), c.Param("id"), auth.CurrentUser(c))
	h.respond(c, e, err)
}

// DisputeRequest is the body of POST /v1/escrows/:id/dispute.
type DisputeRequest struct {
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence"`
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, MaxDisputeReasonLength),
		validation.MaxItems("evidence", len(req.Evidence), MaxEvidenceRefs),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	reason := validation.SanitizeString(req.Reason, MaxDisputeReasonLength)
	e, err := h.coord.Dispute(c.Request.Context(), c.Param("id"), auth.CurrentUser(c), reason, req.Evidence)
	h.respond(c, e, err)
}

// CancelRequest is the body of POST /v1/escrows/:id/cancel.
type CancelRequest struct {
	ProviderArrived bool `json:"providerArrived"`
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	var req CancelRequest
	// an empty body means the provider had not arrived
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	e, err := h.coord.Cancel(c.Request.Context(), c.Param("id"), auth.CurrentUser(c), req.ProviderArrived)
	h.respond(c, e, err)
}

// ArbitrateEscrow handles POST /v1/arbiter/escrows/:id/arbitrate
func (h *Handler) ArbitrateEscrow(c *gin.Context) {
	var req ArbitrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Note = validation.SanitizeString(req.Note, MaxDisputeReasonLength)
	e, err := h.coord.Arbitrate(c.Request.Context(), c.Param("id"), auth.CurrentUser(c), req)
	h.respond(c, e, err)
}

func (h *Handler) respond(c *gin.Context, e *Escrow, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": h.view(e)})
}

// writeError maps coordinator errors onto HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		validationErr *ValidationError
		conflictErr   *StateConflictError
		restrictedErr *AccountRestrictedError
	)
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": validationErr.Error(),
			"field":   validationErr.Field,
		})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "state_conflict",
			"message":  conflictErr.Reason,
			"escrowId": conflictErr.EscrowID,
			"state":    conflictErr.State,
		})
	case errors.Is(err, ErrPermission):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this escrow operation",
		})
	case errors.As(err, &restrictedErr):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "account_restricted",
			"message": "Account " + restrictedErr.UserID + " is restricted",
		})
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrPaymentDeclined):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment_declined",
			"message": "Payment could not be confirmed",
		})
	case errors.Is(err, ErrGatewayRetryable):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "gateway_unavailable",
			"message": "Payment gateway unavailable, retry later",
		})
	default:
		logging.L(c.Request.Context()).Error("escrow request failed",
			"path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}
