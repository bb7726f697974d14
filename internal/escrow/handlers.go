package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/logging"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/validate", h.ValidateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/status", h.GetStatus)
	r.GET("/agents/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/lock", h.LockFunds)
	r.POST("/escrows/:id/ship", h.StartDelivery)
	r.POST("/escrows/:id/deliver", h.ConfirmDelivery)
	r.POST("/escrows/:id/approve", h.Approve)
	r.POST("/escrows/:id/dispute", h.OpenDispute)
	r.POST("/escrows/:id/cancel", h.Cancel)
}

type lockFundsRequest struct {
	Amount    string `json:"amount" binding:"required"`
	TokenAddr string `json:"tokenAddr" binding:"required"`
}

type openDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// ValidateEscrow handles POST /v1/escrows/validate
func (h *Handler) ValidateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	res, err := h.service.ValidateCreation(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	// The authenticated agent must be the buyer
	if normalizeAddr(auth.GetAuthenticatedAgent(c)) != normalizeAddr(req.BuyerAddr) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Authenticated agent must be the buyer"})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrowId": e.ID, "escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetStatus handles GET /v1/escrows/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	v, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ListEscrows handles GET /v1/agents/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	escrows, next, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    escrows,
		"count":      len(escrows),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// LockFunds handles POST /v1/escrows/:id/lock
func (h *Handler) LockFunds(c *gin.Context) {
	var req lockFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount and tokenAddr are required"})
		return
	}

	res, err := h.service.LockFunds(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c), req.Amount, req.TokenAddr)
	writeResult(c, res, err)
}

// StartDelivery handles POST /v1/escrows/:id/ship
func (h *Handler) StartDelivery(c *gin.Context) {
	e, err := h.service.StartDelivery(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ConfirmDelivery handles POST /v1/escrows/:id/deliver
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var info DeliveryInfo
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&info); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid delivery info"})
			return
		}
	}

	e, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c), info)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Approve handles POST /v1/escrows/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	res, err := h.service.Approve(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c))
	writeResult(c, res, err)
}

// OpenDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}

	e, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"disputeId": e.DisputeID, "escrow": e})
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	res, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c), req.Reason, auth.IsAdmin(c))
	writeResult(c, res, err)
}

// writeResult reports accepted-but-unconfirmed fund movements as 202 so
// clients never read a queued ledger call as settled.
func writeResult(c *gin.Context, res *Result, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.Funds == FundsPending {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func writeError(c *gin.Context, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Violations.Error(),
			"details": verr.Violations,
		})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state_transition", "message": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Escrow was modified concurrently, retry"})
	case errors.Is(err, ErrLedgerCallFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger_call_failed", "message": err.Error()})
	case errors.Is(err, ErrStateNotPersisted):
		logging.L(c.Request.Context()).Error("escrow state not persisted", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "state_not_persisted",
			"message": "Funds moved but the escrow record could not be updated; it is queued for reconciliation",
		})
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
