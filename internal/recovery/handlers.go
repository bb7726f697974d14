package recovery

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/logging"
)

// Handler provides HTTP endpoints for recovery operations.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new recovery handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up public (read-only) recovery routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id/recovery", h.GetOptions)
}

// RegisterProtectedRoutes sets up protected (auth-required) recovery routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/retry", h.Retry)
}

type retryRequest struct {
	Operation string `json:"operation" binding:"required"`
}

// GetOptions handles GET /v1/escrows/:id/recovery
func (h *Handler) GetOptions(c *gin.Context) {
	report, err := h.manager.Options(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Retry handles POST /v1/escrows/:id/retry. Either party or an admin may
// trigger a replay.
func (h *Handler) Retry(c *gin.Context) {
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "operation is required"})
		return
	}
	op, ok := escrow.ParseOperation(req.Operation)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "operation must be one of fund, confirm, resolve, cancel"})
		return
	}

	id := c.Param("id")
	if !auth.IsAdmin(c) {
		e, err := h.manager.replayer.Get(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		if !e.IsParty(strings.ToLower(auth.GetAuthenticatedAgent(c))) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only escrow parties or admins can retry"})
			return
		}
	}

	res, err := h.manager.Retry(c.Request.Context(), id, op)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrRecoveryExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": "recovery_exhausted", "message": err.Error()})
	case errors.Is(err, escrow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state_transition", "message": err.Error()})
	case errors.Is(err, escrow.ErrLedgerCallFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger_call_failed", "message": err.Error()})
	case errors.Is(err, escrow.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("recovery request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
