package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/logging"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new dispute handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up public (read-only) dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/escrows/:id/dispute", h.GetEscrowDispute)
}

// RegisterProtectedRoutes sets up protected (auth-required) dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
	r.POST("/disputes/:id/votes", h.CastVote)
	r.POST("/disputes/:id/voting", h.BeginVoting)
	r.POST("/disputes/:id/tally", h.Tally)
}

type evidenceRequest struct {
	Content string `json:"content" binding:"required"`
}

type voteRequest struct {
	SideForBuyer *bool `json:"sideForBuyer" binding:"required"`
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetEscrowDispute handles GET /v1/escrows/:id/dispute
func (h *Handler) GetEscrowDispute(c *gin.Context) {
	d, err := h.manager.GetByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "content is required"})
		return
	}
	d, err := h.manager.SubmitEvidence(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// CastVote handles POST /v1/disputes/:id/votes
func (h *Handler) CastVote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sideForBuyer is required"})
		return
	}
	d, err := h.manager.CastVote(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c), *req.SideForBuyer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// BeginVoting handles POST /v1/disputes/:id/voting
func (h *Handler) BeginVoting(c *gin.Context) {
	d, err := h.manager.BeginVoting(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c), auth.IsAdmin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Tally handles POST /v1/disputes/:id/tally. Anyone authenticated may ask;
// the tally only proceeds once it is due.
func (h *Handler) Tally(c *gin.Context) {
	d, err := h.manager.TallyAndResolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func writeError(c *gin.Context, err error) {
	var verr *escrow.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Violations.Error(),
			"details": verr.Violations,
		})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, ErrDuplicateVote):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_vote", "message": err.Error()})
	case errors.Is(err, ErrDisputeClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_closed", "message": err.Error()})
	case errors.Is(err, ErrVotingNotOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "voting_not_open", "message": err.Error()})
	case errors.Is(err, ErrTallyNotDue):
		c.JSON(http.StatusConflict, gin.H{"error": "tally_not_due", "message": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Dispute was modified concurrently, retry"})
	case errors.Is(err, ErrWeightUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reputation_unavailable", "message": err.Error()})
	case errors.Is(err, escrow.ErrLedgerCallFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger_call_failed", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("dispute request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
