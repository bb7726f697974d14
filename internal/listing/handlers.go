package listing

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler exposes the listing read model. Sellers register the listings
// they want to sell through escrow and can deactivate them.
type Handler struct {
	store Store
}

// NewHandler creates a new listing handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up public listing routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id", h.GetListing)
}

// RegisterProtectedRoutes sets up seller-only listing routes
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.POST("/listings/:id/deactivate", h.DeactivateListing)
}

type createListingRequest struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrListingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load listing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

func (h *Handler) CreateListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "title is required"})
		return
	}
	l := &Listing{
		ID:         idgen.WithPrefix("lst_"),
		SellerAddr: auth.GetAuthenticatedAgent(c),
		Title:      validation.SanitizeString(req.Title, 200),
		Active:     true,
	}
	if err := h.store.Put(c.Request.Context(), l); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create listing"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

func (h *Handler) DeactivateListing(c *gin.Context) {
	ctx := c.Request.Context()
	l, err := h.store.Get(ctx, c.Param("id"))
	if errors.Is(err, ErrListingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load listing"})
		return
	}
	if !strings.EqualFold(l.SellerAddr, auth.GetAuthenticatedAgent(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the seller can deactivate a listing"})
		return
	}
	if err := h.store.SetActive(ctx, l.ID, false); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to deactivate listing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
