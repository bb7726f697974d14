package reputation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler exposes the feed over HTTP.
type Handler struct {
	feed Feed
}

// NewHandler creates a new reputation handler
func NewHandler(feed Feed) *Handler {
	return &Handler{feed: feed}
}

// RegisterRoutes sets up reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reputation/:address", h.GetReputation)
}

// GetReputation returns the score for one address, with the breakdown when
// the feed can explain it.
func (h *Handler) GetReputation(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))

	if d, ok := h.feed.(Detailer); ok {
		score, err := d.Detail(c.Request.Context(), address)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"reputation": score})
			return
		}
		if !errors.Is(err, ErrUnavailable) {
			writeError(c, err)
			return
		}
	}

	score, err := h.feed.Score(c.Request.Context(), address)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": Score{
		Address: address,
		Score:   float64(score),
		Tier:    getTier(float64(score)),
	}})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "reputation_timeout", "message": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "reputation_unavailable", "message": err.Error()})
	}
}
