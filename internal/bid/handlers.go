package bid

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tverne/souk/internal/pagination"
)

// Handler provides HTTP endpoints for bid reads.
type Handler struct {
	service *Service
}

// NewHandler creates a new bid handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up bid routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bids/:hash", h.GetBid)
	r.GET("/listings/:hash/bids", h.ListByListing)
}

// GetBid handles GET /v1/bids/:hash
func (h *Handler) GetBid(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("hash"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Bid not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load bid",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bid": b})
}

// ListByListing handles GET /v1/listings/:hash/bids
func (h *Handler) ListByListing(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}

	bids, err := h.service.ListByListing(c.Request.Context(), c.Param("hash"), limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list bids",
		})
		return
	}

	bids, next, hasMore := pagination.ComputePage(bids, limit, func(b *Bid) (time.Time, string) {
		return b.CreatedAt, b.Hash
	})
	c.JSON(http.StatusOK, gin.H{
		"bids":       bids,
		"count":      len(bids),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}
