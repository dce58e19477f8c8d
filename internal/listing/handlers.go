package listing

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tverne/souk/internal/pagination"
)

// Handler provides HTTP endpoints for listing reads.
type Handler struct {
	service *Service
}

// NewHandler creates a new listing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:hash", h.GetListing)
	r.GET("/sellers/:address/listings", h.ListBySeller)
}

// GetListing handles GET /v1/listings/:hash
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("hash"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Listing not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load listing",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// ListBySeller handles GET /v1/sellers/:address/listings
func (h *Handler) ListBySeller(c *gin.Context) {
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

	listings, err := h.service.ListBySeller(c.Request.Context(), c.Param("address"), limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list listings",
		})
		return
	}

	listings, next, hasMore := pagination.ComputePage(listings, limit, func(l *Listing) (time.Time, string) {
		return l.ReceivedAt, l.Hash
	})
	c.JSON(http.StatusOK, gin.H{
		"listings":   listings,
		"count":      len(listings),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}
