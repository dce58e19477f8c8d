package order

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tverne/souk/internal/events"
	"github.com/tverne/souk/internal/pagination"
	"github.com/tverne/souk/internal/protocol"
)

// Handler provides HTTP endpoints for order reads and the node-local
// shipping operation.
type Handler struct {
	service *Service
	bus     *events.Bus
	// nodeAddr is the address this node acts as when the operator marks
	// an order shipped. Empty disables the shipping endpoint.
	nodeAddr string
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, bus *events.Bus, nodeAddr string) *Handler {
	return &Handler{service: service, bus: bus, nodeAddr: nodeAddr}
}

// RegisterRoutes sets up public order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:hash", h.GetOrder)
	r.GET("/parties/:address/orders", h.ListByParty)
}

// RegisterProtectedRoutes sets up operator-only order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:hash/ship", h.MarkShipped)
}

// GetOrder handles GET /v1/orders/:hash
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("hash"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load order",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListByParty handles GET /v1/parties/:address/orders
func (h *Handler) ListByParty(c *gin.Context) {
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

	orders, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list orders",
		})
		return
	}

	orders, next, hasMore := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.Hash
	})
	c.JSON(http.StatusOK, gin.H{
		"orders":     orders,
		"count":      len(orders),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// MarkShipped handles POST /v1/orders/:hash/ship. Shipping is declared by
// the operator rather than by a network message, but it changes order state
// like one and is announced to subscribers the same way.
func (h *Handler) MarkShipped(c *gin.Context) {
	if h.nodeAddr == "" {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "no_node_address",
			"message": "NODE_ADDRESS is not configured",
		})
		return
	}

	o, err := h.service.MarkShipped(c.Request.Context(), h.nodeAddr, c.Param("hash"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
		case errors.Is(err, protocol.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_transition",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "ship_failed",
				"message": "Failed to mark order shipped",
			})
		}
		return
	}

	h.bus.Publish(c.Request.Context(), events.New(events.KindOrderShipping, o.Hash,
		[]string{o.Buyer, o.Seller}, string(o.Status), map[string]any{
			"bidHash": o.BidHash,
		}))

	c.JSON(http.StatusOK, gin.H{"order": o})
}
