package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tverne/souk/internal/bid"
	"github.com/tverne/souk/internal/listing"
	"github.com/tverne/souk/internal/order"
	"github.com/tverne/souk/internal/protocol"
)

// SubmitMessageRequest is the body of POST /v1/messages.
type SubmitMessageRequest struct {
	Type    string          `json:"type" binding:"required"`
	Sender  string          `json:"sender" binding:"required"`
	Nonce   string          `json:"nonce" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// Handler exposes message submission over HTTP.
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates a new message handler.
func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes sets up message routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/messages", h.SubmitMessage)
}

// SubmitMessage handles POST /v1/messages
func (h *Handler) SubmitMessage(c *gin.Context) {
	var req SubmitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	res, err := h.dispatcher.Submit(c.Request.Context(), req.Type, req.Sender, req.Nonce, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownMessageType), errors.Is(err, protocol.ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_message",
				"message": err.Error(),
			})
		case errors.Is(err, protocol.ErrInvalidTransition), errors.Is(err, protocol.ErrPolicyViolation):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "rejected",
				"message": err.Error(),
			})
		case errors.Is(err, listing.ErrNotFound), errors.Is(err, bid.ErrNotFound), errors.Is(err, order.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to process message",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"result": res})
}
