package webhooks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tverne/souk/internal/events"
	"github.com/tverne/souk/internal/idgen"
	"github.com/tverne/souk/internal/security"
	"github.com/tverne/souk/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store Store
	// strictURLs turns on SSRF screening of registered endpoint URLs.
	// Off outside production so development nodes can point webhooks at
	// local receivers.
	strictURLs bool
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, strictURLs bool) *Handler {
	return &Handler{store: store, strictURLs: strictURLs}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/parties/:address/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL     string   `json:"url" binding:"required"`
	Kinds   []string `json:"kinds" binding:"required"`
	Address string   `json:"address"`
}

// CreateWebhook handles POST /webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.ValidAddress("address", req.Address),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"fields":  errs,
		})
		return
	}
	if h.strictURLs {
		if err := security.ValidateEndpointURL(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_url",
				"message": err.Error(),
			})
			return
		}
	}

	kinds := make([]events.Kind, len(req.Kinds))
	for i, k := range req.Kinds {
		kinds[i] = events.Kind(k)
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Address:   req.Address,
		URL:       req.URL,
		Secret:    secret,
		Kinds:     kinds,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": gin.H{
			"id":        sub.ID,
			"url":       sub.URL,
			"kinds":     sub.Kinds,
			"address":   sub.Address,
			"active":    sub.Active,
			"createdAt": sub.CreatedAt,
		},
		"secret": secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Souk-Signature",
		},
	})
}

// ListWebhooks handles GET /parties/:address/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	address := c.Param("address")

	subs, err := h.store.GetByAddress(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	// Don't expose secrets
	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = gin.H{
			"id":          sub.ID,
			"url":         sub.URL,
			"kinds":       sub.Kinds,
			"active":      sub.Active,
			"createdAt":   sub.CreatedAt,
			"lastSuccess": sub.LastSuccess,
			"lastError":   sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": webhooks,
	})
}

// DeleteWebhook handles DELETE /webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	webhookID := c.Param("webhookId")

	if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}
