package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/webhook"
)

// WebhookHandler exposes the webhook targets from the config file. Targets
// are not editable at runtime.
type WebhookHandler struct {
	sender *webhook.WebhookSender
	logger *zap.Logger
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewWebhookHandler accepts a nil sender when no webhooks are configured.
func NewWebhookHandler(sender *webhook.WebhookSender, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{sender: sender, logger: logger.Named("api.webhooks")}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	targets := []webhook.TargetInfo{}
	if h.sender != nil {
		targets = h.sender.Targets()
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"webhooks": targets, "count": len(targets)},
	})
}

func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid webhook index"})
		return
	}
	err = webhook.ErrTargetNotFound
	if h.sender != nil {
		err = h.sender.Test(index)
	}
	switch {
	case errors.Is(err, webhook.ErrTargetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Webhook not found"})
		return
	case err != nil:
		h.logger.Info("webhook test failed", zap.Int("index", index), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    TestWebhookResponse{Success: false, Message: fmt.Sprintf("Failed to send webhook: %v", err)},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    TestWebhookResponse{Success: true, Message: "Webhook test successful"},
	})
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:index/test", h.TestWebhook)
}
