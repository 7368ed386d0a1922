package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/services"
)

// NotificationHandler serves the in-app notifications the engine raises for
// threats, newest first.
type NotificationHandler struct {
	service *services.NotificationService
}

func NewNotificationHandler(service *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{service: service}
}

// List accepts unread=true, type, ip, assessment and limit query filters.
func (h *NotificationHandler) List(c *gin.Context) {
	filter := services.NotificationFilter{
		UnreadOnly:   c.Query("unread") == "true",
		Type:         models.NotificationType(c.Query("type")),
		IP:           c.Query("ip"),
		AssessmentID: c.Query("assessment"),
	}
	if c.Query("limit") != "" {
		filter.Limit = queryLimit(c)
	}
	notifications, err := h.service.Find(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, notifications)
}

func (h *NotificationHandler) MarkAsRead(c *gin.Context) {
	if err := h.service.MarkAsRead(c.Param("id")); err != nil {
		if errors.Is(err, services.ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark notification as read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notification marked as read"})
}

func (h *NotificationHandler) MarkAllAsRead(c *gin.Context) {
	if err := h.service.MarkAllAsRead(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark all notifications as read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "All notifications marked as read"})
}
