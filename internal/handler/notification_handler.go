package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/techpack-api/internal/models"
	appErrors "github.com/atelierhq/techpack-api/pkg/errors"
	"github.com/atelierhq/techpack-api/pkg/response"
)

type notificationLister interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

// NotificationHandler exposes the current user's notification feed.
type NotificationHandler struct {
	notifications notificationLister
}

// NewNotificationHandler constructs the handler.
func NewNotificationHandler(notifications notificationLister) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// List godoc
// @Summary List notifications for the current user
// @Tags Notifications
// @Produce json
// @Param limit query int false "Maximum entries to return"
// @Success 200 {object} response.Envelope
// @Router /notifications [get]
func (h *NotificationHandler) List(c *gin.Context) {
	if h.notifications == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "notification service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	notifications, err := h.notifications.ListForUser(c.Request.Context(), claims.UserID, limit)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications"))
		return
	}
	response.JSON(c, http.StatusOK, notifications, nil)
}
