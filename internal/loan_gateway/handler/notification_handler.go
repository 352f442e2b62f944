package handler

import (
	"log/slog"
	"net/http"

	"github.com/cropfi-loan-engine/internal/notification_processor/service"
	"github.com/gin-gonic/gin"
)

// NotificationHandler serves user inboxes
type NotificationHandler struct {
	inbox  service.InboxService
	logger *slog.Logger
}

func NewNotificationHandler(logger *slog.Logger, inbox service.InboxService) *NotificationHandler {
	return &NotificationHandler{
		inbox:  inbox,
		logger: logger,
	}
}

func (h *NotificationHandler) Inbox(c *gin.Context) {
	var pagination PaginationParams
	if err := c.ShouldBindQuery(&pagination); err != nil {
		RespondBadRequest(c, "Invalid pagination parameters")
		return
	}

	notifications, total, err := h.inbox.GetInbox(c.Request.Context(), c.Param("id"), pagination.Page, pagination.PerPage)
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to get notifications", err)
		return
	}

	items := make([]NotificationResponse, 0, len(notifications))
	for _, n := range notifications {
		items = append(items, mapNotificationToResponse(n))
	}
	RespondWithPaginatedData(c, http.StatusOK, items, pagination.Page, pagination.PerPage, int(total))
}
