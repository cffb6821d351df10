package handlers

import (
	"log/slog"
	"net/http"

	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/utils"
)

const maxListLimit = 200

// InboxHandler 组织者站内通知与提醒记录
type InboxHandler struct {
	db     database.DatabaseInterface
	logger *slog.Logger
}

func NewInboxHandler(db database.DatabaseInterface, logger *slog.Logger) *InboxHandler {
	return &InboxHandler{db: db, logger: logger}
}

func listLimit(r *http.Request) int {
	limit := utils.GetQueryInt(r, "limit", 50)
	if limit <= 0 {
		return 50
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// ListInbox GET /api/inbox?limit=
func (h *InboxHandler) ListInbox(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	items, err := h.db.ListInbox(r.Context(), user.ID, listLimit(r))
	if err != nil {
		h.logger.Error("list inbox", "user_id", user.ID, "error", err)
		utils.WriteInternalServerErrorResponse(w, "Failed to load notifications")
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"notifications": items,
		"count":         len(items),
	})
}

// ListRemindLogs GET /api/remind-logs?limit=
func (h *InboxHandler) ListRemindLogs(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	logs, err := h.db.ListRemindLogs(r.Context(), user.ID, listLimit(r))
	if err != nil {
		h.logger.Error("list remind logs", "user_id", user.ID, "error", err)
		utils.WriteInternalServerErrorResponse(w, "Failed to load remind logs")
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"remind_logs": logs,
		"count":       len(logs),
	})
}
