package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"broadcast-scheduling-backend/pkg/scheduling"
	"broadcast-scheduling-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// InviteHandler serves invite links. Callers are anonymous; the token is the credential.
type InviteHandler struct {
	svc    *scheduling.Service
	logger *slog.Logger
	now    func() time.Time
}

func NewInviteHandler(svc *scheduling.Service, logger *slog.Logger, now func() time.Time) *InviteHandler {
	if now == nil {
		now = time.Now
	}
	return &InviteHandler{svc: svc, logger: logger, now: now}
}

type inviteRespondRequest struct {
	Response       string `json:"response" validate:"required"`
	SelectedSlotID string `json:"selected_slot_id"`
	Comment        string `json:"comment" validate:"max=1000"`
}

// Get GET /api/i/{token}
func (h *InviteHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetInvite(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, r, h.logger, h.now(), err)
		return
	}
	utils.WriteSuccessResponse(w, view)
}

// Respond POST /api/i/{token}/respond
func (h *InviteHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req inviteRespondRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, h.now(), err)
		return
	}
	result, err := h.svc.RespondViaInvite(r.Context(), chi.URLParam(r, "token"), scheduling.RespondInput{
		Response:       req.Response,
		SelectedSlotID: req.SelectedSlotID,
		Comment:        req.Comment,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, h.now(), err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}
