package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"broadcast-scheduling-backend/pkg/middleware"
	"broadcast-scheduling-backend/pkg/models"
	"broadcast-scheduling-backend/pkg/scheduling"
	"broadcast-scheduling-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// ThreadHandler 处理调度线程相关的请求
type ThreadHandler struct {
	svc    *scheduling.Service
	logger *slog.Logger
	now    func() time.Time
}

// NewThreadHandler 创建新的线程处理器
func NewThreadHandler(svc *scheduling.Service, logger *slog.Logger, now func() time.Time) *ThreadHandler {
	if now == nil {
		now = time.Now
	}
	return &ThreadHandler{svc: svc, logger: logger, now: now}
}

type prepareRequest struct {
	Title              string             `json:"title" validate:"required,max=200"`
	Description        string             `json:"description" validate:"max=2000"`
	Mode               string             `json:"mode" validate:"required"`
	DeadlineHours      *int               `json:"deadline_hours" validate:"omitempty,gt=0"`
	FinalizePolicy     string             `json:"finalize_policy"`
	QuorumCount        *int               `json:"quorum_count" validate:"omitempty,min=1"`
	RequiredContactIDs []string           `json:"required_contact_ids"`
	AutoFinalize       bool               `json:"auto_finalize"`
	ParticipantLimit   *int               `json:"participant_limit" validate:"omitempty,min=1"`
	ContactIDs         []string           `json:"contact_ids"`
	ListID             string             `json:"list_id"`
	Emails             []string           `json:"emails" validate:"max=500"`
	Slots              []models.SlotInput `json:"slots" validate:"max=50,dive"`
}

type inviteeRequest struct {
	Email        string `json:"email" validate:"max=320"`
	Name         string `json:"name" validate:"max=200"`
	ContactID    string `json:"contact_id"`
	ChannelValue string `json:"channel_value" validate:"max=500"`
}

type sendRequest struct {
	Invitees    []inviteeRequest `json:"invitees" validate:"required,min=1,max=500,dive"`
	ChannelType string           `json:"channel_type" validate:"omitempty,oneof=email slack chatwork"`
}

type respondRequest struct {
	InviteeKey     string `json:"invitee_key"`
	Response       string `json:"response" validate:"required"`
	SelectedSlotID string `json:"selected_slot_id"`
	Comment        string `json:"comment" validate:"max=1000"`
}

type finalizeRequest struct {
	SelectedSlotID string `json:"selected_slot_id" validate:"required"`
	Reason         string `json:"reason" validate:"max=500"`
}

type reproposeRequest struct {
	NewSlots         []models.SlotInput `json:"new_slots" validate:"required,min=1,max=50,dive"`
	NewDeadlineHours *int               `json:"new_deadline_hours" validate:"omitempty,gt=0"`
	Message          string             `json:"message" validate:"max=2000"`
}

type remindRequest struct {
	TargetInviteeKeys []string `json:"target_invitee_keys" validate:"max=500"`
	Message           string   `json:"message" validate:"max=2000"`
}

// organizer 取出当前登录用户，未登录时写401
func organizer(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return nil, false
	}
	return user, true
}

func (h *ThreadHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, h.logger, h.now(), err)
}

// Prepare POST /api/threads/prepare
func (h *ThreadHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	var req prepareRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.svc.Prepare(r.Context(), user.ID, scheduling.PrepareInput{
		Title:              req.Title,
		Description:        req.Description,
		Mode:               models.ScheduleMode(req.Mode),
		DeadlineHours:      req.DeadlineHours,
		FinalizePolicy:     models.FinalizePolicy(req.FinalizePolicy),
		QuorumCount:        req.QuorumCount,
		RequiredContactIDs: req.RequiredContactIDs,
		AutoFinalize:       req.AutoFinalize,
		ParticipantLimit:   req.ParticipantLimit,
		ContactIDs:         req.ContactIDs,
		ListID:             req.ListID,
		Emails:             req.Emails,
		Slots:              req.Slots,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteCreatedResponse(w, result)
}

// Get GET /api/threads/{threadID}
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	detail, err := h.svc.Get(r.Context(), user.ID, chi.URLParam(r, "threadID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, detail)
}

// Send POST /api/threads/{threadID}/send
func (h *ThreadHandler) Send(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	invitees := make([]scheduling.InviteeInput, 0, len(req.Invitees))
	for _, inv := range req.Invitees {
		invitees = append(invitees, scheduling.InviteeInput{
			Email:        inv.Email,
			Name:         inv.Name,
			ContactID:    inv.ContactID,
			ChannelValue: inv.ChannelValue,
		})
	}
	result, err := h.svc.Send(r.Context(), user.ID, chi.URLParam(r, "threadID"), scheduling.SendInput{
		Invitees:    invitees,
		ChannelType: models.ChannelType(req.ChannelType),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}

// Respond POST /api/threads/{threadID}/respond
// 登录用户可省略 invitee_key，匿名调用必须提供。
func (h *ThreadHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	var caller scheduling.Caller
	if user, ok := middleware.GetUserFromContext(r.Context()); ok {
		caller = scheduling.Caller{UserID: user.ID, Email: user.Email}
	}
	result, err := h.svc.Respond(r.Context(), caller, chi.URLParam(r, "threadID"), scheduling.RespondInput{
		InviteeKey:     req.InviteeKey,
		Response:       req.Response,
		SelectedSlotID: req.SelectedSlotID,
		Comment:        req.Comment,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}

// Summary GET /api/threads/{threadID}/summary
func (h *ThreadHandler) Summary(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	result, err := h.svc.Summary(r.Context(), user.ID, chi.URLParam(r, "threadID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}

// Status GET /api/threads/{threadID}/status
func (h *ThreadHandler) Status(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	result, err := h.svc.Status(r.Context(), user.ID, chi.URLParam(r, "threadID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}

// Finalize POST /api/threads/{threadID}/finalize
func (h *ThreadHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	var req finalizeRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.svc.Finalize(r.Context(), user.ID, chi.URLParam(r, "threadID"), scheduling.FinalizeInput{
		SelectedSlotID: req.SelectedSlotID,
		Reason:         req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}

// Repropose POST /api/threads/{threadID}/repropose
func (h *ThreadHandler) Repropose(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	var req reproposeRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.svc.Repropose(r.Context(), user.ID, chi.URLParam(r, "threadID"), scheduling.ReproposeInput{
		NewSlots:         req.NewSlots,
		NewDeadlineHours: req.NewDeadlineHours,
		Message:          req.Message,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}

// Remind POST /api/threads/{threadID}/remind
func (h *ThreadHandler) Remind(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	var req remindRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.svc.Remind(r.Context(), user.ID, chi.URLParam(r, "threadID"), scheduling.RemindInput{
		TargetInviteeKeys: req.TargetInviteeKeys,
		Message:           req.Message,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}

// Cancel POST /api/threads/{threadID}/cancel
func (h *ThreadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	result, err := h.svc.Cancel(r.Context(), user.ID, chi.URLParam(r, "threadID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}
