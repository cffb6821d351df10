package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/models"
	"broadcast-scheduling-backend/pkg/utils"

	"github.com/google/uuid"
)

// ContactHandler manages the organizer's address book used by prepare and send.
type ContactHandler struct {
	db     database.DatabaseInterface
	logger *slog.Logger
	now    func() time.Time
}

func NewContactHandler(db database.DatabaseInterface, logger *slog.Logger, now func() time.Time) *ContactHandler {
	if now == nil {
		now = time.Now
	}
	return &ContactHandler{db: db, logger: logger, now: now}
}

type createContactRequest struct {
	Email  string `json:"email" validate:"required,email,max=320"`
	Name   string `json:"name" validate:"max=200"`
	UserID string `json:"user_id" validate:"max=100"`
}

type createContactListRequest struct {
	Name       string   `json:"name" validate:"required,max=200"`
	ContactIDs []string `json:"contact_ids" validate:"required,min=1,max=1000"`
}

// CreateContact POST /api/contacts
func (h *ContactHandler) CreateContact(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	var req createContactRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, h.now(), err)
		return
	}

	contact := &models.Contact{
		ID:        uuid.NewString(),
		OwnerID:   user.ID,
		Email:     strings.ToLower(strings.TrimSpace(req.Email)),
		Name:      strings.TrimSpace(req.Name),
		UserID:    strings.TrimSpace(req.UserID),
		CreatedAt: h.now().UTC(),
	}
	if err := h.db.CreateContact(r.Context(), contact); err != nil {
		h.logger.Error("create contact", "user_id", user.ID, "error", err)
		utils.WriteInternalServerErrorResponse(w, "Failed to create contact")
		return
	}
	utils.WriteCreatedResponse(w, contact)
}

// CreateContactList POST /api/contact-lists
func (h *ContactHandler) CreateContactList(w http.ResponseWriter, r *http.Request) {
	user, ok := organizer(w, r)
	if !ok {
		return
	}
	var req createContactListRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, h.now(), err)
		return
	}

	// 只能引用自己的联系人
	owned, err := h.db.GetContactsByIDs(r.Context(), user.ID, req.ContactIDs)
	if err != nil {
		h.logger.Error("load contacts", "user_id", user.ID, "error", err)
		utils.WriteInternalServerErrorResponse(w, "Failed to create contact list")
		return
	}
	found := make(map[string]bool, len(owned))
	for _, c := range owned {
		found[c.ID] = true
	}
	for _, id := range req.ContactIDs {
		if !found[id] {
			utils.WriteValidationErrorResponse(w, "contact "+id+" not found", "contact_ids", nil)
			return
		}
	}

	list := &models.ContactList{
		ID:        uuid.NewString(),
		OwnerID:   user.ID,
		Name:      strings.TrimSpace(req.Name),
		CreatedAt: h.now().UTC(),
	}
	if err := h.db.CreateContactList(r.Context(), list, req.ContactIDs); err != nil {
		h.logger.Error("create contact list", "user_id", user.ID, "error", err)
		utils.WriteInternalServerErrorResponse(w, "Failed to create contact list")
		return
	}
	utils.WriteCreatedResponse(w, map[string]interface{}{
		"list":        list,
		"contact_ids": req.ContactIDs,
	})
}
