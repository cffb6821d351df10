package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"
	"broadcast-scheduling-backend/pkg/notify"
)

// RespondInput is one invitee answer.
type RespondInput struct {
	// InviteeKey is optional for authenticated callers.
	InviteeKey     string
	Response       string
	SelectedSlotID string
	Comment        string
}

// RespondResult is the stored answer and the rule verdict after it.
type RespondResult struct {
	Response      *models.Selection `json:"response"`
	Finalization  Evaluation        `json:"finalization"`
	AutoFinalized *FinalizeResult   `json:"auto_finalized,omitempty"`
	Warnings      []string          `json:"warnings,omitempty"`
}

// Respond records an answer from an invitee of a sent thread. The latest
// answer per invitee wins.
func (s *Service) Respond(ctx context.Context, caller Caller, threadID string, in RespondInput) (*RespondResult, error) {
	var key identity.Identity
	switch {
	case strings.TrimSpace(in.InviteeKey) != "":
		parsed, err := identity.Parse(in.InviteeKey)
		if err != nil {
			return nil, validationError("invitee_key", err.Error())
		}
		key = parsed
	case caller.Authenticated():
		key = identity.Internal(caller.UserID)
	default:
		return nil, validationError("invitee_key", "is required")
	}

	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	invites, err := s.store.ListInvites(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	if !hasInvitee(invites, key) {
		return nil, &Error{Kind: KindForbidden, Field: "invitee_key", Message: "not invited to this thread"}
	}
	return s.respond(ctx, thread, key, in)
}

// RespondViaInvite records an answer through an invite link.
func (s *Service) RespondViaInvite(ctx context.Context, token string, in RespondInput) (*RespondResult, error) {
	invite, thread, err := s.loadInvite(ctx, token)
	if err != nil {
		return nil, err
	}
	if invite.IsExpired(s.now()) {
		return nil, validationError("token", "invite link has expired")
	}
	result, err := s.respond(ctx, thread, invite.InviteeKey, in)
	if err != nil {
		return nil, err
	}
	if invite.Status == models.InvitePending {
		if err := s.store.MarkInviteAccepted(ctx, invite.ID, s.now()); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not mark invite accepted: %v", err))
		}
	}
	return result, nil
}

func (s *Service) loadInvite(ctx context.Context, token string) (*models.Invite, *models.Thread, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil, notFoundError("invite not found")
	}
	invite, err := s.store.GetInviteByToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil, notFoundError("invite not found")
		}
		return nil, nil, fmt.Errorf("load invite: %w", err)
	}
	thread, err := s.loadThread(ctx, invite.ThreadID)
	if err != nil {
		return nil, nil, err
	}
	return invite, thread, nil
}

func hasInvitee(invites []models.Invite, key identity.Identity) bool {
	for _, inv := range invites {
		if inv.InviteeKey == key {
			return true
		}
	}
	return false
}

func (s *Service) respond(ctx context.Context, thread *models.Thread, key identity.Identity, in RespondInput) (*RespondResult, error) {
	if thread.Status != models.ThreadSent {
		return nil, validationError("status", fmt.Sprintf("thread is %s and does not accept responses", thread.Status))
	}
	status, err := models.ParseResponseStatus(in.Response)
	if err != nil {
		return nil, validationError("response", err.Error())
	}

	slots, err := s.store.ListSlots(ctx, thread.ID, thread.ProposalVersion)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	slotID, err := chooseSlot(status, strings.TrimSpace(in.SelectedSlotID), slots)
	if err != nil {
		return nil, err
	}

	sel := &models.Selection{
		ID:                        s.opts.NewID(),
		ThreadID:                  thread.ID,
		InviteeKey:                key,
		Status:                    status,
		SelectedSlotID:            slotID,
		Comment:                   strings.TrimSpace(in.Comment),
		RespondedAt:               s.now(),
		ProposalVersionAtResponse: thread.ProposalVersion,
	}
	if err := s.store.UpsertSelection(ctx, sel); err != nil {
		return nil, fmt.Errorf("save response: %w", err)
	}

	selections, err := s.store.ListSelections(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("list selections: %w", err)
	}
	eval := Evaluate(thread, slots, selections)
	result := &RespondResult{Response: sel, Finalization: eval}

	s.opts.Logger.Info("response recorded",
		"thread_id", thread.ID,
		"invitee_key", key.String(),
		"status", string(status),
		"rule_met", eval.Met,
	)

	result.Warnings = append(result.Warnings, s.notifyOrganizer(ctx, thread, notify.InboxResponse,
		"New response",
		fmt.Sprintf("%s answered %q for %q", key, status, thread.Title),
		map[string]interface{}{
			"invitee_key":      key.String(),
			"response":         string(status),
			"selected_slot_id": slotID,
		},
	)...)

	if thread.Policy.AutoFinalize && eval.Met && eval.RecommendedSlotID != "" {
		fin, err := s.finalize(ctx, thread, thread.OrganizerID, FinalizeInput{
			SelectedSlotID: eval.RecommendedSlotID,
			Reason:         autoFinalizeReason,
		})
		switch {
		case err == nil:
			result.AutoFinalized = fin
		case KindOf(err) == KindPaymentRequired:
			s.opts.Logger.Info("auto finalize skipped by billing", "thread_id", thread.ID)
		default:
			result.Warnings = append(result.Warnings, fmt.Sprintf("auto finalize failed: %v", err))
		}
	}
	return result, nil
}

// chooseSlot validates the slot an answer points at.
func chooseSlot(status models.ResponseStatus, slotID string, current []models.Slot) (string, error) {
	if status == models.ResponseNo {
		return "", nil
	}
	if slotID == "" {
		if status == models.ResponseOK {
			if len(current) == 1 {
				return current[0].ID, nil
			}
			return "", validationError("selected_slot_id", "is required when answering ok")
		}
		return "", nil
	}
	for _, slot := range current {
		if slot.ID == slotID {
			return slotID, nil
		}
	}
	return "", validationError("selected_slot_id", "is not part of the current proposal")
}

// InviteView is what an invitee sees behind an invite link.
type InviteView struct {
	ThreadID        string              `json:"thread_id"`
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	Status          models.ThreadStatus `json:"status"`
	ProposalVersion int                 `json:"proposal_version"`
	InviteeKey      identity.Identity   `json:"invitee_key"`
	CandidateName   string              `json:"candidate_name,omitempty"`
	Slots           []models.Slot       `json:"slots"`
	Selection       *models.Selection   `json:"selection,omitempty"`
	ExpiresAt       time.Time           `json:"expires_at"`
	Expired         bool                `json:"expired"`
}

// GetInvite renders the invite page data for a token. Expired links still
// render so the invitee can see why answering fails.
func (s *Service) GetInvite(ctx context.Context, token string) (*InviteView, error) {
	invite, thread, err := s.loadInvite(ctx, token)
	if err != nil {
		return nil, err
	}
	slots, err := s.store.ListSlots(ctx, thread.ID, thread.ProposalVersion)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	view := &InviteView{
		ThreadID:        thread.ID,
		Title:           thread.Title,
		Description:     thread.Description,
		Status:          thread.Status,
		ProposalVersion: thread.ProposalVersion,
		InviteeKey:      invite.InviteeKey,
		CandidateName:   invite.CandidateName,
		Slots:           slots,
		ExpiresAt:       invite.ExpiresAt,
		Expired:         invite.IsExpired(s.now()),
	}
	selections, err := s.store.ListSelections(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("list selections: %w", err)
	}
	for i := range selections {
		if selections[i].InviteeKey == invite.InviteeKey && selections[i].IsCurrent(thread.ProposalVersion) {
			view.Selection = &selections[i]
			break
		}
	}
	return view, nil
}
