package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"broadcast-scheduling-backend/pkg/billing"
	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"
	"broadcast-scheduling-backend/pkg/notify"
)

// FinalizeInput picks the final slot.
type FinalizeInput struct {
	SelectedSlotID string
	Reason         string
}

// FinalizeResult is the committed decision. Repeated calls return the same
// data; Warnings only appear on the call that committed.
type FinalizeResult struct {
	Finalized         bool                `json:"finalized"`
	SelectedSlot      *models.Slot        `json:"selected_slot"`
	Meeting           *models.MeetingRef  `json:"meeting,omitempty"`
	FinalParticipants []identity.Identity `json:"final_participants"`
	FinalizedAt       time.Time           `json:"finalized_at"`
	FinalizedByUserID string              `json:"finalized_by_user_id"`
	Reason            string              `json:"reason,omitempty"`
	Warnings          []string            `json:"warnings,omitempty"`
}

// Finalize commits the thread's single decision. Once a finalization exists
// every call returns it unchanged, whatever slot is passed.
func (s *Service) Finalize(ctx context.Context, organizerID, threadID string, in FinalizeInput) (*FinalizeResult, error) {
	thread, err := s.loadOwnedThread(ctx, organizerID, threadID)
	if err != nil {
		return nil, err
	}
	return s.finalize(ctx, thread, organizerID, in)
}

func (s *Service) finalize(ctx context.Context, thread *models.Thread, actorID string, in FinalizeInput) (*FinalizeResult, error) {
	if existing, err := s.existingFinalization(ctx, thread.ID); err != nil || existing != nil {
		return existing, err
	}
	if thread.Status != models.ThreadSent {
		return nil, validationError("status", fmt.Sprintf("thread is %s and cannot be finalized", thread.Status))
	}
	if err := s.checkGate(ctx, thread, billing.ActionFinalize); err != nil {
		return nil, err
	}
	slotID := strings.TrimSpace(in.SelectedSlotID)
	if slotID == "" {
		return nil, validationError("selected_slot_id", "is required")
	}

	for attempt := 1; ; attempt++ {
		slot, err := s.currentSlot(ctx, thread, slotID)
		if err != nil {
			return nil, err
		}
		invites, err := s.store.ListInvites(ctx, thread.ID)
		if err != nil {
			return nil, fmt.Errorf("list invites: %w", err)
		}
		selections, err := s.store.ListSelections(ctx, thread.ID)
		if err != nil {
			return nil, fmt.Errorf("list selections: %w", err)
		}

		fin := &models.Finalization{
			ThreadID:          thread.ID,
			FinalSlotID:       slot.ID,
			Policy:            thread.Policy.FinalizePolicy,
			FinalizedBy:       actorID,
			Reason:            strings.TrimSpace(in.Reason),
			FinalizedAt:       s.now(),
			FinalParticipants: finalParticipants(thread, slot.ID, invites, selections),
		}
		stored, created, err := s.store.CommitFinalization(ctx, fin, thread.RowVersion)
		if err == nil {
			if !created {
				return s.finalizeView(ctx, stored, nil)
			}
			s.opts.Logger.Info("thread finalized",
				"thread_id", thread.ID,
				"slot_id", slot.ID,
				"participants", len(stored.FinalParticipants),
				"reason", stored.Reason,
			)
			return s.afterCommit(ctx, thread, slot, stored, invites), nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("commit finalization: %w", err)
		}

		// Lost a race: either someone finalized, or the thread changed underneath.
		if existing, ferr := s.existingFinalization(ctx, thread.ID); ferr != nil || existing != nil {
			return existing, ferr
		}
		if attempt >= s.opts.ConflictRetries {
			return nil, conflictError("thread kept changing during finalize", err)
		}
		thread, err = s.loadThread(ctx, thread.ID)
		if err != nil {
			return nil, err
		}
		if thread.Status != models.ThreadSent {
			return nil, validationError("status", fmt.Sprintf("thread is %s and cannot be finalized", thread.Status))
		}
	}
}

func (s *Service) existingFinalization(ctx context.Context, threadID string) (*FinalizeResult, error) {
	fin, err := s.store.GetFinalization(ctx, threadID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load finalization: %w", err)
	}
	return s.finalizeView(ctx, fin, nil)
}

// currentSlot resolves a slot of the thread's current proposal.
func (s *Service) currentSlot(ctx context.Context, thread *models.Thread, slotID string) (*models.Slot, error) {
	slot, err := s.store.GetSlot(ctx, thread.ID, slotID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, validationError("selected_slot_id", "slot does not belong to this thread")
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.ProposalVersion != thread.ProposalVersion {
		return nil, validationError("selected_slot_id", "slot is not part of the current proposal")
	}
	return slot, nil
}

// finalParticipants snapshots the invitees who picked the slot without
// declining, in invitation order.
func finalParticipants(thread *models.Thread, slotID string, invites []models.Invite, selections []models.Selection) []identity.Identity {
	chosen := make(map[identity.Identity]bool)
	for _, sel := range selections {
		if !sel.IsCurrent(thread.ProposalVersion) || sel.Status.IsDeclined() {
			continue
		}
		if sel.SelectedSlotID == slotID {
			chosen[sel.InviteeKey] = true
		}
	}
	out := []identity.Identity{}
	for _, inv := range invites {
		if chosen[inv.InviteeKey] {
			out = append(out, inv.InviteeKey)
			delete(chosen, inv.InviteeKey)
		}
	}
	return out
}

func (s *Service) finalizeView(ctx context.Context, fin *models.Finalization, warnings []string) (*FinalizeResult, error) {
	slot, err := s.store.GetSlot(ctx, fin.ThreadID, fin.FinalSlotID)
	if err != nil {
		return nil, fmt.Errorf("load final slot: %w", err)
	}
	participants := fin.FinalParticipants
	if participants == nil {
		participants = []identity.Identity{}
	}
	return &FinalizeResult{
		Finalized:         true,
		SelectedSlot:      slot,
		Meeting:           fin.Meeting,
		FinalParticipants: participants,
		FinalizedAt:       fin.FinalizedAt,
		FinalizedByUserID: fin.FinalizedBy,
		Reason:            fin.Reason,
		Warnings:          warnings,
	}, nil
}

// afterCommit runs the side effects of a fresh finalization. The decision is
// already durable, so every failure here becomes a warning.
func (s *Service) afterCommit(ctx context.Context, thread *models.Thread, slot *models.Slot, fin *models.Finalization, invites []models.Invite) *FinalizeResult {
	var warnings []string
	now := s.now()

	members := []models.ThreadMembership{{ThreadID: thread.ID, UserID: thread.OrganizerID, Role: models.MemberOrganizer, CreatedAt: now}}
	for _, key := range fin.FinalParticipants {
		if userID, ok := key.UserID(); ok && userID != thread.OrganizerID {
			members = append(members, models.ThreadMembership{ThreadID: thread.ID, UserID: userID, Role: models.MemberParticipant, CreatedAt: now})
		}
	}
	for i := range members {
		if err := s.store.EnsureMembership(ctx, &members[i]); err != nil {
			warnings = append(warnings, fmt.Sprintf("membership for %s not recorded: %v", members[i].UserID, err))
		}
	}

	participants := make(map[identity.Identity]bool, len(fin.FinalParticipants))
	for _, key := range fin.FinalParticipants {
		participants[key] = true
	}
	var recipients []notify.Recipient
	for _, inv := range invites {
		if participants[inv.InviteeKey] {
			recipients = append(recipients, notify.RecipientFromInvite(inv))
		}
	}

	meeting, err := s.notifier.CreateMeeting(ctx, notify.MeetingRequest{
		ThreadID:     thread.ID,
		OrganizerID:  thread.OrganizerID,
		Title:        thread.Title,
		StartAt:      slot.StartAt,
		EndAt:        slot.EndAt,
		Timezone:     slot.Timezone,
		Participants: fin.FinalParticipants,
	})
	switch {
	case err != nil:
		warnings = append(warnings, fmt.Sprintf("calendar meeting not created: %v", err))
	case meeting != nil:
		if err := s.store.SetFinalizationMeeting(ctx, thread.ID, meeting); err != nil {
			warnings = append(warnings, fmt.Sprintf("meeting link not saved: %v", err))
		} else {
			fin.Meeting = meeting
		}
	}

	warnings = append(warnings, s.notifyOrganizer(ctx, thread, notify.InboxFinalized,
		"Schedule confirmed",
		fmt.Sprintf("%q is confirmed for %s", thread.Title, notify.FormatSlot(*slot)),
		map[string]interface{}{
			"slot_id":            slot.ID,
			"final_participants": identity.Strings(fin.FinalParticipants),
		},
	)...)

	if len(recipients) > 0 {
		results := s.notifier.AnnounceFinalization(ctx, thread, *slot, fin.Meeting, recipients)
		warnings = append(warnings, notify.Warnings(results)...)
	}

	participantsOut := fin.FinalParticipants
	if participantsOut == nil {
		participantsOut = []identity.Identity{}
	}
	return &FinalizeResult{
		Finalized:         true,
		SelectedSlot:      slot,
		Meeting:           fin.Meeting,
		FinalParticipants: participantsOut,
		FinalizedAt:       fin.FinalizedAt,
		FinalizedByUserID: fin.FinalizedBy,
		Reason:            fin.Reason,
		Warnings:          warnings,
	}
}
