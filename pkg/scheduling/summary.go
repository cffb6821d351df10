package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"
)

// SlotTally counts answers on one current slot.
type SlotTally struct {
	Slot       models.Slot         `json:"slot"`
	Votes      int                 `json:"votes"`
	MaybeCount int                 `json:"maybe_count"`
	Voters     []identity.Identity `json:"voters"`
}

// InviteeState is one invitee's answer to the current proposal.
type InviteeState struct {
	InviteeKey     identity.Identity     `json:"invitee_key"`
	Email          string                `json:"email"`
	Name           string                `json:"name,omitempty"`
	InviteStatus   models.InviteStatus   `json:"invite_status"`
	Response       models.ResponseStatus `json:"response,omitempty"`
	SelectedSlotID string                `json:"selected_slot_id,omitempty"`
	Comment        string                `json:"comment,omitempty"`
	RespondedAt    *time.Time            `json:"responded_at,omitempty"`
	NeedsResponse  bool                  `json:"needs_response"`
}

// Summary is the organizer's tally of a thread.
type Summary struct {
	ThreadID        string              `json:"thread_id"`
	Title           string              `json:"title"`
	Status          models.ThreadStatus `json:"status"`
	ProposalVersion int                 `json:"proposal_version"`
	Slots           []SlotTally         `json:"slots"`
	Invitees        []InviteeState      `json:"invitees"`
	RespondedCount  int                 `json:"responded_count"`
	PendingCount    int                 `json:"pending_count"`
}

// FinalizationState merges the rule verdict with any committed decision.
type FinalizationState struct {
	Met               bool                `json:"met"`
	RecommendedSlotID string              `json:"recommended_slot_id,omitempty"`
	MissingRequired   []identity.Identity `json:"missing_required"`
	Finalized         bool                `json:"finalized"`
	FinalSlotID       string              `json:"final_slot_id,omitempty"`
	FinalizedAt       *time.Time          `json:"finalized_at,omitempty"`
}

// SummaryResult is returned by Summary.
type SummaryResult struct {
	Summary      Summary           `json:"summary"`
	Finalization FinalizationState `json:"finalization"`
}

type snapshot struct {
	thread       *models.Thread
	slots        []models.Slot
	invites      []models.Invite
	selections   []models.Selection
	finalization *models.Finalization
}

func (s *Service) loadSnapshot(ctx context.Context, organizerID, threadID string) (*snapshot, error) {
	thread, err := s.loadOwnedThread(ctx, organizerID, threadID)
	if err != nil {
		return nil, err
	}
	snap := &snapshot{thread: thread}
	if snap.slots, err = s.store.ListSlots(ctx, thread.ID, thread.ProposalVersion); err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	if snap.invites, err = s.store.ListInvites(ctx, thread.ID); err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	if snap.selections, err = s.store.ListSelections(ctx, thread.ID); err != nil {
		return nil, fmt.Errorf("list selections: %w", err)
	}
	fin, err := s.store.GetFinalization(ctx, thread.ID)
	switch {
	case err == nil:
		snap.finalization = fin
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("load finalization: %w", err)
	}
	return snap, nil
}

func (snap *snapshot) finalizationState(eval Evaluation) FinalizationState {
	state := FinalizationState{
		Met:               eval.Met,
		RecommendedSlotID: eval.RecommendedSlotID,
		MissingRequired:   eval.MissingRequired,
	}
	if fin := snap.finalization; fin != nil {
		at := fin.FinalizedAt
		state.Finalized = true
		state.FinalSlotID = fin.FinalSlotID
		state.FinalizedAt = &at
	}
	return state
}

// Summary tallies votes per current slot and answers per invitee. It never
// writes.
func (s *Service) Summary(ctx context.Context, organizerID, threadID string) (*SummaryResult, error) {
	snap, err := s.loadSnapshot(ctx, organizerID, threadID)
	if err != nil {
		return nil, err
	}
	thread := snap.thread
	eval := Evaluate(thread, snap.slots, snap.selections)

	tallies := make([]SlotTally, len(snap.slots))
	index := make(map[string]int, len(snap.slots))
	for i, slot := range snap.slots {
		tallies[i] = SlotTally{Slot: slot, Voters: []identity.Identity{}}
		index[slot.ID] = i
	}
	current := make(map[identity.Identity]models.Selection, len(snap.selections))
	for _, sel := range snap.selections {
		if !sel.IsCurrent(thread.ProposalVersion) {
			continue
		}
		current[sel.InviteeKey] = sel
		i, ok := index[sel.SelectedSlotID]
		if !ok {
			continue
		}
		switch sel.Status {
		case models.ResponseOK:
			tallies[i].Votes++
			tallies[i].Voters = append(tallies[i].Voters, sel.InviteeKey)
		case models.ResponseMaybe:
			tallies[i].MaybeCount++
		}
	}

	pending := make(map[identity.Identity]bool)
	for _, inv := range pendingInvites(thread, snap.invites, snap.selections) {
		pending[inv.InviteeKey] = true
	}

	summary := Summary{
		ThreadID:        thread.ID,
		Title:           thread.Title,
		Status:          thread.Status,
		ProposalVersion: thread.ProposalVersion,
		Slots:           tallies,
		Invitees:        make([]InviteeState, 0, len(snap.invites)),
	}
	for _, inv := range snap.invites {
		state := InviteeState{
			InviteeKey:    inv.InviteeKey,
			Email:         inv.Email,
			Name:          inv.CandidateName,
			InviteStatus:  inv.Status,
			NeedsResponse: pending[inv.InviteeKey],
		}
		if sel, ok := current[inv.InviteeKey]; ok {
			at := sel.RespondedAt
			state.Response = sel.Status
			state.SelectedSlotID = sel.SelectedSlotID
			state.Comment = sel.Comment
			state.RespondedAt = &at
			summary.RespondedCount++
		}
		if state.NeedsResponse {
			summary.PendingCount++
		}
		summary.Invitees = append(summary.Invitees, state)
	}

	return &SummaryResult{Summary: summary, Finalization: snap.finalizationState(eval)}, nil
}

// StatusResult is a lightweight polling view.
type StatusResult struct {
	ThreadID                string              `json:"thread_id"`
	Status                  models.ThreadStatus `json:"status"`
	ProposalVersion         int                 `json:"proposal_version"`
	ReproposalCount         int                 `json:"reproposal_count"`
	MaxReproposals          int                 `json:"max_reproposals"`
	Evaluation              Evaluation          `json:"evaluation"`
	Finalization            FinalizationState   `json:"finalization"`
	PendingInviteeKeys      []identity.Identity `json:"pending_invitee_keys"`
	NextReminderAvailableAt *time.Time          `json:"next_reminder_available_at,omitempty"`
}

// Status reports rule readiness and who still owes an answer.
func (s *Service) Status(ctx context.Context, organizerID, threadID string) (*StatusResult, error) {
	snap, err := s.loadSnapshot(ctx, organizerID, threadID)
	if err != nil {
		return nil, err
	}
	thread := snap.thread
	eval := Evaluate(thread, snap.slots, snap.selections)

	result := &StatusResult{
		ThreadID:           thread.ID,
		Status:             thread.Status,
		ProposalVersion:    thread.ProposalVersion,
		ReproposalCount:    thread.AdditionalProposeCount,
		MaxReproposals:     thread.Policy.MaxReproposals,
		Evaluation:         eval,
		Finalization:       snap.finalizationState(eval),
		PendingInviteeKeys: []identity.Identity{},
	}
	for _, inv := range pendingInvites(thread, snap.invites, snap.selections) {
		result.PendingInviteeKeys = append(result.PendingInviteeKeys, inv.InviteeKey)
	}

	last, err := s.store.GetRemindCooldown(ctx, thread.ID, organizerID)
	switch {
	case err == nil:
		next := last.Add(s.opts.RemindCooldown)
		if next.After(s.now()) {
			result.NextReminderAvailableAt = &next
		}
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("load remind cooldown: %w", err)
	}
	return result, nil
}
