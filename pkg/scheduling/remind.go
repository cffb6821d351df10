package scheduling

import (
	"context"
	"fmt"
	"time"

	"broadcast-scheduling-backend/pkg/billing"
	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"
	"broadcast-scheduling-backend/pkg/notify"
)

// RemindInput optionally narrows a reminder to some invitees.
type RemindInput struct {
	TargetInviteeKeys []string
	Message           string
}

// RemindResult reports a reminder round.
type RemindResult struct {
	RemindedCount           int             `json:"reminded_count"`
	Results                 []notify.Result `json:"results"`
	Warnings                []string        `json:"warnings,omitempty"`
	NextReminderAvailableAt time.Time       `json:"next_reminder_available_at"`
}

// Remind nudges invitees who still owe an answer to the current proposal.
// At most one reminder per thread and organizer is allowed per cooldown window.
func (s *Service) Remind(ctx context.Context, organizerID, threadID string, in RemindInput) (*RemindResult, error) {
	thread, err := s.loadOwnedThread(ctx, organizerID, threadID)
	if err != nil {
		return nil, err
	}
	if thread.Status != models.ThreadSent {
		return nil, validationError("status", fmt.Sprintf("thread is %s; reminders need a sent thread", thread.Status))
	}
	targets, err := identity.ParseAll(in.TargetInviteeKeys)
	if err != nil {
		return nil, validationError("target_invitee_keys", err.Error())
	}
	if err := s.checkGate(ctx, thread, billing.ActionRemind); err != nil {
		return nil, err
	}

	// reads go first so a failed lookup does not spend the window
	invites, err := s.store.ListInvites(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	selections, err := s.store.ListSelections(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("list selections: %w", err)
	}
	pending := filterTargets(pendingInvites(thread, invites, selections), targets)

	now := s.now()
	claimed, lastAt, err := s.store.ClaimRemindCooldown(ctx, thread.ID, organizerID, now, s.opts.RemindCooldown)
	if err != nil {
		return nil, fmt.Errorf("claim remind cooldown: %w", err)
	}
	if !claimed {
		return nil, rateLimitedError(lastAt.Add(s.opts.RemindCooldown))
	}

	result := &RemindResult{
		Results:                 []notify.Result{},
		NextReminderAvailableAt: lastAt.Add(s.opts.RemindCooldown),
	}
	if len(pending) > 0 {
		result.Results = s.notifier.SendReminders(ctx, thread, recipientsFor(pending), in.Message)
		result.Warnings = append(result.Warnings, notify.Warnings(result.Results)...)
	}
	result.RemindedCount = notify.CountQueued(result.Results)

	keys := make([]identity.Identity, 0, len(result.Results))
	for _, r := range result.Results {
		if r.OK() {
			keys = append(keys, r.InviteeKey)
		}
	}
	if err := s.store.InsertRemindLog(ctx, &models.RemindLog{
		ID:            s.opts.NewID(),
		ThreadID:      thread.ID,
		OrganizerID:   organizerID,
		RemindedCount: result.RemindedCount,
		InviteeKeys:   keys,
		Message:       in.Message,
		CreatedAt:     now,
	}); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("remind log not written: %v", err))
	}
	result.Warnings = append(result.Warnings, s.notifyOrganizer(ctx, thread, notify.InboxReminded,
		"Reminder sent",
		fmt.Sprintf("Reminded %d invitee(s) about %q", result.RemindedCount, thread.Title),
		map[string]interface{}{"reminded_count": result.RemindedCount},
	)...)

	s.opts.Logger.Info("reminders sent",
		"thread_id", thread.ID,
		"reminded_count", result.RemindedCount,
		"pending", len(pending),
	)
	return result, nil
}

func filterTargets(invites []models.Invite, targets []identity.Identity) []models.Invite {
	if len(targets) == 0 {
		return invites
	}
	wanted := make(map[identity.Identity]bool, len(targets))
	for _, t := range targets {
		wanted[t] = true
	}
	var out []models.Invite
	for _, inv := range invites {
		if wanted[inv.InviteeKey] {
			out = append(out, inv)
		}
	}
	return out
}
