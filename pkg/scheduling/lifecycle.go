package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"
	"broadcast-scheduling-backend/pkg/notify"
)

// PrepareInput is the organizer's draft request.
type PrepareInput struct {
	Title              string
	Description        string
	Mode               models.ScheduleMode
	DeadlineHours      *int
	FinalizePolicy     models.FinalizePolicy
	QuorumCount        *int
	RequiredContactIDs []string
	AutoFinalize       bool
	ParticipantLimit   *int
	ContactIDs         []string
	ListID             string
	Emails             []string
	Slots              []models.SlotInput
}

// Invitee is a resolved recipient, before or after invitation.
type Invitee struct {
	Email        string            `json:"email"`
	Name         string            `json:"name,omitempty"`
	ContactID    string            `json:"contact_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	ChannelValue string            `json:"channel_value,omitempty"`
	InviteeKey   identity.Identity `json:"invitee_key"`
}

// PrepareResult is the persisted draft.
type PrepareResult struct {
	Thread        *models.Thread     `json:"thread"`
	GroupPolicy   models.GroupPolicy `json:"group_policy"`
	Invitees      []Invitee          `json:"invitees"`
	InviteesCount int                `json:"invitees_count"`
	Slots         []models.Slot      `json:"slots"`
}

// Prepare validates a draft, resolves its invitees and persists the thread
// with its first proposal. Nothing is sent.
func (s *Service) Prepare(ctx context.Context, organizerID string, in PrepareInput) (*PrepareResult, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, validationError("title", "is required")
	}
	if in.Mode == "" {
		return nil, validationError("mode", "is required")
	}
	if !in.Mode.Valid() {
		return nil, validationError("mode", fmt.Sprintf("unsupported mode %q", in.Mode))
	}
	policyName := in.FinalizePolicy
	if policyName == "" {
		policyName = models.PolicyOrganizerDecides
	}
	if !policyName.Valid() {
		return nil, validationError("finalize_policy", fmt.Sprintf("unsupported policy %q", policyName))
	}
	if policyName == models.PolicyQuorum && (in.QuorumCount == nil || *in.QuorumCount < 1) {
		return nil, validationError("quorum_count", "must be at least 1 for the quorum policy")
	}
	if policyName == models.PolicyRequiredPeople && len(in.RequiredContactIDs) == 0 {
		return nil, validationError("required_contact_ids", "is required for the required_people policy")
	}
	if in.DeadlineHours != nil && *in.DeadlineHours <= 0 {
		return nil, validationError("deadline_hours", "must be positive")
	}

	now := s.now()
	slotInputs := in.Slots
	if in.Mode.RequiresSlots() && len(slotInputs) == 0 {
		return nil, validationError("slots", fmt.Sprintf("are required for %s mode", in.Mode))
	}
	if in.Mode == models.ModeFixed && len(slotInputs) != 1 {
		return nil, validationError("slots", "fixed mode takes exactly one slot")
	}
	if err := validateSlots(slotInputs); err != nil {
		return nil, err
	}

	invitees, err := s.resolveInvitees(ctx, organizerID, in.ContactIDs, in.ListID, in.Emails)
	if err != nil {
		return nil, err
	}
	if len(invitees) == 0 {
		return nil, validationError("invitees", "at least one of contact_ids, list_id or emails must resolve to an invitee")
	}
	if in.ParticipantLimit != nil && len(invitees) > *in.ParticipantLimit {
		return nil, capacityError("participant limit exceeded", len(invitees), *in.ParticipantLimit)
	}

	var required []identity.Identity
	if len(in.RequiredContactIDs) > 0 {
		resolved, err := s.resolveContacts(ctx, organizerID, in.RequiredContactIDs, "required_contact_ids")
		if err != nil {
			return nil, err
		}
		for _, inv := range resolved {
			required = append(required, inv.InviteeKey)
		}
	}

	deadline := now.Add(s.opts.DefaultDeadline)
	if in.DeadlineHours != nil {
		deadline = now.Add(time.Duration(*in.DeadlineHours) * time.Hour)
	}

	policy := models.GroupPolicy{
		Mode:                in.Mode,
		DeadlineAt:          &deadline,
		FinalizePolicy:      policyName,
		AutoFinalize:        in.AutoFinalize,
		MaxReproposals:      s.opts.MaxReproposals,
		QuorumCount:         in.QuorumCount,
		RequiredInviteeKeys: required,
		ParticipantLimit:    in.ParticipantLimit,
	}

	thread := &models.Thread{
		ID:              s.opts.NewID(),
		OrganizerID:     organizerID,
		Title:           title,
		Description:     strings.TrimSpace(in.Description),
		Status:          models.ThreadDraft,
		Kind:            kindOf(invitees),
		ProposalVersion: 1,
		Policy:          policy,
		Rule:            models.RuleForPolicy(policy, inviteeKeys(invitees), 1),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	slots := s.buildSlots(thread.ID, 1, slotInputs)

	if err := s.store.CreateThread(ctx, thread, slots); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	s.opts.Logger.Info("thread prepared",
		"thread_id", thread.ID,
		"organizer_id", organizerID,
		"invitees", len(invitees),
		"slots", len(slots),
	)

	return &PrepareResult{
		Thread:        thread,
		GroupPolicy:   thread.Policy,
		Invitees:      invitees,
		InviteesCount: len(invitees),
		Slots:         slots,
	}, nil
}

func validateSlots(inputs []models.SlotInput) error {
	for i, in := range inputs {
		field := fmt.Sprintf("slots[%d]", i)
		if in.StartAt.IsZero() || in.EndAt.IsZero() {
			return validationError(field, "start_at and end_at are required")
		}
		if !in.EndAt.After(in.StartAt) {
			return validationError(field, "end_at must be after start_at")
		}
		if in.Timezone != "" {
			if _, err := time.LoadLocation(in.Timezone); err != nil {
				return validationError(field, fmt.Sprintf("unknown timezone %q", in.Timezone))
			}
		}
	}
	return nil
}

func (s *Service) buildSlots(threadID string, version int, inputs []models.SlotInput) []models.Slot {
	slots := make([]models.Slot, 0, len(inputs))
	for i, in := range inputs {
		slots = append(slots, models.Slot{
			ID:              s.opts.NewID(),
			ThreadID:        threadID,
			StartAt:         in.StartAt.UTC(),
			EndAt:           in.EndAt.UTC(),
			Timezone:        in.Timezone,
			Label:           strings.TrimSpace(in.Label),
			ProposalVersion: version,
			Position:        i,
		})
	}
	return slots
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return strings.ToLower(addr.Address), nil
}

func inviteeFromContact(c models.Contact) Invitee {
	email := strings.ToLower(strings.TrimSpace(c.Email))
	return Invitee{
		Email:      email,
		Name:       c.Name,
		ContactID:  c.ID,
		UserID:     c.UserID,
		InviteeKey: identity.Resolve(c.UserID, email),
	}
}

func (s *Service) resolveContacts(ctx context.Context, ownerID string, ids []string, field string) ([]Invitee, error) {
	contacts, err := s.store.GetContactsByIDs(ctx, ownerID, ids)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	found := make(map[string]models.Contact, len(contacts))
	for _, c := range contacts {
		found[c.ID] = c
	}
	out := make([]Invitee, 0, len(ids))
	for _, id := range ids {
		c, ok := found[id]
		if !ok {
			return nil, validationError(field, fmt.Sprintf("contact %s not found", id))
		}
		out = append(out, inviteeFromContact(c))
	}
	return out, nil
}

// resolveInvitees merges every invitee source and drops duplicate identities.
func (s *Service) resolveInvitees(ctx context.Context, ownerID string, contactIDs []string, listID string, emails []string) ([]Invitee, error) {
	var all []Invitee
	if len(contactIDs) > 0 {
		resolved, err := s.resolveContacts(ctx, ownerID, contactIDs, "contact_ids")
		if err != nil {
			return nil, err
		}
		all = append(all, resolved...)
	}
	if listID != "" {
		contacts, err := s.store.ListContactsInList(ctx, ownerID, listID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, validationError("list_id", "contact list not found")
			}
			return nil, fmt.Errorf("load contact list: %w", err)
		}
		for _, c := range contacts {
			all = append(all, inviteeFromContact(c))
		}
	}
	for i, raw := range emails {
		email, err := normalizeEmail(raw)
		if err != nil {
			return nil, validationError(fmt.Sprintf("emails[%d]", i), "invalid email address")
		}
		all = append(all, Invitee{Email: email, InviteeKey: identity.External(email)})
	}
	return dedupeInvitees(all), nil
}

func dedupeInvitees(in []Invitee) []Invitee {
	seen := make(map[identity.Identity]bool, len(in))
	out := make([]Invitee, 0, len(in))
	for _, inv := range in {
		if seen[inv.InviteeKey] {
			continue
		}
		seen[inv.InviteeKey] = true
		out = append(out, inv)
	}
	return out
}

func inviteeKeys(invitees []Invitee) []identity.Identity {
	keys := make([]identity.Identity, 0, len(invitees))
	for _, inv := range invitees {
		keys = append(keys, inv.InviteeKey)
	}
	return keys
}

func kindOf(invitees []Invitee) models.ThreadKind {
	if len(invitees) == 0 {
		return models.ThreadExternal
	}
	for _, inv := range invitees {
		if inv.InviteeKey.Kind() != identity.KindInternal {
			return models.ThreadExternal
		}
	}
	return models.ThreadInternal
}

// InviteeInput is one send target as submitted by the organizer.
type InviteeInput struct {
	Email        string
	Name         string
	ContactID    string
	ChannelValue string
}

// SendInput lists who receives the draft.
type SendInput struct {
	Invitees    []InviteeInput
	ChannelType models.ChannelType
}

// SendResult reports delivery of a sent thread.
type SendResult struct {
	SentCount int                 `json:"sent_count"`
	Total     int                 `json:"total"`
	Channel   models.ChannelType  `json:"channel"`
	Status    models.ThreadStatus `json:"status"`
	Results   []notify.Result     `json:"results"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// Send creates one invite per invitee, moves the draft to sent and fans the
// invite links out. Individual delivery failures are reported, never fatal.
func (s *Service) Send(ctx context.Context, organizerID, threadID string, in SendInput) (*SendResult, error) {
	thread, err := s.loadOwnedThread(ctx, organizerID, threadID)
	if err != nil {
		return nil, err
	}
	if thread.Status != models.ThreadDraft {
		return nil, validationError("status", fmt.Sprintf("thread is %s; only drafts can be sent", thread.Status))
	}
	if len(in.Invitees) == 0 {
		return nil, validationError("invitees", "is required")
	}
	channel := in.ChannelType
	if channel == "" {
		channel = models.ChannelEmail
	}
	if !channel.Valid() {
		return nil, validationError("channel_type", fmt.Sprintf("unsupported channel %q", channel))
	}

	invitees, err := s.resolveSendTargets(ctx, organizerID, in.Invitees)
	if err != nil {
		return nil, err
	}
	if limit := thread.Policy.ParticipantLimit; limit != nil && len(invitees) > *limit {
		return nil, capacityError("participant limit exceeded", len(invitees), *limit)
	}

	now := s.now()
	expiresAt := now.Add(s.opts.InviteTTL)
	if d := thread.Policy.DeadlineAt; d != nil && d.Add(inviteDeadlineBuffer).After(expiresAt) {
		expiresAt = d.Add(inviteDeadlineBuffer)
	}

	invites := make([]models.Invite, 0, len(invitees))
	for _, inv := range invitees {
		token, err := s.opts.NewToken()
		if err != nil {
			return nil, fmt.Errorf("generate invite token: %w", err)
		}
		invites = append(invites, models.Invite{
			ID:            s.opts.NewID(),
			ThreadID:      thread.ID,
			Token:         token,
			Email:         inv.Email,
			CandidateName: inv.Name,
			ContactID:     inv.ContactID,
			InviteeKey:    inv.InviteeKey,
			Status:        models.InvitePending,
			ExpiresAt:     expiresAt,
			ChannelType:   channel,
			ChannelValue:  inv.ChannelValue,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	rule := thread.Rule
	if thread.Policy.FinalizePolicy == models.PolicyAllRequired {
		rule = models.RuleForPolicy(thread.Policy, inviteeKeys(invitees), thread.Rule.Version)
	}

	sent, err := s.store.SendThread(ctx, database.SendParams{
		ThreadID:   thread.ID,
		RowVersion: thread.RowVersion,
		Kind:       kindOf(invitees),
		Rule:       rule,
		Invites:    invites,
		Now:        now,
	})
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, conflictError("thread changed while sending; reload and retry", err)
		}
		return nil, fmt.Errorf("send thread: %w", err)
	}

	slots, err := s.store.ListSlots(ctx, sent.ID, sent.ProposalVersion)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	results := s.notifier.SendInvites(ctx, sent, slots, recipientsFor(invites))
	sentCount := notify.CountQueued(results)
	warnings := notify.Warnings(results)
	warnings = append(warnings, s.notifyOrganizer(ctx, sent, notify.InboxSent,
		"Invitations sent",
		fmt.Sprintf("%d of %d invitations for %q were delivered", sentCount, len(results), sent.Title),
		map[string]interface{}{"sent_count": sentCount, "total": len(results)},
	)...)

	s.opts.Logger.Info("thread sent",
		"thread_id", sent.ID,
		"sent_count", sentCount,
		"total", len(results),
		"channel", string(channel),
	)

	return &SendResult{
		SentCount: sentCount,
		Total:     len(results),
		Channel:   channel,
		Status:    sent.Status,
		Results:   results,
		Warnings:  warnings,
	}, nil
}

func (s *Service) resolveSendTargets(ctx context.Context, ownerID string, inputs []InviteeInput) ([]Invitee, error) {
	var contactIDs []string
	for _, in := range inputs {
		if in.ContactID != "" {
			contactIDs = append(contactIDs, in.ContactID)
		}
	}
	contacts := map[string]models.Contact{}
	if len(contactIDs) > 0 {
		found, err := s.store.GetContactsByIDs(ctx, ownerID, contactIDs)
		if err != nil {
			return nil, fmt.Errorf("load contacts: %w", err)
		}
		for _, c := range found {
			contacts[c.ID] = c
		}
	}

	out := make([]Invitee, 0, len(inputs))
	for i, in := range inputs {
		field := fmt.Sprintf("invitees[%d]", i)
		if in.ContactID != "" {
			c, ok := contacts[in.ContactID]
			if !ok {
				return nil, validationError(field, fmt.Sprintf("contact %s not found", in.ContactID))
			}
			inv := inviteeFromContact(c)
			if in.Name != "" {
				inv.Name = in.Name
			}
			inv.ChannelValue = in.ChannelValue
			out = append(out, inv)
			continue
		}
		if strings.TrimSpace(in.Email) == "" {
			return nil, validationError(field, "email or contact_id is required")
		}
		email, err := normalizeEmail(in.Email)
		if err != nil {
			return nil, validationError(field, "invalid email address")
		}
		out = append(out, Invitee{
			Email:        email,
			Name:         strings.TrimSpace(in.Name),
			ChannelValue: in.ChannelValue,
			InviteeKey:   identity.External(email),
		})
	}
	return dedupeInvitees(out), nil
}

// ReproposeInput replaces the candidate slots.
type ReproposeInput struct {
	NewSlots         []models.SlotInput
	NewDeadlineHours *int
	Message          string
}

// ReproposeResult reports the new proposal generation.
type ReproposeResult struct {
	ReproposalCount int             `json:"reproposal_count"`
	MaxReproposals  int             `json:"max_reproposals"`
	NewSlotsCount   int             `json:"new_slots_count"`
	ProposalVersion int             `json:"proposal_version"`
	Slots           []models.Slot   `json:"slots"`
	Results         []notify.Result `json:"results,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
}

// Repropose swaps in a new slot set, bumps the proposal version and clears
// every answer, bounded by the thread's reproposal cap.
func (s *Service) Repropose(ctx context.Context, organizerID, threadID string, in ReproposeInput) (*ReproposeResult, error) {
	if len(in.NewSlots) == 0 {
		return nil, validationError("new_slots", "is required")
	}
	if err := validateSlots(in.NewSlots); err != nil {
		return nil, err
	}
	if in.NewDeadlineHours != nil && *in.NewDeadlineHours <= 0 {
		return nil, validationError("new_deadline_hours", "must be positive")
	}

	var (
		updated *models.Thread
		slots   []models.Slot
	)
	for attempt := 1; ; attempt++ {
		thread, err := s.loadOwnedThread(ctx, organizerID, threadID)
		if err != nil {
			return nil, err
		}
		if thread.Status.IsTerminal() {
			return nil, validationError("status", fmt.Sprintf("thread is %s and can no longer be reproposed", thread.Status))
		}
		max := thread.Policy.MaxReproposals
		if thread.AdditionalProposeCount >= max {
			return nil, capacityError("reproposal limit reached", thread.AdditionalProposeCount, max)
		}

		now := s.now()
		var deadline, inviteExpiry *time.Time
		if in.NewDeadlineHours != nil {
			d := now.Add(time.Duration(*in.NewDeadlineHours) * time.Hour)
			e := d.Add(inviteDeadlineBuffer)
			deadline, inviteExpiry = &d, &e
		}

		updated, slots, err = s.store.ReplaceProposal(ctx, database.ReproposeParams{
			ThreadID:        thread.ID,
			RowVersion:      thread.RowVersion,
			Slots:           s.buildSlots(thread.ID, thread.ProposalVersion+1, in.NewSlots),
			DeadlineAt:      deadline,
			InviteExpiresAt: inviteExpiry,
			Now:             now,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("replace proposal: %w", err)
		}
		if attempt >= s.opts.ConflictRetries {
			return nil, conflictError("thread kept changing during repropose", err)
		}
	}

	result := &ReproposeResult{
		ReproposalCount: updated.AdditionalProposeCount,
		MaxReproposals:  updated.Policy.MaxReproposals,
		NewSlotsCount:   len(slots),
		ProposalVersion: updated.ProposalVersion,
		Slots:           slots,
	}

	if updated.Status == models.ThreadSent {
		invites, err := s.store.ListInvites(ctx, updated.ID)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not load invitees to notify: %v", err))
		} else {
			result.Results = s.notifier.AnnounceReproposal(ctx, updated, slots, recipientsFor(invites), in.Message)
			result.Warnings = append(result.Warnings, notify.Warnings(result.Results)...)
		}
	}

	s.opts.Logger.Info("thread reproposed",
		"thread_id", updated.ID,
		"proposal_version", updated.ProposalVersion,
		"reproposal_count", updated.AdditionalProposeCount,
	)
	return result, nil
}

// CancelResult reports a cancellation.
type CancelResult struct {
	Thread   *models.Thread  `json:"thread"`
	Results  []notify.Result `json:"results,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Cancel moves a draft or sent thread to cancelled and tells the invitees.
func (s *Service) Cancel(ctx context.Context, organizerID, threadID string) (*CancelResult, error) {
	for attempt := 1; ; attempt++ {
		thread, err := s.loadOwnedThread(ctx, organizerID, threadID)
		if err != nil {
			return nil, err
		}
		if thread.Status.IsTerminal() {
			return nil, validationError("status", fmt.Sprintf("thread is already %s", thread.Status))
		}

		cancelled, err := s.store.CancelThread(ctx, thread.ID, thread.RowVersion, s.now())
		if errors.Is(err, database.ErrConflict) {
			if attempt >= s.opts.ConflictRetries {
				return nil, conflictError("thread kept changing during cancel", err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cancel thread: %w", err)
		}

		result := &CancelResult{Thread: cancelled}
		if thread.Status == models.ThreadSent {
			invites, err := s.store.ListInvites(ctx, thread.ID)
			if err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("could not load invitees to notify: %v", err))
			} else {
				result.Results = s.notifier.AnnounceCancellation(ctx, cancelled, recipientsFor(invites))
				result.Warnings = append(result.Warnings, notify.Warnings(result.Results)...)
			}
		}
		s.opts.Logger.Info("thread cancelled", "thread_id", thread.ID)
		return result, nil
	}
}

// ThreadDetail is the organizer's full view of a thread.
type ThreadDetail struct {
	Thread       *models.Thread       `json:"thread"`
	GroupPolicy  models.GroupPolicy   `json:"group_policy"`
	Slots        []models.Slot        `json:"slots"`
	Invites      []models.Invite      `json:"invites"`
	Finalization *models.Finalization `json:"finalization,omitempty"`
}

// Get returns a thread with its current slots and invites.
func (s *Service) Get(ctx context.Context, organizerID, threadID string) (*ThreadDetail, error) {
	thread, err := s.loadOwnedThread(ctx, organizerID, threadID)
	if err != nil {
		return nil, err
	}
	slots, err := s.store.ListSlots(ctx, thread.ID, thread.ProposalVersion)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	invites, err := s.store.ListInvites(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	detail := &ThreadDetail{Thread: thread, GroupPolicy: thread.Policy, Slots: slots, Invites: invites}
	fin, err := s.store.GetFinalization(ctx, thread.ID)
	switch {
	case err == nil:
		detail.Finalization = fin
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("load finalization: %w", err)
	}
	return detail, nil
}
