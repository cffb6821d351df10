package models

import (
	"time"

	"broadcast-scheduling-backend/pkg/identity"
)

// ThreadStatus is the lifecycle state of a scheduling thread.
type ThreadStatus string

const (
	ThreadDraft     ThreadStatus = "draft"
	ThreadSent      ThreadStatus = "sent"
	ThreadConfirmed ThreadStatus = "confirmed"
	ThreadCancelled ThreadStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s ThreadStatus) IsTerminal() bool {
	return s == ThreadConfirmed || s == ThreadCancelled
}

// ThreadKind tells whether every invitee is a logged-in user.
type ThreadKind string

const (
	ThreadInternal ThreadKind = "internal"
	ThreadExternal ThreadKind = "external"
)

// ScheduleMode describes how candidate times are produced.
type ScheduleMode string

const (
	// ModeFixed proposes exactly one time; invitees confirm or decline it.
	ModeFixed ScheduleMode = "fixed"
	// ModeCandidates proposes several times to vote on.
	ModeCandidates ScheduleMode = "candidates"
	// ModeOpen starts without candidates; slots arrive with a later proposal.
	ModeOpen ScheduleMode = "open"
)

func (m ScheduleMode) Valid() bool {
	switch m {
	case ModeFixed, ModeCandidates, ModeOpen:
		return true
	}
	return false
}

// RequiresSlots reports whether prepare must receive candidate slots.
func (m ScheduleMode) RequiresSlots() bool {
	return m == ModeFixed || m == ModeCandidates
}

// FinalizePolicy is the organizer-facing name of the attendance rule.
type FinalizePolicy string

const (
	PolicyOrganizerDecides FinalizePolicy = "organizer_decides"
	PolicyQuorum           FinalizePolicy = "quorum"
	PolicyRequiredPeople   FinalizePolicy = "required_people"
	PolicyAllRequired      FinalizePolicy = "all_required"
)

func (p FinalizePolicy) Valid() bool {
	switch p {
	case PolicyOrganizerDecides, PolicyQuorum, PolicyRequiredPeople, PolicyAllRequired:
		return true
	}
	return false
}

// GroupPolicy holds the negotiation settings chosen at prepare time.
type GroupPolicy struct {
	Mode                ScheduleMode        `json:"mode"`
	DeadlineAt          *time.Time          `json:"deadline_at,omitempty"`
	FinalizePolicy      FinalizePolicy      `json:"finalize_policy"`
	AutoFinalize        bool                `json:"auto_finalize"`
	MaxReproposals      int                 `json:"max_reproposals"`
	QuorumCount         *int                `json:"quorum_count,omitempty"`
	RequiredInviteeKeys []identity.Identity `json:"required_invitee_keys,omitempty"`
	ParticipantLimit    *int                `json:"participant_limit,omitempty"`
}

// Thread is one scheduling negotiation owned by an organizer.
type Thread struct {
	ID                     string         `json:"id" db:"id"`
	OrganizerID            string         `json:"organizer_id" db:"organizer_id"`
	Title                  string         `json:"title" db:"title"`
	Description            string         `json:"description,omitempty" db:"description"`
	Status                 ThreadStatus   `json:"status" db:"status"`
	Kind                   ThreadKind     `json:"kind" db:"kind"`
	ProposalVersion        int            `json:"proposal_version" db:"proposal_version"`
	AdditionalProposeCount int            `json:"additional_propose_count" db:"additional_propose_count"`
	Policy                 GroupPolicy    `json:"group_policy" db:"policy_json"`
	Rule                   AttendanceRule `json:"attendance_rule" db:"rule_json"`
	// RowVersion changes on every thread mutation and guards conditional writes.
	RowVersion int64     `json:"-" db:"row_version"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Slot is a candidate time window of one proposal generation.
type Slot struct {
	ID              string    `json:"slot_id" db:"id"`
	ThreadID        string    `json:"thread_id" db:"thread_id"`
	StartAt         time.Time `json:"start_at" db:"start_at"`
	EndAt           time.Time `json:"end_at" db:"end_at"`
	Timezone        string    `json:"timezone,omitempty" db:"timezone"`
	Label           string    `json:"label,omitempty" db:"label"`
	ProposalVersion int       `json:"proposal_version" db:"proposal_version"`
	Position        int       `json:"-" db:"position"`
}

// SlotInput is a candidate slot as submitted by the organizer.
type SlotInput struct {
	StartAt  time.Time `json:"start_at" validate:"required"`
	EndAt    time.Time `json:"end_at" validate:"required"`
	Timezone string    `json:"timezone,omitempty"`
	Label    string    `json:"label,omitempty" validate:"max=200"`
}
