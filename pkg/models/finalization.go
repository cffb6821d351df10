package models

import (
	"time"

	"broadcast-scheduling-backend/pkg/identity"
)

// MeetingRef points at a calendar event created for the final slot.
type MeetingRef struct {
	Provider   string `json:"provider"`
	URL        string `json:"url"`
	ExternalID string `json:"external_id,omitempty"`
}

// Finalization is the single immutable outcome of a thread.
type Finalization struct {
	ThreadID          string              `json:"thread_id" db:"thread_id"`
	FinalSlotID       string              `json:"final_slot_id" db:"final_slot_id"`
	Policy            FinalizePolicy      `json:"finalize_policy" db:"finalize_policy"`
	FinalizedBy       string              `json:"finalized_by" db:"finalized_by"`
	Reason            string              `json:"reason,omitempty" db:"reason"`
	FinalizedAt       time.Time           `json:"finalized_at" db:"finalized_at"`
	FinalParticipants []identity.Identity `json:"final_participants" db:"final_participants_json"`
	Meeting           *MeetingRef         `json:"meeting,omitempty" db:"meeting_json"`
}

type MemberRole string

const (
	MemberOrganizer   MemberRole = "organizer"
	MemberParticipant MemberRole = "participant"
)

// ThreadMembership records that a user takes part in a confirmed thread.
type ThreadMembership struct {
	ThreadID  string     `json:"thread_id" db:"thread_id"`
	UserID    string     `json:"user_id" db:"user_id"`
	Role      MemberRole `json:"role" db:"role"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
