package models

import (
	"time"

	"broadcast-scheduling-backend/pkg/identity"
)

type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteDeclined InviteStatus = "declined"
	InviteExpired  InviteStatus = "expired"
)

// ChannelType is how an invite link reaches the invitee.
type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelSlack    ChannelType = "slack"
	ChannelChatwork ChannelType = "chatwork"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSlack, ChannelChatwork:
		return true
	}
	return false
}

// Invite links one invitee to a thread through an unguessable token.
type Invite struct {
	ID            string            `json:"id" db:"id"`
	ThreadID      string            `json:"thread_id" db:"thread_id"`
	Token         string            `json:"-" db:"token"`
	Email         string            `json:"email" db:"email"`
	CandidateName string            `json:"candidate_name,omitempty" db:"candidate_name"`
	ContactID     string            `json:"contact_id,omitempty" db:"contact_id"`
	InviteeKey    identity.Identity `json:"invitee_key" db:"invitee_key"`
	Status        InviteStatus      `json:"status" db:"status"`
	ExpiresAt     time.Time         `json:"expires_at" db:"expires_at"`
	AcceptedAt    *time.Time        `json:"accepted_at,omitempty" db:"accepted_at"`
	ChannelType   ChannelType       `json:"channel_type" db:"channel_type"`
	ChannelValue  string            `json:"channel_value,omitempty" db:"channel_value"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether the invite link can no longer be used.
func (i *Invite) IsExpired(now time.Time) bool {
	return i.Status == InviteExpired || now.After(i.ExpiresAt)
}
