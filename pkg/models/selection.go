package models

import (
	"fmt"
	"strings"
	"time"

	"broadcast-scheduling-backend/pkg/identity"
)

// ResponseStatus is an invitee's answer.
type ResponseStatus string

const (
	ResponseOK    ResponseStatus = "ok"
	ResponseNo    ResponseStatus = "no"
	ResponseMaybe ResponseStatus = "maybe"
)

// ParseResponseStatus accepts the wire values and their long aliases.
func ParseResponseStatus(value string) (ResponseStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "ok", "selected":
		return ResponseOK, nil
	case "no", "declined":
		return ResponseNo, nil
	case "maybe":
		return ResponseMaybe, nil
	}
	return "", fmt.Errorf("invalid response %q: expected ok, no or maybe", value)
}

func (s ResponseStatus) IsDeclined() bool { return s == ResponseNo }

// Selection is the latest answer of one invitee on one thread.
// (thread_id, invitee_key) is unique; a new answer replaces the old one.
type Selection struct {
	ID                        string            `json:"id" db:"id"`
	ThreadID                  string            `json:"thread_id" db:"thread_id"`
	InviteeKey                identity.Identity `json:"invitee_key" db:"invitee_key"`
	Status                    ResponseStatus    `json:"status" db:"status"`
	SelectedSlotID            string            `json:"selected_slot_id,omitempty" db:"selected_slot_id"`
	Comment                   string            `json:"comment,omitempty" db:"comment"`
	RespondedAt               time.Time         `json:"responded_at" db:"responded_at"`
	ProposalVersionAtResponse int               `json:"proposal_version_at_response" db:"proposal_version_at_response"`
}

// IsCurrent reports whether the answer belongs to the given proposal generation.
func (s Selection) IsCurrent(proposalVersion int) bool {
	return s.ProposalVersionAtResponse >= proposalVersion
}
