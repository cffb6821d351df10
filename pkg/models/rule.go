package models

import (
	"encoding/json"
	"fmt"

	"broadcast-scheduling-backend/pkg/identity"
)

// RuleKind is the discriminator persisted with an attendance rule.
type RuleKind string

const (
	RuleAny                RuleKind = "ANY"
	RuleRequiredPlusQuorum RuleKind = "REQUIRED_PLUS_QUORUM"
)

// Condition is the closed set of attendance conditions. Implementations live in
// this package only.
type Condition interface {
	Kind() RuleKind
	isCondition()
}

// AnyCondition is met once a single valid vote exists.
type AnyCondition struct{}

func (AnyCondition) Kind() RuleKind { return RuleAny }
func (AnyCondition) isCondition()   {}

// RequiredPlusQuorum is met when every required invitee has answered without
// declining and enough invitees answered without declining.
type RequiredPlusQuorum struct {
	Required    []identity.Identity
	QuorumCount int
}

func (RequiredPlusQuorum) Kind() RuleKind { return RuleRequiredPlusQuorum }
func (RequiredPlusQuorum) isCondition()   {}

// AttendanceRule is a versioned condition.
type AttendanceRule struct {
	Version   int
	Condition Condition
}

type ruleJSON struct {
	Type        RuleKind            `json:"type"`
	Version     int                 `json:"version"`
	Required    []identity.Identity `json:"required,omitempty"`
	QuorumCount int                 `json:"quorum_count,omitempty"`
}

func (r AttendanceRule) MarshalJSON() ([]byte, error) {
	out := ruleJSON{Version: r.Version}
	switch c := r.Condition.(type) {
	case nil, AnyCondition:
		out.Type = RuleAny
	case RequiredPlusQuorum:
		out.Type = RuleRequiredPlusQuorum
		out.Required = c.Required
		out.QuorumCount = c.QuorumCount
	default:
		return nil, fmt.Errorf("unsupported attendance condition %T", c)
	}
	return json.Marshal(out)
}

func (r *AttendanceRule) UnmarshalJSON(data []byte) error {
	var in ruleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Version = in.Version
	switch in.Type {
	case RuleAny, "":
		r.Condition = AnyCondition{}
	case RuleRequiredPlusQuorum:
		r.Condition = RequiredPlusQuorum{Required: in.Required, QuorumCount: in.QuorumCount}
	default:
		return fmt.Errorf("unknown attendance rule type %q", in.Type)
	}
	return nil
}

// RuleForPolicy derives the attendance rule a policy implies. invitees is only
// consulted by all_required.
func RuleForPolicy(policy GroupPolicy, invitees []identity.Identity, version int) AttendanceRule {
	quorum := 0
	if policy.QuorumCount != nil {
		quorum = *policy.QuorumCount
	}
	var cond Condition
	switch policy.FinalizePolicy {
	case PolicyQuorum:
		if quorum < 1 {
			quorum = 1
		}
		cond = RequiredPlusQuorum{QuorumCount: quorum}
	case PolicyRequiredPeople:
		required := append([]identity.Identity(nil), policy.RequiredInviteeKeys...)
		if quorum < len(required) {
			quorum = len(required)
		}
		cond = RequiredPlusQuorum{Required: required, QuorumCount: quorum}
	case PolicyAllRequired:
		required := append([]identity.Identity(nil), invitees...)
		cond = RequiredPlusQuorum{Required: required, QuorumCount: len(required)}
	default:
		cond = AnyCondition{}
	}
	return AttendanceRule{Version: version, Condition: cond}
}
