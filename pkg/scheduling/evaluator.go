package scheduling

import (
	"sort"

	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"
)

// Evaluation is the attendance rule verdict for the current proposal.
type Evaluation struct {
	Met               bool                `json:"met"`
	RecommendedSlotID string              `json:"recommended_slot_id,omitempty"`
	MissingRequired   []identity.Identity `json:"missing_required"`
	// Votes is the number of ok answers per current slot.
	Votes map[string]int `json:"votes"`
	// Respondents counts current, non-declined answers.
	Respondents int `json:"respondents"`
}

// Evaluate decides whether the thread's attendance rule is satisfied. It only
// reads its arguments, so callers may evaluate any snapshot concurrently.
// Answers given to an earlier proposal version are ignored.
func Evaluate(thread *models.Thread, slots []models.Slot, selections []models.Selection) Evaluation {
	current := make(map[string]models.Slot, len(slots))
	for _, slot := range slots {
		if slot.ProposalVersion == thread.ProposalVersion {
			current[slot.ID] = slot
		}
	}

	votes := make(map[string]int, len(current))
	for id := range current {
		votes[id] = 0
	}
	answered := make(map[identity.Identity]models.Selection, len(selections))
	respondents := 0
	totalVotes := 0
	for _, sel := range selections {
		if !sel.IsCurrent(thread.ProposalVersion) {
			continue
		}
		answered[sel.InviteeKey] = sel
		if !sel.Status.IsDeclined() {
			respondents++
		}
		if sel.Status == models.ResponseOK {
			if _, ok := current[sel.SelectedSlotID]; ok {
				votes[sel.SelectedSlotID]++
				totalVotes++
			}
		}
	}

	eval := Evaluation{
		MissingRequired: []identity.Identity{},
		Votes:           votes,
		Respondents:     respondents,
	}
	if totalVotes > 0 {
		eval.RecommendedSlotID = topSlot(current, votes)
	}

	switch cond := thread.Rule.Condition.(type) {
	case models.RequiredPlusQuorum:
		requiredOK := true
		for _, key := range cond.Required {
			sel, ok := answered[key]
			if !ok {
				eval.MissingRequired = append(eval.MissingRequired, key)
				requiredOK = false
				continue
			}
			if sel.Status.IsDeclined() {
				requiredOK = false
			}
		}
		eval.Met = requiredOK && respondents >= cond.QuorumCount
	case models.AnyCondition, nil:
		eval.Met = totalVotes > 0
	}
	return eval
}

// topSlot picks the most voted slot; ties go to the earliest start.
func topSlot(current map[string]models.Slot, votes map[string]int) string {
	ordered := make([]models.Slot, 0, len(current))
	for _, slot := range current {
		ordered = append(ordered, slot)
	}
	sort.Slice(ordered, func(i, j int) bool {
		vi, vj := votes[ordered[i].ID], votes[ordered[j].ID]
		if vi != vj {
			return vi > vj
		}
		if !ordered[i].StartAt.Equal(ordered[j].StartAt) {
			return ordered[i].StartAt.Before(ordered[j].StartAt)
		}
		return ordered[i].Position < ordered[j].Position
	})
	if len(ordered) == 0 {
		return ""
	}
	return ordered[0].ID
}

// pendingInvites lists invitees who still owe an answer to the current
// proposal: no answer at all, or a non-declining answer to an older version.
func pendingInvites(thread *models.Thread, invites []models.Invite, selections []models.Selection) []models.Invite {
	byKey := make(map[identity.Identity]models.Selection, len(selections))
	for _, sel := range selections {
		byKey[sel.InviteeKey] = sel
	}
	var out []models.Invite
	for _, inv := range invites {
		sel, ok := byKey[inv.InviteeKey]
		if !ok {
			out = append(out, inv)
			continue
		}
		if !sel.IsCurrent(thread.ProposalVersion) && !sel.Status.IsDeclined() {
			out = append(out, inv)
		}
	}
	return out
}
