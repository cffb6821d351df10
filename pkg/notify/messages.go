package notify

import (
	"fmt"
	"time"

	"broadcast-scheduling-backend/pkg/models"
)

// Job types understood by the delivery worker.
const (
	JobInvite       = "thread_invite"
	JobReproposal   = "thread_reproposal"
	JobReminder     = "thread_reminder"
	JobFinalized    = "thread_finalized"
	JobCancellation = "thread_cancelled"
)

// Inbox notification types.
const (
	InboxResponse  = "thread_response"
	InboxFinalized = "thread_finalized"
	InboxReminded  = "thread_reminded"
	InboxSent      = "thread_sent"
)

func inviteSubject(thread *models.Thread) string {
	return fmt.Sprintf("Scheduling request: %s", thread.Title)
}

func reproposalSubject(thread *models.Thread) string {
	return fmt.Sprintf("New times proposed: %s", thread.Title)
}

func reminderSubject(thread *models.Thread) string {
	return fmt.Sprintf("Reminder: please answer %s", thread.Title)
}

func finalizedSubject(thread *models.Thread) string {
	return fmt.Sprintf("Confirmed: %s", thread.Title)
}

func cancelledSubject(thread *models.Thread) string {
	return fmt.Sprintf("Cancelled: %s", thread.Title)
}

func slotData(slots []models.Slot) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(slots))
	for _, slot := range slots {
		out = append(out, map[string]interface{}{
			"slot_id":  slot.ID,
			"start_at": slot.StartAt.UTC().Format(time.RFC3339),
			"end_at":   slot.EndAt.UTC().Format(time.RFC3339),
			"timezone": slot.Timezone,
			"label":    slot.Label,
		})
	}
	return out
}

// FormatSlot renders a slot for inbox messages.
func FormatSlot(slot models.Slot) string {
	if slot.Label != "" {
		return slot.Label
	}
	return fmt.Sprintf("%s - %s", slot.StartAt.UTC().Format("2006-01-02 15:04"), slot.EndAt.UTC().Format("15:04 MST"))
}
