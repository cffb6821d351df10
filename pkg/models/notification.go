package models

import (
	"time"

	"broadcast-scheduling-backend/pkg/identity"
)

type JobStatus string

const (
	JobQueued JobStatus = "queued"
	JobSent   JobStatus = "sent"
	JobFailed JobStatus = "failed"
)

// DeliveryJob is a fire-and-forget message for the delivery worker.
type DeliveryJob struct {
	ID        string                 `json:"job_id" db:"id"`
	Type      string                 `json:"type" db:"type"`
	Channel   ChannelType            `json:"channel" db:"channel"`
	To        string                 `json:"to" db:"recipient"`
	Subject   string                 `json:"subject" db:"subject"`
	Data      map[string]interface{} `json:"data" db:"data_json"`
	Status    JobStatus              `json:"status" db:"status"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// InboxNotification is an organizer-facing message.
type InboxNotification struct {
	ID        string                 `json:"id" db:"id"`
	UserID    string                 `json:"user_id" db:"user_id"`
	Type      string                 `json:"type" db:"type"`
	Title     string                 `json:"title" db:"title"`
	Message   string                 `json:"message" db:"message"`
	Data      map[string]interface{} `json:"data,omitempty" db:"data_json"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
	ReadAt    *time.Time             `json:"read_at,omitempty" db:"read_at"`
}

// RemindLog records one successful remind call.
type RemindLog struct {
	ID            string              `json:"id" db:"id"`
	ThreadID      string              `json:"thread_id" db:"thread_id"`
	OrganizerID   string              `json:"organizer_id" db:"organizer_id"`
	RemindedCount int                 `json:"reminded_count" db:"reminded_count"`
	InviteeKeys   []identity.Identity `json:"invitee_keys" db:"invitee_keys_json"`
	Message       string              `json:"message,omitempty" db:"message"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}
