// Package notify fans scheduling events out to invitees and organizers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"

	"github.com/google/uuid"
)

// Result statuses.
const (
	ResultQueued = "queued"
	ResultFailed = "failed"
)

// Result is the delivery outcome for one recipient.
type Result struct {
	InviteeKey identity.Identity `json:"invitee_key"`
	Email      string            `json:"email"`
	Status     string            `json:"status"`
	JobID      string            `json:"job_id,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Status == ResultQueued }

// Warnings renders the failed results as human readable warnings.
func Warnings(results []Result) []string {
	var out []string
	for _, r := range results {
		if !r.OK() {
			out = append(out, fmt.Sprintf("delivery to %s failed: %s", r.InviteeKey, r.Error))
		}
	}
	return out
}

// CountQueued counts successful deliveries.
func CountQueued(results []Result) int {
	n := 0
	for _, r := range results {
		if r.OK() {
			n++
		}
	}
	return n
}

// Recipient is one addressable invitee.
type Recipient struct {
	InviteeKey   identity.Identity
	Email        string
	Name         string
	Channel      models.ChannelType
	ChannelValue string
	Token        string
}

// RecipientFromInvite builds a recipient from an invite row.
func RecipientFromInvite(inv models.Invite) Recipient {
	return Recipient{
		InviteeKey:   inv.InviteeKey,
		Email:        inv.Email,
		Name:         inv.CandidateName,
		Channel:      inv.ChannelType,
		ChannelValue: inv.ChannelValue,
		Token:        inv.Token,
	}
}

func (r Recipient) address() (models.ChannelType, string) {
	if r.Channel != "" && r.Channel != models.ChannelEmail && r.ChannelValue != "" {
		return r.Channel, r.ChannelValue
	}
	return models.ChannelEmail, r.Email
}

// Options configures a Notifier.
type Options struct {
	BaseURL     string
	Concurrency int
	NewID       func() string
	Now         func() time.Time
	Logger      *slog.Logger
}

// Notifier delivers scheduling messages with bounded concurrency.
type Notifier struct {
	queue    Queue
	inbox    Inbox
	calendar Calendar
	opts     Options
}

func New(queue Queue, inbox Inbox, calendar Calendar, opts Options) *Notifier {
	if calendar == nil {
		calendar = NoopCalendar{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Notifier{queue: queue, inbox: inbox, calendar: calendar, opts: opts}
}

// InviteURL is the link an invitee follows to answer.
func (n *Notifier) InviteURL(token string) string {
	return n.opts.BaseURL + "/i/" + token
}

func (n *Notifier) deliver(ctx context.Context, jobType string, recipients []Recipient, build func(r Recipient, job *models.DeliveryJob)) []Result {
	results := make([]Result, len(recipients))
	jobIDs := make([]string, len(recipients))
	for i := range recipients {
		jobIDs[i] = n.opts.NewID()
	}

	indexes := make([]int, len(recipients))
	for i := range indexes {
		indexes[i] = i
	}
	errs := Each(ctx, n.opts.Concurrency, indexes, func(ctx context.Context, i int) error {
		r := recipients[i]
		channel, to := r.address()
		job := &models.DeliveryJob{
			ID:        jobIDs[i],
			Type:      jobType,
			Channel:   channel,
			To:        to,
			Status:    models.JobQueued,
			CreatedAt: n.opts.Now().UTC(),
			Data:      map[string]interface{}{"invitee_key": r.InviteeKey.String(), "name": r.Name},
		}
		build(r, job)
		return n.queue.Enqueue(ctx, job)
	})

	for i, r := range recipients {
		results[i] = Result{InviteeKey: r.InviteeKey, Email: r.Email, Status: ResultQueued, JobID: jobIDs[i]}
		if errs[i] != nil {
			results[i].Status = ResultFailed
			results[i].JobID = ""
			results[i].Error = errs[i].Error()
			n.opts.Logger.Warn("delivery failed",
				"job_type", jobType,
				"invitee_key", r.InviteeKey.String(),
				"error", errs[i],
			)
		}
	}
	return results
}

// SendInvites delivers the initial invite link to every recipient.
func (n *Notifier) SendInvites(ctx context.Context, thread *models.Thread, slots []models.Slot, recipients []Recipient) []Result {
	return n.deliver(ctx, JobInvite, recipients, func(r Recipient, job *models.DeliveryJob) {
		job.Subject = inviteSubject(thread)
		job.Data["thread_id"] = thread.ID
		job.Data["title"] = thread.Title
		job.Data["description"] = thread.Description
		job.Data["invite_url"] = n.InviteURL(r.Token)
		job.Data["slots"] = slotData(slots)
		if thread.Policy.DeadlineAt != nil {
			job.Data["deadline_at"] = thread.Policy.DeadlineAt.UTC().Format(time.RFC3339)
		}
	})
}

// AnnounceReproposal tells every invitee that a new set of times replaced the old one.
func (n *Notifier) AnnounceReproposal(ctx context.Context, thread *models.Thread, slots []models.Slot, recipients []Recipient, message string) []Result {
	return n.deliver(ctx, JobReproposal, recipients, func(r Recipient, job *models.DeliveryJob) {
		job.Subject = reproposalSubject(thread)
		job.Data["thread_id"] = thread.ID
		job.Data["title"] = thread.Title
		job.Data["invite_url"] = n.InviteURL(r.Token)
		job.Data["proposal_version"] = thread.ProposalVersion
		job.Data["slots"] = slotData(slots)
		job.Data["message"] = message
	})
}

// SendReminders nudges pending invitees.
func (n *Notifier) SendReminders(ctx context.Context, thread *models.Thread, recipients []Recipient, message string) []Result {
	return n.deliver(ctx, JobReminder, recipients, func(r Recipient, job *models.DeliveryJob) {
		job.Subject = reminderSubject(thread)
		job.Data["thread_id"] = thread.ID
		job.Data["title"] = thread.Title
		job.Data["invite_url"] = n.InviteURL(r.Token)
		job.Data["message"] = message
	})
}

// AnnounceFinalization sends the confirmed time to each final participant.
func (n *Notifier) AnnounceFinalization(ctx context.Context, thread *models.Thread, slot models.Slot, meeting *models.MeetingRef, recipients []Recipient) []Result {
	return n.deliver(ctx, JobFinalized, recipients, func(r Recipient, job *models.DeliveryJob) {
		job.Subject = finalizedSubject(thread)
		job.Data["thread_id"] = thread.ID
		job.Data["title"] = thread.Title
		job.Data["slot"] = slotData([]models.Slot{slot})[0]
		if meeting != nil {
			job.Data["meeting_url"] = meeting.URL
		}
	})
}

// AnnounceCancellation tells invitees the thread was called off.
func (n *Notifier) AnnounceCancellation(ctx context.Context, thread *models.Thread, recipients []Recipient) []Result {
	return n.deliver(ctx, JobCancellation, recipients, func(r Recipient, job *models.DeliveryJob) {
		job.Subject = cancelledSubject(thread)
		job.Data["thread_id"] = thread.ID
		job.Data["title"] = thread.Title
	})
}

// NotifyOrganizer writes one inbox entry.
func (n *Notifier) NotifyOrganizer(ctx context.Context, userID, kind, title, message string, data map[string]interface{}) error {
	if data == nil {
		data = map[string]interface{}{}
	}
	entry := &models.InboxNotification{
		ID:        n.opts.NewID(),
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: n.opts.Now().UTC(),
	}
	if err := n.inbox.Put(ctx, entry); err != nil {
		n.opts.Logger.Warn("inbox write failed", "user_id", userID, "type", kind, "error", err)
		return err
	}
	return nil
}

// CreateMeeting asks the calendar for a meeting link. A nil ref with a nil
// error means no calendar is configured.
func (n *Notifier) CreateMeeting(ctx context.Context, req MeetingRequest) (*models.MeetingRef, error) {
	return n.calendar.CreateMeeting(ctx, req)
}
