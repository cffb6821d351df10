// Package scheduling coordinates broadcast scheduling threads: an organizer
// proposes slots, invitees answer asynchronously, an attendance rule decides
// readiness, and a single finalization is committed.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"broadcast-scheduling-backend/pkg/billing"
	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/models"
	"broadcast-scheduling-backend/pkg/notify"
	"broadcast-scheduling-backend/pkg/utils"

	"github.com/google/uuid"
)

// Options tunes a Service. Zero values fall back to production defaults.
type Options struct {
	Now             func() time.Time
	NewID           func() string
	NewToken        func() (string, error)
	InviteTTL       time.Duration
	DefaultDeadline time.Duration
	MaxReproposals  int
	RemindCooldown  time.Duration
	// ConflictRetries bounds re-reads after an optimistic row version conflict.
	ConflictRetries int
	Logger          *slog.Logger
}

const (
	defaultInviteTTL       = 9 * 24 * time.Hour
	defaultDeadline        = 72 * time.Hour
	defaultMaxReproposals  = 2
	defaultRemindCooldown  = 60 * time.Minute
	defaultConflictRetries = 3
	inviteDeadlineBuffer   = 24 * time.Hour
	autoFinalizeReason     = "auto_finalize"
)

// Service is the scheduling coordination engine.
type Service struct {
	store    database.DatabaseInterface
	notifier *notify.Notifier
	gate     billing.Gate
	opts     Options
}

func NewService(store database.DatabaseInterface, notifier *notify.Notifier, gate billing.Gate, opts Options) *Service {
	if gate == nil {
		gate = billing.AllowAll{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.NewToken == nil {
		opts.NewToken = func() (string, error) { return utils.GenerateURLToken(24) }
	}
	if opts.InviteTTL <= 0 {
		opts.InviteTTL = defaultInviteTTL
	}
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = defaultDeadline
	}
	if opts.MaxReproposals <= 0 {
		opts.MaxReproposals = defaultMaxReproposals
	}
	if opts.RemindCooldown <= 0 {
		opts.RemindCooldown = defaultRemindCooldown
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = defaultConflictRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{store: store, notifier: notifier, gate: gate, opts: opts}
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// Caller is the authenticated principal of a request, if any.
type Caller struct {
	UserID string
	Email  string
}

func (c Caller) Authenticated() bool { return c.UserID != "" }

func (s *Service) loadThread(ctx context.Context, threadID string) (*models.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, notFoundError("thread not found")
		}
		return nil, fmt.Errorf("load thread: %w", err)
	}
	return thread, nil
}

// loadOwnedThread loads a thread and hides it from everyone but its organizer.
func (s *Service) loadOwnedThread(ctx context.Context, organizerID, threadID string) (*models.Thread, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if organizerID == "" || thread.OrganizerID != organizerID {
		return nil, threadNotVisible()
	}
	return thread, nil
}

// checkGate consults billing. A gate lookup failure does not block the action.
func (s *Service) checkGate(ctx context.Context, thread *models.Thread, action billing.Action) error {
	decision, err := s.gate.Check(ctx, thread.OrganizerID, action)
	if err != nil {
		s.opts.Logger.Warn("billing gate unavailable, allowing action",
			"thread_id", thread.ID,
			"action", string(action),
			"error", err,
		)
		return nil
	}
	if !decision.Allowed {
		return paymentRequiredError(decision.Reason)
	}
	return nil
}

func recipientsFor(invites []models.Invite) []notify.Recipient {
	out := make([]notify.Recipient, 0, len(invites))
	for _, inv := range invites {
		out = append(out, notify.RecipientFromInvite(inv))
	}
	return out
}

func (s *Service) notifyOrganizer(ctx context.Context, thread *models.Thread, kind, title, message string, data map[string]interface{}) []string {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["thread_id"] = thread.ID
	if err := s.notifier.NotifyOrganizer(ctx, thread.OrganizerID, kind, title, message, data); err != nil {
		return []string{fmt.Sprintf("organizer notification failed: %v", err)}
	}
	return nil
}
