// Package billing decides whether paid scheduling actions may run for an organizer.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"broadcast-scheduling-backend/pkg/models"
)

// Action names a gated operation.
type Action string

const (
	ActionRemind   Action = "remind"
	ActionFinalize Action = "finalize"
)

// Decision is the gate outcome.
type Decision struct {
	Allowed bool
	Reason  string
}

// Gate returns allow/block before a gated action executes.
type Gate interface {
	Check(ctx context.Context, organizerID string, action Action) (Decision, error)
}

// AllowAll never blocks.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, Action) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// SubscriptionLookup loads an organizer's subscription.
type SubscriptionLookup interface {
	GetUserWithSubscription(ctx context.Context, userID string) (*models.UserWithSubscription, error)
}

// ErrUnknownUser is returned by lookups that cannot find the organizer.
var ErrUnknownUser = errors.New("billing: unknown user")

// SubscriptionGate blocks organizers whose subscription is past due, unpaid or
// canceled. Lifetime members are always allowed; organizers without a user row
// are treated as free users in good standing.
type SubscriptionGate struct {
	users    SubscriptionLookup
	notFound func(error) bool
	logger   *slog.Logger
}

func NewSubscriptionGate(users SubscriptionLookup, notFound func(error) bool, logger *slog.Logger) *SubscriptionGate {
	if notFound == nil {
		notFound = func(err error) bool { return errors.Is(err, ErrUnknownUser) }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionGate{users: users, notFound: notFound, logger: logger}
}

func (g *SubscriptionGate) Check(ctx context.Context, organizerID string, action Action) (Decision, error) {
	user, err := g.users.GetUserWithSubscription(ctx, organizerID)
	if err != nil {
		if g.notFound(err) {
			return Decision{Allowed: true}, nil
		}
		return Decision{}, fmt.Errorf("load subscription: %w", err)
	}
	if user.IsLifetimeMember || user.SubscriptionStatus.InGoodStanding() {
		return Decision{Allowed: true}, nil
	}

	g.logger.Info("billing gate blocked action",
		"organizer_id", organizerID,
		"action", string(action),
		"subscription_status", string(user.SubscriptionStatus),
	)
	return Decision{
		Allowed: false,
		Reason:  fmt.Sprintf("subscription is %s; update billing to %s", user.SubscriptionStatus, action),
	}, nil
}
