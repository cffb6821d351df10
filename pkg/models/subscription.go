package models

// UserTier represents the user subscription tier
type UserTier string

const (
	TierFree  UserTier = "free"
	TierPro   UserTier = "pro"
	TierPower UserTier = "power"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusUnpaid     SubscriptionStatus = "unpaid"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// InGoodStanding reports whether paid features may run. An empty status means the
// user never subscribed.
func (s SubscriptionStatus) InGoodStanding() bool {
	switch s {
	case StatusPastDue, StatusUnpaid, StatusCanceled:
		return false
	}
	return true
}

// UserWithSubscription represents a user with their subscription details
type UserWithSubscription struct {
	User
	Tier               UserTier           `json:"tier" db:"tier"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status,omitempty" db:"subscription_status"`
	IsLifetimeMember   bool               `json:"is_lifetime_member" db:"is_lifetime_member"`
}
