package domain

import "time"

// Balance is the two-bucket credit balance of a user.
type Balance struct {
	Subscription int `json:"subscription_credits"`
	Purchased    int `json:"purchased_credits"`
}

// Available is the externally visible credit total.
func (b Balance) Available() int {
	return b.Subscription + b.Purchased
}

// Profile carries the ledger row of one user plus the billing fields owned
// by the payment provider.
type Profile struct {
	UserID               string
	Balance              Balance
	HasFirstSubscription bool
	SignupBonusGranted   bool
	Plan                 string
	SubscriptionStatus   string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// BalanceEvent is published whenever a user's balance changes.
type BalanceEvent struct {
	UserID string `json:"user_id"`
	Balance
	Available int `json:"available"`
}

// NewBalanceEvent builds the event for the given balance.
func NewBalanceEvent(userID string, b Balance) BalanceEvent {
	return BalanceEvent{UserID: userID, Balance: b, Available: b.Available()}
}
