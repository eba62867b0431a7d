package types

import "time"

// SubscriptionStatus mirrors the payment provider's enumerated states.
// Stored as free text so unknown provider states survive a round trip.
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
)

// ActiveLike reports whether the status grants access on its own,
// before the paid-through date is considered.
func (s SubscriptionStatus) ActiveLike() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing
}

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonProviderSync SubscriptionChangeReason = "providerSync"
	SubscriptionChangeReasonReconcile    SubscriptionChangeReason = "reconcile"
	SubscriptionChangeReasonCancel       SubscriptionChangeReason = "cancel"
	SubscriptionChangeReasonChangeFeed   SubscriptionChangeReason = "changeFeed"
)

// Plan is the normalized price view returned to clients.
type Plan struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Interval string `json:"interval"`
}

// SubscriptionInfo is the normalized subscription view returned to clients.
type SubscriptionInfo struct {
	Active            bool               `json:"active"`
	Status            SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd bool               `json:"cancelAtPeriodEnd"`
	CurrentPeriodEnd  *time.Time         `json:"currentPeriodEnd"`
	Plan              *Plan              `json:"plan,omitempty"`
}
