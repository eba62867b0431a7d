package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/faceflex/membership/pkg/types"
)

// Subscription mirrors one user's billing relationship with the payment
// provider. The schema deliberately allows multiple rows per user; reads pick
// the most recently created row and apply Valid(). Rows are never hard
// deleted: cancellation sets Status to canceled.
type Subscription struct {
	ID     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string                   `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Status types.SubscriptionStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	// Provider-side identifiers used to reconcile rows back to the provider.
	StripeCustomerID     string `gorm:"column:stripe_customer_id;type:varchar(128);index" json:"stripe_customer_id"`
	StripeSubscriptionID string `gorm:"column:stripe_subscription_id;type:varchar(128);index" json:"stripe_subscription_id"`
	// CancelAtPeriodEnd means the provider will stop renewing; access runs
	// until CurrentPeriodEnd.
	CancelAtPeriodEnd bool `gorm:"column:cancel_at_period_end;not null;default:false" json:"cancel_at_period_end"`
	// CurrentPeriodEnd is the paid-through date.
	CurrentPeriodEnd *time.Time `gorm:"column:current_period_end;default:null" json:"current_period_end"`
	PlanName         string     `gorm:"column:plan_name;type:varchar(128)" json:"plan_name"`
	// Interval is the billing cadence (month, year, ...).
	Interval string `gorm:"column:interval;type:varchar(16)" json:"interval"`
	// Amount is the plan price in the currency's minor unit.
	Amount   int64  `gorm:"column:amount;not null;default:0" json:"amount"`
	Currency string `gorm:"column:currency;type:varchar(8)" json:"currency"`
	// Extra stores the raw provider snapshot from the last reconciliation.
	Extra     datatypes.JSON `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// Valid reports whether the row grants access right now: an active-like
// status with a paid-through date in the future.
func (s *Subscription) Valid() bool {
	return s.ValidAt(time.Now())
}

// ValidAt is Valid against an explicit clock, for deterministic tests.
func (s *Subscription) ValidAt(now time.Time) bool {
	return s != nil &&
		s.Status.ActiveLike() &&
		s.CurrentPeriodEnd != nil &&
		s.CurrentPeriodEnd.After(now)
}
