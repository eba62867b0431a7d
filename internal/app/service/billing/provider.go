package billing

import (
	"context"
	"errors"
	"time"

	"github.com/faceflex/membership/pkg/types"
)

// ErrSubscriptionNotFound means the provider no longer knows the subscription
// id. Callers treat this as a soft cancellation, not a failure.
var ErrSubscriptionNotFound = errors.New("subscription not found at provider")

// SubscriptionDetail is the normalized provider-side view of a subscription.
type SubscriptionDetail struct {
	ID                string
	CustomerID        string
	Status            types.SubscriptionStatus
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	Plan              types.Plan
}

// AccessibleAt reports whether the subscription grants access at now:
// active, trialing, or canceled with the paid-through period not yet elapsed.
// Cancellation takes effect only at period end.
func (d *SubscriptionDetail) AccessibleAt(now time.Time) bool {
	if d == nil {
		return false
	}
	if d.Status.ActiveLike() {
		return true
	}
	return d.Status == types.SubscriptionStatusCanceled &&
		d.CurrentPeriodEnd != nil &&
		d.CurrentPeriodEnd.After(now)
}

// Provider abstracts the hosted payment processor.
type Provider interface {
	// FindCustomerSubscriptions lists the customer's subscriptions, most
	// recent first, capped at one.
	FindCustomerSubscriptions(ctx context.Context, customerID string) ([]*SubscriptionDetail, error)
	// GetSubscription fetches one subscription with its price expanded.
	// Returns ErrSubscriptionNotFound when the provider reports the id gone.
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error)
	// CancelAtPeriodEnd flags the subscription to stop renewing; access runs
	// to the end of the paid period.
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error)
	// PortalSession creates a hosted billing-portal session for the customer
	// and returns its URL.
	PortalSession(ctx context.Context, customerID string) (string, error)
}
