package handlers

import (
	"time"

	types "github.com/faceflex/membership/pkg/types"
)

// ErrorResponse is the ad hoc error shape returned by the subscription routes.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CheckRequest documents the optional ids accepted by the check route.
type CheckRequest struct {
	UserID           string `json:"userId"`
	StripeCustomerID string `json:"stripeCustomerId"`
	SubscriptionID   string `json:"subscriptionId"`
}

// SyncRequest documents the sync route body.
type SyncRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	UserID         string `json:"userId"`
}

// PortalRequest documents the customer-portal route body.
type PortalRequest struct {
	UserID           string `json:"userId"`
	StripeCustomerID string `json:"stripeCustomerId"`
}

// SubscriptionInfoResponse is the normalized status view returned by check.
type SubscriptionInfoResponse struct {
	Active            bool        `json:"active"`
	Status            string      `json:"status"`
	CancelAtPeriodEnd bool        `json:"cancelAtPeriodEnd"`
	CurrentPeriodEnd  *time.Time  `json:"currentPeriodEnd"`
	Plan              *types.Plan `json:"plan,omitempty"`
	Message           string      `json:"message,omitempty"`
}

// CancelResponse wraps the post-cancel subscription state.
type CancelResponse struct {
	Success      bool                     `json:"success"`
	Subscription SubscriptionInfoResponse `json:"subscription"`
}

// SyncResponse acknowledges a scheduled provider sync.
type SyncResponse struct {
	Queued         bool   `json:"queued"`
	SubscriptionID string `json:"subscriptionId"`
}

// PortalResponse carries the provider-hosted billing portal URL.
type PortalResponse struct {
	URL string `json:"url"`
}
