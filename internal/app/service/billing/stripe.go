package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	"github.com/stripe/stripe-go/v82/subscription"
	"go.uber.org/zap"

	"github.com/faceflex/membership/pkg/config"
	"github.com/faceflex/membership/pkg/types"
)

// defaults applied to incomplete provider price data, kept for compatibility
// with existing clients that render these fields unconditionally
const (
	defaultInterval = "month"
	defaultCurrency = "usd"
)

// StripeProvider implements Provider against the Stripe API.
type StripeProvider struct {
	cfg *config.Config
	log *zap.SugaredLogger
}

func NewStripeProvider(cfg *config.Config, log *zap.SugaredLogger) Provider {
	stripe.Key = cfg.Stripe.SecretKey
	return &StripeProvider{cfg: cfg, log: log}
}

func (p *StripeProvider) FindCustomerSubscriptions(ctx context.Context, customerID string) ([]*SubscriptionDetail, error) {
	if customerID == "" {
		return nil, fmt.Errorf("customer id is empty")
	}
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	params.AddExpand("data.items.data.price")

	iter := subscription.List(params)
	var out []*SubscriptionDetail
	for iter.Next() {
		out = append(out, p.normalize(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list customer subscriptions: %w", err)
	}
	return out, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription id is empty")
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price")

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return p.normalize(sub), nil
}

func (p *StripeProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	params.AddExpand("items.data.price")

	sub, err := subscription.Update(subscriptionID, params)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return p.normalize(sub), nil
}

func (p *StripeProvider) PortalSession(ctx context.Context, customerID string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.cfg.Stripe.PortalReturnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create billing portal session: %w", err)
	}
	return sess.URL, nil
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing ||
			stripeErr.HTTPStatusCode == http.StatusNotFound
	}
	return false
}

// normalize maps a raw Stripe subscription to the provider-neutral detail.
// Missing price fields fall back to fixed values so downstream rendering
// never breaks on incomplete provider data.
func (p *StripeProvider) normalize(sub *stripe.Subscription) *SubscriptionDetail {
	return NormalizeStripeSubscription(sub, p.cfg.Stripe.FallbackAmountCents)
}

// NormalizeStripeSubscription is exported for tests and keeps the defaulting
// rules in one place: interval "month", a fixed fallback amount, currency
// "usd".
func NormalizeStripeSubscription(sub *stripe.Subscription, fallbackAmountCents int64) *SubscriptionDetail {
	if sub == nil {
		return nil
	}

	d := &SubscriptionDetail{
		ID:                sub.ID,
		Status:            types.SubscriptionStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Plan: types.Plan{
			Interval: defaultInterval,
			Amount:   fallbackAmountCents,
			Currency: defaultCurrency,
		},
	}
	if sub.Customer != nil {
		d.CustomerID = sub.Customer.ID
	}

	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return d
	}
	item := sub.Items.Data[0]

	if item.CurrentPeriodEnd > 0 {
		t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
		d.CurrentPeriodEnd = &t
	}

	price := item.Price
	if price == nil {
		return d
	}
	d.Plan.ID = price.ID
	if price.Nickname != "" {
		d.Plan.Name = price.Nickname
	} else if price.Product != nil && price.Product.Name != "" {
		d.Plan.Name = price.Product.Name
	}
	if price.Recurring != nil && price.Recurring.Interval != "" {
		d.Plan.Interval = string(price.Recurring.Interval)
	}
	if price.UnitAmount != 0 {
		d.Plan.Amount = price.UnitAmount
	}
	if price.Currency != "" {
		d.Plan.Currency = string(price.Currency)
	}
	return d
}
