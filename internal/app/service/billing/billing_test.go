package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/faceflex/membership/pkg/types"
)

const fallbackCents = int64(999)

func fixtureSub(mutate func(*stripe.Subscription)) *stripe.Subscription {
	sub := &stripe.Subscription{
		ID:                "sub_1",
		Status:            stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd: false,
		Customer:          &stripe.Customer{ID: "cus_1"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour).Unix(),
					Price: &stripe.Price{
						ID:         "price_1",
						Nickname:   "Glow Pro",
						UnitAmount: 1299,
						Currency:   stripe.CurrencyEUR,
						Recurring:  &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalYear},
					},
				},
			},
		},
	}
	if mutate != nil {
		mutate(sub)
	}
	return sub
}

func TestNormalizeStripeSubscription_FullPrice(t *testing.T) {
	d := NormalizeStripeSubscription(fixtureSub(nil), fallbackCents)
	require.NotNil(t, d)
	assert.Equal(t, "sub_1", d.ID)
	assert.Equal(t, "cus_1", d.CustomerID)
	assert.Equal(t, types.SubscriptionStatusActive, d.Status)
	require.NotNil(t, d.CurrentPeriodEnd)
	assert.Equal(t, types.Plan{
		ID:       "price_1",
		Name:     "Glow Pro",
		Amount:   1299,
		Currency: "eur",
		Interval: "year",
	}, d.Plan)
}

func TestNormalizeStripeSubscription_Defaults(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*stripe.Subscription)
		check  func(t *testing.T, d *SubscriptionDetail)
	}{
		{
			name:   "missing recurring interval defaults to month",
			mutate: func(s *stripe.Subscription) { s.Items.Data[0].Price.Recurring = nil },
			check: func(t *testing.T, d *SubscriptionDetail) {
				assert.Equal(t, "month", d.Plan.Interval)
			},
		},
		{
			name:   "missing unit amount defaults to fallback cents",
			mutate: func(s *stripe.Subscription) { s.Items.Data[0].Price.UnitAmount = 0 },
			check: func(t *testing.T, d *SubscriptionDetail) {
				assert.Equal(t, fallbackCents, d.Plan.Amount)
			},
		},
		{
			name:   "missing currency defaults to usd",
			mutate: func(s *stripe.Subscription) { s.Items.Data[0].Price.Currency = "" },
			check: func(t *testing.T, d *SubscriptionDetail) {
				assert.Equal(t, "usd", d.Plan.Currency)
			},
		},
		{
			name:   "missing price object keeps all defaults",
			mutate: func(s *stripe.Subscription) { s.Items.Data[0].Price = nil },
			check: func(t *testing.T, d *SubscriptionDetail) {
				assert.Equal(t, "month", d.Plan.Interval)
				assert.Equal(t, fallbackCents, d.Plan.Amount)
				assert.Equal(t, "usd", d.Plan.Currency)
			},
		},
		{
			name:   "missing items keeps defaults and no period end",
			mutate: func(s *stripe.Subscription) { s.Items = nil },
			check: func(t *testing.T, d *SubscriptionDetail) {
				assert.Nil(t, d.CurrentPeriodEnd)
				assert.Equal(t, "month", d.Plan.Interval)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NormalizeStripeSubscription(fixtureSub(tt.mutate), fallbackCents)
			require.NotNil(t, d)
			tt.check(t, d)
		})
	}
}

func TestSubscriptionDetail_AccessibleAt(t *testing.T) {
	now := time.Now()
	oneSecFuture := now.Add(time.Second)
	oneSecPast := now.Add(-time.Second)

	tests := []struct {
		name   string
		detail *SubscriptionDetail
		want   bool
	}{
		{name: "nil detail", detail: nil, want: false},
		{name: "active", detail: &SubscriptionDetail{Status: types.SubscriptionStatusActive}, want: true},
		{name: "trialing", detail: &SubscriptionDetail{Status: types.SubscriptionStatusTrialing}, want: true},
		{
			name:   "canceled one second before period end",
			detail: &SubscriptionDetail{Status: types.SubscriptionStatusCanceled, CurrentPeriodEnd: &oneSecFuture},
			want:   true,
		},
		{
			name:   "canceled one second after period end",
			detail: &SubscriptionDetail{Status: types.SubscriptionStatusCanceled, CurrentPeriodEnd: &oneSecPast},
			want:   false,
		},
		{name: "canceled without period end", detail: &SubscriptionDetail{Status: types.SubscriptionStatusCanceled}, want: false},
		{name: "past_due", detail: &SubscriptionDetail{Status: types.SubscriptionStatusPastDue, CurrentPeriodEnd: &oneSecFuture}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.detail.AccessibleAt(now))
		})
	}
}
