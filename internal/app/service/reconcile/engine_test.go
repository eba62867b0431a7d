package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/faceflex/membership/internal/app/service/billing"
	"github.com/faceflex/membership/internal/app/service/subscription"
	"github.com/faceflex/membership/internal/models"
	"github.com/faceflex/membership/pkg/config"
	"github.com/faceflex/membership/pkg/types"
)

// stubStore is an in-memory subscription.Store with call counters.
type stubStore struct {
	mu        sync.Mutex
	rows      map[string][]*models.Subscription // userID -> rows
	reads     int
	upserts   []*models.Subscription
	canceled  []string
	upsertErr error
}

var _ subscription.Store = (*stubStore)(nil)

func newStubStore() *stubStore {
	return &stubStore{rows: make(map[string][]*models.Subscription)}
}

func (s *stubStore) add(rec *models.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.UserID] = append(s.rows[rec.UserID], rec)
}

func (s *stubStore) GetLatestValid(_ context.Context, userID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return subscription.LatestValid(subscription.Newest(s.rows[userID]), time.Now()), nil
}

func (s *stubStore) GetLatest(_ context.Context, userID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return subscription.Newest(s.rows[userID]), nil
}

func (s *stubStore) Upsert(_ context.Context, rec *models.Subscription, _ types.SubscriptionChangeReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, rec)

	if rec.StripeSubscriptionID != "" {
		for _, rows := range s.rows {
			for i, existing := range rows {
				if existing.StripeSubscriptionID == rec.StripeSubscriptionID {
					rec.CreatedAt = existing.CreatedAt
					rows[i] = rec
					return nil
				}
			}
		}
	}
	rec.CreatedAt = time.Now()
	s.rows[rec.UserID] = append(s.rows[rec.UserID], rec)
	return nil
}

func (s *stubStore) MarkCanceledByProviderID(_ context.Context, providerSubID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, providerSubID)
	for _, rows := range s.rows {
		for _, rec := range rows {
			if rec.StripeSubscriptionID == providerSubID {
				rec.Status = types.SubscriptionStatusCanceled
			}
		}
	}
	return nil
}

func (s *stubStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *stubStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Reconcile = config.ReconcileConfig{
		CacheTTL:              time.Minute,
		ProviderCheckInterval: time.Hour,
		SyncDebounce:          5 * time.Millisecond,
		SyncMaxRetries:        2,
	}
	cfg.Stripe.FallbackAmountCents = 999
	return cfg
}

func newTestEngine(store *stubStore, provider billing.Provider) *Engine {
	return NewEngine(testConfig(), zap.NewNop().Sugar(), store, provider)
}

func futureTime(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func TestGet_LocalHitSkipsProvider(t *testing.T) {
	store := newStubStore()
	provider := billing.NewMockProvider()
	store.add(&models.Subscription{
		UserID:               "user-1",
		Status:               types.SubscriptionStatusActive,
		StripeSubscriptionID: "sub_1",
		StripeCustomerID:     "cus_1",
		CurrentPeriodEnd:     futureTime(24 * time.Hour),
		PlanName:             "Glow Pro",
		CreatedAt:            time.Now().Add(-time.Hour),
	})
	e := newTestEngine(store, provider)

	info, err := e.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, types.SubscriptionStatusActive, info.Status)
	assert.Equal(t, "Glow Pro", info.Plan.Name)
	assert.Zero(t, provider.GetCalls)
	assert.Zero(t, provider.FindCalls)
}

func TestGet_CachedFreshSkipsStore(t *testing.T) {
	store := newStubStore()
	store.add(&models.Subscription{
		UserID:               "user-1",
		Status:               types.SubscriptionStatusTrialing,
		StripeSubscriptionID: "sub_1",
		CurrentPeriodEnd:     futureTime(24 * time.Hour),
	})
	e := newTestEngine(store, billing.NewMockProvider())

	_, err := e.Get(context.Background(), "user-1")
	require.NoError(t, err)
	readsAfterFirst := store.readCount()

	info, err := e.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, readsAfterFirst, store.readCount())
}

func TestGet_LocalMissSynthesizesProviderRow(t *testing.T) {
	store := newStubStore()
	// Expired row keeps the customer id around but fails validity.
	store.add(&models.Subscription{
		UserID:               "user-1",
		Status:               types.SubscriptionStatusCanceled,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_old",
		CurrentPeriodEnd:     futureTime(-24 * time.Hour),
	})
	provider := billing.NewMockProvider()
	provider.Put(&billing.SubscriptionDetail{
		ID:               "sub_new",
		CustomerID:       "cus_1",
		Status:           types.SubscriptionStatusActive,
		CurrentPeriodEnd: futureTime(30 * 24 * time.Hour),
		Plan:             types.Plan{ID: "price_1", Name: "Glow Pro", Amount: 1299, Currency: "usd", Interval: "month"},
	})
	e := newTestEngine(store, provider)

	info, err := e.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, info.Active)

	require.Equal(t, 1, store.upsertCount())
	assert.Equal(t, "sub_new", store.upserts[0].StripeSubscriptionID)
	assert.Equal(t, "user-1", store.upserts[0].UserID)
}

func TestGet_NoSubscriptionAnywhere(t *testing.T) {
	store := newStubStore()
	provider := billing.NewMockProvider()
	e := newTestEngine(store, provider)

	info, err := e.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, info.Active)
	assert.Zero(t, provider.FindCalls)

	// Negative result is cached: the second call does not touch the store.
	reads := store.readCount()
	info, err = e.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, info.Active)
	assert.Equal(t, reads, store.readCount())
}

func TestGet_ProviderFailureSurfacesAsNoSubscription(t *testing.T) {
	store := newStubStore()
	store.add(&models.Subscription{
		UserID:           "user-1",
		Status:           types.SubscriptionStatusCanceled,
		StripeCustomerID: "cus_1",
		CurrentPeriodEnd: futureTime(-time.Hour),
	})
	provider := billing.NewMockProvider()
	provider.FindErr = errors.New("network down")
	e := newTestEngine(store, provider)

	info, err := e.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, info.Active)
}

func TestCheckSubscription_Idempotent(t *testing.T) {
	store := newStubStore()
	provider := billing.NewMockProvider()
	provider.Put(&billing.SubscriptionDetail{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Status:           types.SubscriptionStatusActive,
		CurrentPeriodEnd: futureTime(30 * 24 * time.Hour),
		Plan:             types.Plan{ID: "price_1", Interval: "month", Currency: "usd", Amount: 999},
	})
	e := newTestEngine(store, provider)

	first, found, err := e.CheckSubscription(context.Background(), "user-1", "sub_1")
	require.NoError(t, err)
	require.True(t, found)

	second, found, err := e.CheckSubscription(context.Background(), "user-1", "sub_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.Active, second.Active)
}

func TestCheckSubscription_CanceledBoundary(t *testing.T) {
	tests := []struct {
		name       string
		periodEnd  *time.Time
		wantActive bool
	}{
		{name: "one second in the future", periodEnd: futureTime(time.Second), wantActive: true},
		{name: "one second in the past", periodEnd: futureTime(-time.Second), wantActive: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := billing.NewMockProvider()
			provider.Put(&billing.SubscriptionDetail{
				ID:               "sub_1",
				Status:           types.SubscriptionStatusCanceled,
				CurrentPeriodEnd: tt.periodEnd,
			})
			e := newTestEngine(newStubStore(), provider)

			info, found, err := e.CheckSubscription(context.Background(), "user-1", "sub_1")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tt.wantActive, info.Active)
		})
	}
}

func TestCheckSubscription_NotFoundSoftFail(t *testing.T) {
	store := newStubStore()
	store.add(&models.Subscription{
		UserID:               "user-1",
		Status:               types.SubscriptionStatusActive,
		StripeSubscriptionID: "sub_gone",
		CurrentPeriodEnd:     futureTime(24 * time.Hour),
	})
	e := newTestEngine(store, billing.NewMockProvider())

	info, found, err := e.CheckSubscription(context.Background(), "user-1", "sub_gone")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, info.Active)

	require.Contains(t, store.canceled, "sub_gone")
	assert.Equal(t, types.SubscriptionStatusCanceled, store.rows["user-1"][0].Status)
}

func TestCancel(t *testing.T) {
	t.Run("no subscription", func(t *testing.T) {
		e := newTestEngine(newStubStore(), billing.NewMockProvider())
		_, err := e.Cancel(context.Background(), "user-1")
		require.ErrorIs(t, err, ErrNoSubscription)
	})

	t.Run("flags cancel at period end", func(t *testing.T) {
		store := newStubStore()
		store.add(&models.Subscription{
			UserID:               "user-1",
			Status:               types.SubscriptionStatusActive,
			StripeSubscriptionID: "sub_1",
			StripeCustomerID:     "cus_1",
			CurrentPeriodEnd:     futureTime(24 * time.Hour),
		})
		provider := billing.NewMockProvider()
		provider.Put(&billing.SubscriptionDetail{
			ID:               "sub_1",
			CustomerID:       "cus_1",
			Status:           types.SubscriptionStatusActive,
			CurrentPeriodEnd: futureTime(24 * time.Hour),
		})
		e := newTestEngine(store, provider)

		info, err := e.Cancel(context.Background(), "user-1")
		require.NoError(t, err)
		assert.True(t, info.CancelAtPeriodEnd)
		// still active until period end
		assert.True(t, info.Active)
		assert.Equal(t, 1, provider.CancelCalls)
		require.Equal(t, 1, store.upsertCount())
		assert.True(t, store.upserts[0].CancelAtPeriodEnd)
	})

	t.Run("gone at provider", func(t *testing.T) {
		store := newStubStore()
		store.add(&models.Subscription{
			UserID:               "user-1",
			Status:               types.SubscriptionStatusActive,
			StripeSubscriptionID: "sub_gone",
			CurrentPeriodEnd:     futureTime(24 * time.Hour),
		})
		e := newTestEngine(store, billing.NewMockProvider())

		_, err := e.Cancel(context.Background(), "user-1")
		require.ErrorIs(t, err, ErrNoSubscription)
		assert.Contains(t, store.canceled, "sub_gone")
	})
}

func TestRun_StoreChangeEventUpdatesCache(t *testing.T) {
	store := newStubStore()
	e := newTestEngine(store, billing.NewMockProvider())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.OnStoreChange(&models.Subscription{
		UserID:               "user-1",
		Status:               types.SubscriptionStatusActive,
		StripeSubscriptionID: "sub_1",
		CurrentPeriodEnd:     futureTime(24 * time.Hour),
	})

	require.Eventually(t, func() bool {
		entry, fresh := e.cache.get("user-1", time.Now())
		return fresh && entry.rec != nil && entry.rec.StripeSubscriptionID == "sub_1"
	}, time.Second, 5*time.Millisecond)

	// A change-feed update serves reads without touching the store.
	info, err := e.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Zero(t, store.readCount())
}

func TestRun_InvalidateEvent(t *testing.T) {
	store := newStubStore()
	store.add(&models.Subscription{
		UserID:               "user-1",
		Status:               types.SubscriptionStatusActive,
		StripeSubscriptionID: "sub_1",
		CurrentPeriodEnd:     futureTime(24 * time.Hour),
	})
	e := newTestEngine(store, billing.NewMockProvider())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	_, err := e.Get(ctx, "user-1")
	require.NoError(t, err)

	e.Invalidate("user-1")
	require.Eventually(t, func() bool {
		_, fresh := e.cache.get("user-1", time.Now())
		return !fresh
	}, time.Second, 5*time.Millisecond)
}

func TestRequestSync_Outcomes(t *testing.T) {
	t.Run("not attempted by default", func(t *testing.T) {
		e := newTestEngine(newStubStore(), billing.NewMockProvider())
		assert.Equal(t, SyncNotAttempted, e.LastSyncOutcome("sub_1"))
	})

	t.Run("succeeds and upserts", func(t *testing.T) {
		store := newStubStore()
		provider := billing.NewMockProvider()
		provider.Put(&billing.SubscriptionDetail{
			ID:               "sub_1",
			CustomerID:       "cus_1",
			Status:           types.SubscriptionStatusActive,
			CurrentPeriodEnd: futureTime(24 * time.Hour),
		})
		e := newTestEngine(store, provider)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		require.Eventually(t, func() bool {
			return e.RequestSync("user-1", "sub_1")
		}, time.Second, 5*time.Millisecond)

		require.Eventually(t, func() bool {
			return e.LastSyncOutcome("sub_1") == SyncSucceeded
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, store.upsertCount())
	})

	t.Run("gives up after bounded retries", func(t *testing.T) {
		provider := billing.NewMockProvider()
		provider.GetErr = errors.New("upstream 500")
		e := newTestEngine(newStubStore(), provider)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		require.Eventually(t, func() bool {
			return e.RequestSync("user-1", "sub_1")
		}, time.Second, 5*time.Millisecond)

		require.Eventually(t, func() bool {
			return e.LastSyncOutcome("sub_1") == SyncGaveUp
		}, 10*time.Second, 10*time.Millisecond)
		// initial attempt + SyncMaxRetries
		assert.Equal(t, 3, provider.Gets())
	})

	t.Run("coalesces concurrent requests", func(t *testing.T) {
		provider := billing.NewMockProvider()
		provider.Put(&billing.SubscriptionDetail{ID: "sub_1", Status: types.SubscriptionStatusActive})
		e := newTestEngine(newStubStore(), provider)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		require.Eventually(t, func() bool {
			return e.RequestSync("user-1", "sub_1")
		}, time.Second, 5*time.Millisecond)
		// second request while pending folds into the first
		assert.False(t, e.RequestSync("user-1", "sub_1"))
	})
}
