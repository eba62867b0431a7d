package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/faceflex/membership/internal/app/service/billing"
	"github.com/faceflex/membership/internal/app/service/subscription"
	"github.com/faceflex/membership/internal/models"
	"github.com/faceflex/membership/pkg/config"
	"github.com/faceflex/membership/pkg/logctx"
	"github.com/faceflex/membership/pkg/types"
)

// ErrNoSubscription is returned by Cancel when no cancellable subscription
// exists for the user.
var ErrNoSubscription = errors.New("no subscription found")

// event is a message posted into the engine's single-writer loop. The change
// feed and the background provider checks both go through here so their
// updates are serialized instead of racing on the cache.
type event interface{ isEvent() }

// storeChanged carries a row pushed by the change feed (or any other
// server-side writer).
type storeChanged struct {
	rec *models.Subscription
}

func (storeChanged) isEvent() {}

// providerCheckRequested asks the loop to re-pull provider state for a user
// without blocking the caller.
type providerCheckRequested struct {
	userID     string
	customerID string
	subID      string
}

func (providerCheckRequested) isEvent() {}

// invalidateRequested drops a user's cache entry (sign-out).
type invalidateRequested struct {
	userID string
}

func (invalidateRequested) isEvent() {}

// Engine reconciles the local subscription store with the payment provider
// and answers "does this user have access" queries from a layered lookup:
// in-memory cache, then local store, then provider.
type Engine struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	store    subscription.Store
	provider billing.Provider
	cache    *cache
	events   chan event
	syncer   *syncWorker
}

func NewEngine(cfg *config.Config, log *zap.SugaredLogger, store subscription.Store, provider billing.Provider) *Engine {
	e := &Engine{
		cfg:      cfg,
		log:      log,
		store:    store,
		provider: provider,
		cache:    newCache(cfg.Reconcile.CacheTTL),
		events:   make(chan event, 64),
	}
	e.syncer = newSyncWorker(log, cfg.Reconcile.SyncDebounce, cfg.Reconcile.SyncMaxRetries, e.doSync)
	return e
}

// Run drains the event channel until ctx is cancelled. Only this loop applies
// background updates to the cache, serializing the change-feed path and the
// provider-check path.
func (e *Engine) Run(ctx context.Context) {
	e.syncer.start(ctx)
	e.log.Infow("reconcile engine started",
		"cache_ttl", e.cfg.Reconcile.CacheTTL,
		"provider_check_interval", e.cfg.Reconcile.ProviderCheckInterval,
	)
	for {
		select {
		case <-ctx.Done():
			e.syncer.wait()
			e.log.Infow("reconcile engine stopped")
			return
		case ev := <-e.events:
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case storeChanged:
		if ev.rec == nil || ev.rec.UserID == "" {
			return
		}
		e.cache.put(ev.rec.UserID, ev.rec, time.Now())
	case providerCheckRequested:
		e.backgroundProviderCheck(ctx, ev)
	case invalidateRequested:
		e.cache.invalidate(ev.userID)
	}
}

// post never blocks; when the loop is saturated the event is dropped and the
// next natural trigger re-attempts.
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warnw("reconcile event dropped", "event", fmt.Sprintf("%T", ev))
	}
}

// OnStoreChange feeds a server-side row update into the loop. Called by the
// realtime change-feed listener.
func (e *Engine) OnStoreChange(rec *models.Subscription) {
	e.post(storeChanged{rec: rec})
}

// Invalidate drops the user's cached state, e.g. on sign-out.
func (e *Engine) Invalidate(userID string) {
	e.post(invalidateRequested{userID: userID})
}

// Get answers the access question for a user.
//
// Lookup order: cache (fresh) -> local store (valid row) -> provider (by any
// customer id on hand). A provider hit missing locally is synthesized into a
// new store row. Network failures are logged and reported as "no
// subscription", never as an error.
func (e *Engine) Get(ctx context.Context, userID string) (*types.SubscriptionInfo, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is empty")
	}
	now := time.Now()
	log := logctx.FromCtx(ctx, e.log)

	if entry, fresh := e.cache.get(userID, now); fresh {
		e.maybeRequestProviderCheck(userID, entry, now)
		return e.infoFromRecord(entry.rec, now), nil
	}

	rec, err := e.store.GetLatestValid(ctx, userID)
	if err != nil {
		log.Errorw("local store read failed", "user_id", userID, "err", err)
		return e.negative(userID, now), nil
	}
	if rec != nil {
		e.cache.put(userID, rec, now)
		entry, _ := e.cache.get(userID, now)
		e.maybeRequestProviderCheck(userID, entry, now)
		return e.infoFromRecord(rec, now), nil
	}

	// Local miss: use whatever customer id the newest (possibly invalid) row
	// still carries to ask the provider directly.
	latest, err := e.store.GetLatest(ctx, userID)
	if err != nil {
		log.Errorw("local store read failed", "user_id", userID, "err", err)
		return e.negative(userID, now), nil
	}
	if latest == nil || latest.StripeCustomerID == "" {
		return e.negative(userID, now), nil
	}

	detail, err := e.lookupCustomer(ctx, latest.StripeCustomerID)
	if err != nil {
		log.Errorw("provider lookup failed", "user_id", userID, "customer_id", latest.StripeCustomerID, "err", err)
		return e.negative(userID, now), nil
	}
	if detail == nil || !detail.AccessibleAt(now) {
		return e.negative(userID, now), nil
	}

	// Provider knows an active-like subscription the store lacks: synthesize
	// the row before returning.
	newRec := e.recordFromDetail(userID, detail)
	if err := e.store.Upsert(ctx, newRec, types.SubscriptionChangeReasonReconcile); err != nil {
		log.Errorw("failed to persist provider subscription", "user_id", userID, "err", err)
	}
	e.cache.put(userID, newRec, now)
	e.cache.markProviderCheck(userID, now)
	e.RequestSync(userID, detail.ID)
	return e.infoFromDetail(detail, now), nil
}

// CheckSubscription re-pulls one provider subscription and reconciles the
// store with it. found=false with a nil error is the soft-fail path: the
// provider no longer knows the id, and the local row was marked canceled.
func (e *Engine) CheckSubscription(ctx context.Context, userID, subID string) (*types.SubscriptionInfo, bool, error) {
	log := logctx.FromCtx(ctx, e.log)
	now := time.Now()

	detail, err := e.provider.GetSubscription(ctx, subID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			if markErr := e.store.MarkCanceledByProviderID(ctx, subID); markErr != nil {
				log.Errorw("failed to mark subscription canceled", "subscription_id", subID, "err", markErr)
			}
			if userID != "" {
				e.Invalidate(userID)
			}
			return &types.SubscriptionInfo{Active: false, Status: types.SubscriptionStatusCanceled}, false, nil
		}
		return nil, false, fmt.Errorf("provider check failed: %w", err)
	}

	e.persistDetail(ctx, userID, detail, types.SubscriptionChangeReasonReconcile)
	return e.infoFromDetail(detail, now), true, nil
}

// CheckCustomer reconciles from a customer id instead of a subscription id.
func (e *Engine) CheckCustomer(ctx context.Context, userID, customerID string) (*types.SubscriptionInfo, bool, error) {
	now := time.Now()

	detail, err := e.lookupCustomer(ctx, customerID)
	if err != nil {
		return nil, false, fmt.Errorf("provider check failed: %w", err)
	}
	if detail == nil {
		return &types.SubscriptionInfo{Active: false}, false, nil
	}
	e.persistDetail(ctx, userID, detail, types.SubscriptionChangeReasonReconcile)
	return e.infoFromDetail(detail, now), true, nil
}

// Cancel flags the user's subscription to stop renewing at period end.
func (e *Engine) Cancel(ctx context.Context, userID string) (*types.SubscriptionInfo, error) {
	log := logctx.FromCtx(ctx, e.log)
	now := time.Now()

	rec, err := e.store.GetLatest(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if rec == nil || rec.StripeSubscriptionID == "" {
		return nil, ErrNoSubscription
	}

	detail, err := e.provider.CancelAtPeriodEnd(ctx, rec.StripeSubscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			if markErr := e.store.MarkCanceledByProviderID(ctx, rec.StripeSubscriptionID); markErr != nil {
				log.Errorw("failed to mark subscription canceled", "subscription_id", rec.StripeSubscriptionID, "err", markErr)
			}
			e.Invalidate(userID)
			return nil, ErrNoSubscription
		}
		return nil, fmt.Errorf("provider cancel failed: %w", err)
	}

	e.persistDetail(ctx, userID, detail, types.SubscriptionChangeReasonCancel)
	return e.infoFromDetail(detail, now), nil
}

// CustomerID resolves the provider customer id for a user from the newest
// store row, valid or not.
func (e *Engine) CustomerID(ctx context.Context, userID string) (string, error) {
	rec, err := e.store.GetLatest(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}
	if rec == nil {
		return "", nil
	}
	return rec.StripeCustomerID, nil
}

// SubscriptionID resolves the provider subscription id for a user the same way.
func (e *Engine) SubscriptionID(ctx context.Context, userID string) (string, error) {
	rec, err := e.store.GetLatest(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}
	if rec == nil {
		return "", nil
	}
	return rec.StripeSubscriptionID, nil
}

// PortalURL creates a billing-portal session for the customer.
func (e *Engine) PortalURL(ctx context.Context, customerID string) (string, error) {
	return e.provider.PortalSession(ctx, customerID)
}

// RequestSync schedules a debounced, single-flight provider sync for the
// subscription id. Returns false when coalesced into a pending request.
func (e *Engine) RequestSync(userID, subID string) bool {
	if subID == "" {
		return false
	}
	return e.syncer.request(syncRequest{userID: userID, subID: subID})
}

// LastSyncOutcome reports the most recent sync result for a subscription id.
func (e *Engine) LastSyncOutcome(subID string) SyncOutcome {
	return e.syncer.outcome(subID)
}

// doSync is the sync worker's unit of work: re-pull the provider record and
// re-upsert the store.
func (e *Engine) doSync(ctx context.Context, req syncRequest) error {
	detail, err := e.provider.GetSubscription(ctx, req.subID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			// Gone at the provider: reconcile locally and stop retrying.
			if markErr := e.store.MarkCanceledByProviderID(ctx, req.subID); markErr != nil {
				return markErr
			}
			if req.userID != "" {
				e.Invalidate(req.userID)
			}
			return nil
		}
		return err
	}
	e.persistDetail(ctx, req.userID, detail, types.SubscriptionChangeReasonProviderSync)
	return nil
}

func (e *Engine) maybeRequestProviderCheck(userID string, entry *cacheEntry, now time.Time) {
	if entry == nil || entry.rec == nil {
		return
	}
	if now.Sub(entry.lastProviderCheck) < e.cfg.Reconcile.ProviderCheckInterval {
		return
	}
	e.cache.markProviderCheck(userID, now)
	e.post(providerCheckRequested{
		userID:     userID,
		customerID: entry.rec.StripeCustomerID,
		subID:      entry.rec.StripeSubscriptionID,
	})
}

// backgroundProviderCheck runs inside the event loop. Errors are logged only;
// the next natural trigger re-attempts.
func (e *Engine) backgroundProviderCheck(ctx context.Context, ev providerCheckRequested) {
	var (
		detail *billing.SubscriptionDetail
		err    error
	)
	switch {
	case ev.subID != "":
		detail, err = e.provider.GetSubscription(ctx, ev.subID)
	case ev.customerID != "":
		detail, err = e.lookupCustomer(ctx, ev.customerID)
	default:
		return
	}
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			if markErr := e.store.MarkCanceledByProviderID(ctx, ev.subID); markErr != nil {
				e.log.Errorw("failed to mark subscription canceled", "subscription_id", ev.subID, "err", markErr)
			}
			e.cache.invalidate(ev.userID)
			return
		}
		e.log.Errorw("background provider check failed", "user_id", ev.userID, "err", err)
		return
	}
	if detail == nil {
		return
	}
	e.persistDetail(ctx, ev.userID, detail, types.SubscriptionChangeReasonReconcile)
}

func (e *Engine) lookupCustomer(ctx context.Context, customerID string) (*billing.SubscriptionDetail, error) {
	details, err := e.provider.FindCustomerSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, nil
	}
	return details[0], nil
}

// persistDetail writes the provider detail through to the store and the cache.
func (e *Engine) persistDetail(ctx context.Context, userID string, detail *billing.SubscriptionDetail, reason types.SubscriptionChangeReason) {
	rec := e.recordFromDetail(userID, detail)
	if err := e.store.Upsert(ctx, rec, reason); err != nil {
		logctx.FromCtx(ctx, e.log).Errorw("failed to upsert subscription", "user_id", userID, "err", err)
	}
	if userID != "" {
		now := time.Now()
		e.cache.put(userID, rec, now)
		e.cache.markProviderCheck(userID, now)
	}
}

func (e *Engine) recordFromDetail(userID string, detail *billing.SubscriptionDetail) *models.Subscription {
	rec := &models.Subscription{
		UserID:               userID,
		Status:               detail.Status,
		StripeCustomerID:     detail.CustomerID,
		StripeSubscriptionID: detail.ID,
		CancelAtPeriodEnd:    detail.CancelAtPeriodEnd,
		CurrentPeriodEnd:     detail.CurrentPeriodEnd,
		PlanName:             detail.Plan.Name,
		Interval:             detail.Plan.Interval,
		Amount:               detail.Plan.Amount,
		Currency:             detail.Plan.Currency,
	}
	if raw, err := json.Marshal(detail); err == nil {
		rec.Extra = datatypes.JSON(raw)
	}
	return rec
}

func (e *Engine) negative(userID string, now time.Time) *types.SubscriptionInfo {
	e.cache.put(userID, nil, now)
	return &types.SubscriptionInfo{Active: false}
}

func (e *Engine) infoFromRecord(rec *models.Subscription, now time.Time) *types.SubscriptionInfo {
	if rec == nil {
		return &types.SubscriptionInfo{Active: false}
	}
	return &types.SubscriptionInfo{
		Active:            rec.ValidAt(now),
		Status:            rec.Status,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		CurrentPeriodEnd:  rec.CurrentPeriodEnd,
		Plan: &types.Plan{
			Name:     rec.PlanName,
			Amount:   rec.Amount,
			Currency: rec.Currency,
			Interval: rec.Interval,
		},
	}
}

func (e *Engine) infoFromDetail(detail *billing.SubscriptionDetail, now time.Time) *types.SubscriptionInfo {
	plan := detail.Plan
	return &types.SubscriptionInfo{
		Active:            detail.AccessibleAt(now),
		Status:            detail.Status,
		CancelAtPeriodEnd: detail.CancelAtPeriodEnd,
		CurrentPeriodEnd:  detail.CurrentPeriodEnd,
		Plan:              &plan,
	}
}
