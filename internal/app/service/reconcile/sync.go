package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// SyncOutcome is the last known result of a provider sync for a subscription.
type SyncOutcome string

const (
	SyncNotAttempted SyncOutcome = "not_attempted"
	SyncPending      SyncOutcome = "pending"
	SyncSucceeded    SyncOutcome = "succeeded"
	SyncGaveUp       SyncOutcome = "gave_up"
)

// syncRequest identifies one debounced sync.
type syncRequest struct {
	userID string
	subID  string
}

// syncWorker coalesces provider-sync requests per subscription id: requests
// arriving while one is pending fold into it, a fixed debounce delay elapses
// before execution, and execution retries with bounded exponential backoff
// before giving up. Give-ups are recorded, not surfaced.
type syncWorker struct {
	log        *zap.SugaredLogger
	debounce   time.Duration
	maxRetries uint64
	run        func(ctx context.Context, req syncRequest) error

	mu       sync.Mutex
	pending  map[string]bool
	outcomes map[string]SyncOutcome
	ctx      context.Context
	wg       sync.WaitGroup
}

func newSyncWorker(log *zap.SugaredLogger, debounce time.Duration, maxRetries int, run func(ctx context.Context, req syncRequest) error) *syncWorker {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &syncWorker{
		log:        log,
		debounce:   debounce,
		maxRetries: uint64(maxRetries),
		run:        run,
		pending:    make(map[string]bool),
		outcomes:   make(map[string]SyncOutcome),
	}
}

// start binds the worker to its lifetime context. Requests before start are
// rejected.
func (w *syncWorker) start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ctx = ctx
}

// wait blocks until in-flight syncs finish. Shutdown helper.
func (w *syncWorker) wait() {
	w.wg.Wait()
}

// request schedules a debounced sync. Returns false when coalesced into an
// already-pending request or when the worker is not running.
func (w *syncWorker) request(req syncRequest) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx == nil || w.ctx.Err() != nil {
		return false
	}
	if w.pending[req.subID] {
		return false
	}
	w.pending[req.subID] = true
	w.outcomes[req.subID] = SyncPending

	w.wg.Add(1)
	go w.fire(req)
	return true
}

func (w *syncWorker) fire(req syncRequest) {
	defer w.wg.Done()

	select {
	case <-w.ctx.Done():
		w.finish(req.subID, SyncNotAttempted)
		return
	case <-time.After(w.debounce):
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.maxRetries),
		w.ctx,
	)
	err := backoff.Retry(func() error {
		return w.run(w.ctx, req)
	}, policy)

	if err != nil {
		w.log.Errorw("provider sync gave up",
			"subscription_id", req.subID,
			"user_id", req.userID,
			"err", err,
		)
		w.finish(req.subID, SyncGaveUp)
		return
	}
	w.finish(req.subID, SyncSucceeded)
}

func (w *syncWorker) finish(subID string, outcome SyncOutcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, subID)
	w.outcomes[subID] = outcome
}

// outcome reports the last known result for the subscription id.
func (w *syncWorker) outcome(subID string) SyncOutcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	if o, ok := w.outcomes[subID]; ok {
		return o
	}
	return SyncNotAttempted
}
