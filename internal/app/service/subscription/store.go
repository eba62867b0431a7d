package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/faceflex/membership/internal/models"
	"github.com/faceflex/membership/pkg/logctx"
	"github.com/faceflex/membership/pkg/tool"
	"github.com/faceflex/membership/pkg/types"
)

// Store is the local mirror of provider subscription state.
//
// Reads resolve duplicate rows per user by recency; writes are last-write-wins
// upserts with no cross-request serialization. Concurrent reconciliations for
// the same user can interleave; the store does not guarantee a winner.
type Store interface {
	// GetLatestValid returns the newest row for the user if it currently
	// grants access, otherwise (nil, nil).
	GetLatestValid(ctx context.Context, userID string) (*models.Subscription, error)
	// GetLatest returns the newest row for the user regardless of validity.
	// Used to recover provider ids for users whose access has lapsed.
	GetLatest(ctx context.Context, userID string) (*models.Subscription, error)
	// Upsert writes the row, keyed by stripe_subscription_id when present,
	// else by user_id. The existing row's id and created_at are preserved.
	Upsert(ctx context.Context, rec *models.Subscription, reason types.SubscriptionChangeReason) error
	// MarkCanceledByProviderID sets status=canceled on every row carrying the
	// provider subscription id. Missing rows are not an error.
	MarkCanceledByProviderID(ctx context.Context, providerSubID string) error
}

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) Store {
	return &Service{db: db, log: log}
}

func (s *Service) GetLatestValid(ctx context.Context, userID string) (*models.Subscription, error) {
	rec, err := s.GetLatest(ctx, userID)
	if err != nil {
		return nil, err
	}
	return LatestValid(rec, time.Now()), nil
}

// LatestValid applies the read policy to an already-picked newest row:
// anything not currently valid is treated as "no subscription".
func LatestValid(rec *models.Subscription, now time.Time) *models.Subscription {
	if rec == nil || !rec.ValidAt(now) {
		return nil
	}
	return rec
}

func (s *Service) GetLatest(ctx context.Context, userID string) (*models.Subscription, error) {
	var rec models.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &rec, nil
}

func (s *Service) Upsert(ctx context.Context, rec *models.Subscription, reason types.SubscriptionChangeReason) error {
	var original models.Subscription
	q := s.db.WithContext(ctx)
	if rec.StripeSubscriptionID != "" {
		q = q.Where("stripe_subscription_id = ?", rec.StripeSubscriptionID)
	} else {
		q = q.Where("user_id = ?", rec.UserID)
	}
	err := q.Order("created_at desc").First(&original).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to load original subscription: %w", err)
	}

	if original.ID != "" {
		rec.ID = original.ID
		rec.CreatedAt = original.CreatedAt
	} else if rec.ID == "" {
		rec.ID = tool.GenerateUUIDV7()
	}

	before := func() *models.Subscription {
		if original.ID == "" {
			return nil
		}
		cp := original
		return &cp
	}()

	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	// Write change log asynchronously; errors are logged but not returned
	go func(b *models.Subscription, a *models.Subscription) {
		log := &models.SubscriptionLog{
			ID:     tool.GenerateUUIDV7(),
			UserID: a.UserID,
			Reason: reason,
			Before: datatypes.NewJSONType(b),
			After:  datatypes.NewJSONType(a),
			Extra:  datatypes.JSONMap{},
		}
		if err := s.db.Save(log).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save subscription log: %v", err)
		}
	}(before, rec)

	return nil
}

func (s *Service) MarkCanceledByProviderID(ctx context.Context, providerSubID string) error {
	if providerSubID == "" {
		return fmt.Errorf("provider subscription id is empty")
	}
	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("stripe_subscription_id = ?", providerSubID).
		Updates(map[string]interface{}{"status": types.SubscriptionStatusCanceled})
	if res.Error != nil {
		return fmt.Errorf("failed to mark subscription canceled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		logctx.FromCtx(ctx, s.log).Infow("mark canceled matched no rows", "stripe_subscription_id", providerSubID)
	}
	return nil
}

// Newest picks the most recently created row, mirroring the read policy for
// callers that already hold a slice of rows.
func Newest(recs []*models.Subscription) *models.Subscription {
	if len(recs) == 0 {
		return nil
	}
	newest := lo.MaxBy(recs, func(a, b *models.Subscription) bool {
		return a.CreatedAt.After(b.CreatedAt)
	})
	return newest
}
