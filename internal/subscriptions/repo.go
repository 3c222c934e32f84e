package subscriptions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

var (
	// ErrVersionConflict means the row changed between read and conditional write.
	ErrVersionConflict = errors.New("subscription version conflict")
	// ErrRedemptionsExhausted means a coupon or its promotion hit max redemptions.
	ErrRedemptionsExhausted = errors.New("redemptions exhausted")
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindByGatewayID(ctx context.Context, gatewayID string) (*models.Subscription, error)
	ListGatewayLinked(ctx context.Context, statuses []enums.SubscriptionStatus, limit int) ([]models.Subscription, error)
	FindOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	FindCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	Create(ctx context.Context, sub *models.Subscription) error
	UpdateVersioned(ctx context.Context, sub *models.Subscription) error
	RedeemCoupon(ctx context.Context, coupon models.Coupon) error
	InsertFeedback(ctx context.Context, feedback *models.CancellationFeedback) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindByGatewayID(ctx context.Context, gatewayID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("gateway_subscription_id = ?", strings.TrimSpace(gatewayID)).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// ListGatewayLinked returns mirrored subscriptions, least recently touched first.
func (r *repository) ListGatewayLinked(ctx context.Context, statuses []enums.SubscriptionStatus, limit int) ([]models.Subscription, error) {
	q := r.db.WithContext(ctx).
		Where("gateway_subscription_id IS NOT NULL AND gateway_subscription_id <> ''")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var subs []models.Subscription
	if err := q.Order("updated_at ASC").Limit(limit).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) FindOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &org, nil
}

func (r *repository) FindCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := r.db.WithContext(ctx).
		Preload("Promotion").
		Where("code = ?", strings.TrimSpace(code)).
		First(&coupon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &coupon, nil
}

func (r *repository) Create(ctx context.Context, sub *models.Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	return r.db.WithContext(ctx).Omit("Plan").Create(sub).Error
}

// UpdateVersioned writes every mutable column guarded by the version the caller
// read. On success sub.Version is advanced; a zero-row update is ErrVersionConflict.
func (r *repository) UpdateVersioned(ctx context.Context, sub *models.Subscription) error {
	expected := sub.Version
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND version = ?", sub.ID, expected).
		Updates(map[string]any{
			"plan_id":                 sub.PlanID,
			"status":                  sub.Status,
			"quantity":                sub.Quantity,
			"current_period_start":    sub.CurrentPeriodStart,
			"current_period_end":      sub.CurrentPeriodEnd,
			"trial_end":               sub.TrialEnd,
			"cancel_at_period_end":    sub.CancelAtPeriodEnd,
			"canceled_at":             sub.CanceledAt,
			"ended_at":                sub.EndedAt,
			"paused_at":               sub.PausedAt,
			"coupon_id":               sub.CouponID,
			"gateway_subscription_id": sub.GatewaySubscriptionID,
			"gateway_status":          sub.GatewayStatus,
			"version":                 expected + 1,
			"updated_at":              now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	sub.Version = expected + 1
	sub.UpdatedAt = now
	return nil
}

// RedeemCoupon bumps the coupon and promotion counters, each guarded by its own max.
func (r *repository) RedeemCoupon(ctx context.Context, coupon models.Coupon) error {
	db := r.db.WithContext(ctx)
	res := db.Model(&models.Coupon{}).
		Where("id = ?", coupon.ID).
		Where("(max_redemptions IS NULL OR current_redemptions < max_redemptions)").
		Update("current_redemptions", gorm.Expr("current_redemptions + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRedemptionsExhausted
	}
	res = db.Model(&models.Promotion{}).
		Where("id = ?", coupon.PromotionID).
		Where("(max_redemptions IS NULL OR current_redemptions < max_redemptions)").
		Update("current_redemptions", gorm.Expr("current_redemptions + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRedemptionsExhausted
	}
	return nil
}

func (r *repository) InsertFeedback(ctx context.Context, feedback *models.CancellationFeedback) error {
	return r.db.WithContext(ctx).Create(feedback).Error
}
