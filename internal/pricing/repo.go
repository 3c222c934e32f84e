package pricing

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
)

// Repository reads the pricing catalog. Finders return nil, nil when the row is absent.
type Repository interface {
	FindPlan(ctx context.Context, id uuid.UUID) (*models.PricingPlan, error)
	FindCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	FindPromotions(ctx context.Context, ids []uuid.UUID) ([]models.Promotion, error)
	FindTaxRate(ctx context.Context, jurisdiction string) (*models.TaxRate, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a catalog repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func orderedTiers(db *gorm.DB) *gorm.DB {
	return db.Order("min_quantity ASC")
}

func (r *repository) FindPlan(ctx context.Context, id uuid.UUID) (*models.PricingPlan, error) {
	var plan models.PricingPlan
	err := r.db.WithContext(ctx).
		Preload("Tiers", orderedTiers).
		Preload("Features.Feature.Tiers", orderedTiers).
		Where("id = ?", id).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
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

func (r *repository) FindPromotions(ctx context.Context, ids []uuid.UUID) ([]models.Promotion, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var promos []models.Promotion
	if err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("created_at ASC").
		Find(&promos).Error; err != nil {
		return nil, err
	}
	return promos, nil
}

func (r *repository) FindTaxRate(ctx context.Context, jurisdiction string) (*models.TaxRate, error) {
	var rate models.TaxRate
	err := r.db.WithContext(ctx).
		Where("jurisdiction = ?", strings.ToUpper(strings.TrimSpace(jurisdiction))).
		First(&rate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rate, nil
}
