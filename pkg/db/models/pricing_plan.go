package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// PricingPlan is a sellable plan. Prices are stored in major currency units.
type PricingPlan struct {
	ID                 uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	Name               string                `gorm:"column:name;not null"`
	PricingType        enums.PricingType     `gorm:"column:pricing_type;not null"`
	BasePrice          decimal.Decimal       `gorm:"column:base_price;type:numeric(14,4);not null"`
	Currency           string                `gorm:"column:currency;not null"`
	BillingInterval    enums.BillingInterval `gorm:"column:billing_interval;not null"`
	CustomIntervalDays int                   `gorm:"column:custom_interval_days;not null;default:0"`
	TrialDays          int                   `gorm:"column:trial_days;not null;default:0"`
	IsActive           bool                  `gorm:"column:is_active;not null;default:true"`
	IsPublic           bool                  `gorm:"column:is_public;not null;default:true"`
	GatewayPriceID     *string               `gorm:"column:gateway_price_id"`
	Tiers              []PricingTier         `gorm:"foreignKey:PlanID"`
	Features           []PlanFeature         `gorm:"foreignKey:PlanID"`
	CreatedAt          time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// PricingTier is a quantity band [MinQuantity, MaxQuantity) owned by a plan or a feature.
// An Infinite tier has no upper bound and must be the last for its owner.
type PricingTier struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	PlanID      *uuid.UUID      `gorm:"column:plan_id;type:uuid;index"`
	FeatureID   *uuid.UUID      `gorm:"column:feature_id;type:uuid;index"`
	MinQuantity int64           `gorm:"column:min_quantity;not null"`
	MaxQuantity int64           `gorm:"column:max_quantity;not null;default:0"`
	Infinite    bool            `gorm:"column:infinite;not null;default:false"`
	FlatFee     decimal.Decimal `gorm:"column:flat_fee;type:numeric(14,4);not null;default:0"`
	UnitPrice   decimal.Decimal `gorm:"column:unit_price;type:numeric(14,6);not null;default:0"`
}

// Contains applies the half-open [min,max) rule.
func (t PricingTier) Contains(quantity int64) bool {
	if quantity < t.MinQuantity {
		return false
	}
	return t.Infinite || quantity < t.MaxQuantity
}

// Feature is a consumable dimension. Key is its stable identity across plans.
type Feature struct {
	ID        uuid.UUID     `gorm:"column:id;type:uuid;primaryKey"`
	Key       string        `gorm:"column:key;not null;uniqueIndex:ux_features_key"`
	Name      string        `gorm:"column:name;not null"`
	Unit      string        `gorm:"column:unit;not null;default:'unit'"`
	Tiers     []PricingTier `gorm:"foreignKey:FeatureID"`
	CreatedAt time.Time     `gorm:"column:created_at;autoCreateTime"`
}

// PlanFeature attaches a feature to a plan with a per-plan limit.
type PlanFeature struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	PlanID    uuid.UUID `gorm:"column:plan_id;type:uuid;not null;uniqueIndex:ux_plan_features_plan_feature"`
	FeatureID uuid.UUID `gorm:"column:feature_id;type:uuid;not null;uniqueIndex:ux_plan_features_plan_feature"`
	Limit     *int64    `gorm:"column:usage_limit"`
	Feature   Feature   `gorm:"foreignKey:FeatureID"`
}
