package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	dbtypes "github.com/angelmondragon/billing-engine/pkg/db/types"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// Promotion values: percentage in [0,100], fixed amount in major units, free period in periods.
type Promotion struct {
	ID                  uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	Name                string             `gorm:"column:name;not null"`
	DiscountType        enums.DiscountType `gorm:"column:discount_type;not null"`
	Value               decimal.Decimal    `gorm:"column:value;type:numeric(14,4);not null"`
	Stackable           bool               `gorm:"column:stackable;not null;default:false"`
	IsActive            bool               `gorm:"column:is_active;not null;default:true"`
	StartsAt            *time.Time         `gorm:"column:starts_at"`
	EndsAt              *time.Time         `gorm:"column:ends_at"`
	MaxRedemptions      *int               `gorm:"column:max_redemptions"`
	CurrentRedemptions  int                `gorm:"column:current_redemptions;not null;default:0"`
	AppliesToPlanIDs    dbtypes.UUIDArray  `gorm:"column:applies_to_plan_ids;type:uuid[]"`
	AppliesToFeatureIDs dbtypes.UUIDArray  `gorm:"column:applies_to_feature_ids;type:uuid[]"`
	CreatedAt           time.Time          `gorm:"column:created_at;autoCreateTime"`
}

// ActiveAt reports whether the promotion is switched on, inside its window and not exhausted.
func (p Promotion) ActiveAt(at time.Time) bool {
	if !p.IsActive {
		return false
	}
	if p.StartsAt != nil && at.Before(*p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && at.After(*p.EndsAt) {
		return false
	}
	if p.MaxRedemptions != nil && p.CurrentRedemptions >= *p.MaxRedemptions {
		return false
	}
	return true
}

// Coupon is a redeemable code for a promotion with its own counters.
type Coupon struct {
	ID                 uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	Code               string     `gorm:"column:code;not null;uniqueIndex:ux_coupons_code"`
	PromotionID        uuid.UUID  `gorm:"column:promotion_id;type:uuid;not null"`
	IsActive           bool       `gorm:"column:is_active;not null;default:true"`
	ExpiresAt          *time.Time `gorm:"column:expires_at"`
	MaxRedemptions     *int       `gorm:"column:max_redemptions"`
	CurrentRedemptions int        `gorm:"column:current_redemptions;not null;default:0"`
	Promotion          Promotion  `gorm:"foreignKey:PromotionID"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// RedeemableAt reports whether the code itself can still be used.
func (c Coupon) RedeemableAt(at time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.ExpiresAt != nil && at.After(*c.ExpiresAt) {
		return false
	}
	return c.MaxRedemptions == nil || c.CurrentRedemptions < *c.MaxRedemptions
}

// TaxRate is a flat rate for a jurisdiction, e.g. 0.0825.
type TaxRate struct {
	ID           uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Jurisdiction string          `gorm:"column:jurisdiction;not null;uniqueIndex:ux_tax_rates_jurisdiction"`
	Rate         decimal.Decimal `gorm:"column:rate;type:numeric(8,6);not null"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
