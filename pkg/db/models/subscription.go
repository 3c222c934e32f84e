package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// Subscription is never hard-deleted; Version guards every state transition.
type Subscription struct {
	ID                    uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	OrganizationID        uuid.UUID                `gorm:"column:organization_id;type:uuid;not null;index"`
	PlanID                uuid.UUID                `gorm:"column:plan_id;type:uuid;not null;index"`
	Status                enums.SubscriptionStatus `gorm:"column:status;not null"`
	Quantity              int64                    `gorm:"column:quantity;not null;default:1"`
	CurrentPeriodStart    time.Time                `gorm:"column:current_period_start;not null"`
	CurrentPeriodEnd      time.Time                `gorm:"column:current_period_end;not null"`
	TrialEnd              *time.Time               `gorm:"column:trial_end"`
	CancelAtPeriodEnd     bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CanceledAt            *time.Time               `gorm:"column:canceled_at"`
	EndedAt               *time.Time               `gorm:"column:ended_at"`
	PausedAt              *time.Time               `gorm:"column:paused_at"`
	CouponID              *uuid.UUID               `gorm:"column:coupon_id;type:uuid"`
	GatewaySubscriptionID *string                  `gorm:"column:gateway_subscription_id;uniqueIndex:ux_subscriptions_gateway_id"`
	GatewayStatus         *string                  `gorm:"column:gateway_status"`
	Version               int                      `gorm:"column:version;not null;default:1"`
	Plan                  *PricingPlan             `gorm:"foreignKey:PlanID"`
	CreatedAt             time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

// HasGateway reports whether the subscription is mirrored at the payment gateway.
func (s *Subscription) HasGateway() bool {
	return s != nil && s.GatewaySubscriptionID != nil && *s.GatewaySubscriptionID != ""
}

// CancellationFeedback is kept for churn analytics.
type CancellationFeedback struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	SubscriptionID uuid.UUID `gorm:"column:subscription_id;type:uuid;not null;index"`
	OrganizationID uuid.UUID `gorm:"column:organization_id;type:uuid;not null"`
	Reason         string    `gorm:"column:reason;not null"`
	Feedback       *string   `gorm:"column:feedback"`
	Immediate      bool      `gorm:"column:immediate;not null"`
	WinBack        bool      `gorm:"column:win_back;not null;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (CancellationFeedback) TableName() string { return "cancellation_feedback" }
