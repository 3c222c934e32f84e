package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// UsageRecord is append-only; only the report claim and reported fields change.
type UsageRecord struct {
	ID             uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	SubscriptionID uuid.UUID         `gorm:"column:subscription_id;type:uuid;not null;index:ix_usage_records_period,priority:1"`
	FeatureID      uuid.UUID         `gorm:"column:feature_id;type:uuid;not null;index:ix_usage_records_period,priority:2"`
	PlanID         uuid.UUID         `gorm:"column:plan_id;type:uuid;not null"`
	Quantity       int64             `gorm:"column:quantity;not null"`
	Timestamp      time.Time         `gorm:"column:recorded_at;not null;index:ix_usage_records_period,priority:3"`
	Source         enums.UsageSource `gorm:"column:source;not null;default:'recorded'"`
	Reported       bool              `gorm:"column:reported;not null;default:false"`
	ReportID       *uuid.UUID        `gorm:"column:report_id;type:uuid;index"`
	ReportedAt     *time.Time        `gorm:"column:reported_at"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
}

// UsageReport is one aggregated push of usage to the gateway.
type UsageReport struct {
	ID              uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	SubscriptionID  uuid.UUID               `gorm:"column:subscription_id;type:uuid;not null;uniqueIndex:ux_usage_reports_batch,priority:1"`
	FeatureID       uuid.UUID               `gorm:"column:feature_id;type:uuid;not null;uniqueIndex:ux_usage_reports_batch,priority:2"`
	PeriodStart     time.Time               `gorm:"column:period_start;not null;uniqueIndex:ux_usage_reports_batch,priority:3"`
	Sequence        int                     `gorm:"column:sequence;not null;uniqueIndex:ux_usage_reports_batch,priority:4"`
	Quantity        int64                   `gorm:"column:quantity;not null"`
	IdempotencyKey  string                  `gorm:"column:idempotency_key;not null;uniqueIndex:ux_usage_reports_key"`
	Status          enums.UsageReportStatus `gorm:"column:status;not null"`
	GatewayRecordID *string                 `gorm:"column:gateway_record_id"`
	Attempts        int                     `gorm:"column:attempts;not null;default:0"`
	LastError       *string                 `gorm:"column:last_error"`
	CreatedAt       time.Time               `gorm:"column:created_at;autoCreateTime"`
	ReportedAt      *time.Time              `gorm:"column:reported_at"`
}
