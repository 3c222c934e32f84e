package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

type Organization struct {
	ID                uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	Name              string               `gorm:"column:name;not null"`
	GatewayCustomerID *string              `gorm:"column:gateway_customer_id"`
	Members           []OrganizationMember `gorm:"foreignKey:OrganizationID"`
	CreatedAt         time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

type OrganizationMember struct {
	ID             uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	OrganizationID uuid.UUID        `gorm:"column:organization_id;type:uuid;not null;index"`
	UserID         uuid.UUID        `gorm:"column:user_id;type:uuid;not null"`
	Email          string           `gorm:"column:email;not null"`
	Role           enums.MemberRole `gorm:"column:role;not null"`
	CreatedAt      time.Time        `gorm:"column:created_at;autoCreateTime"`
}
