package notifications

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// Repository resolves who receives organization-level alerts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	ListAdmins(ctx context.Context, organizationID uuid.UUID) ([]models.OrganizationMember, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a notifications repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

// ListAdmins returns owners and admins ordered by join date so fan-out is stable.
func (r *repositoryImpl) ListAdmins(ctx context.Context, organizationID uuid.UUID) ([]models.OrganizationMember, error) {
	var members []models.OrganizationMember
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Where("role IN ?", enums.BillingAlertRoles).
		Order("created_at ASC").
		Order("id ASC").
		Find(&members).Error
	return members, err
}
