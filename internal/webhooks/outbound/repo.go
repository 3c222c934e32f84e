package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// wildcardEvent subscribes a target to every event name.
const wildcardEvent = "*"

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	ActiveTargets(ctx context.Context, eventName string, organizationID *uuid.UUID) ([]models.WebhookSubscription, error)
	CreateDeliveries(ctx context.Context, deliveries []models.WebhookDelivery) error
	FindDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error)
	Claim(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (bool, error)
	DueDeliveries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]uuid.UUID, error)
	SaveAttempt(ctx context.Context, delivery *models.WebhookDelivery) error
	TouchTarget(ctx context.Context, targetID uuid.UUID, success bool, at time.Time) error
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
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

// ActiveTargets returns global targets plus those owned by organizationID.
func (r *repository) ActiveTargets(ctx context.Context, eventName string, organizationID *uuid.UUID) ([]models.WebhookSubscription, error) {
	q := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("event_name IN ?", []string{eventName, wildcardEvent})
	if organizationID != nil {
		q = q.Where("(organization_id IS NULL OR organization_id = ?)", *organizationID)
	} else {
		q = q.Where("organization_id IS NULL")
	}
	var targets []models.WebhookSubscription
	if err := q.Order("created_at ASC").Find(&targets).Error; err != nil {
		return nil, err
	}
	return targets, nil
}

func (r *repository) CreateDeliveries(ctx context.Context, deliveries []models.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Omit("Target").Create(&deliveries).Error
}

func (r *repository) FindDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	var delivery models.WebhookDelivery
	err := r.db.WithContext(ctx).Preload("Target").Where("id = ?", id).First(&delivery).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &delivery, nil
}

// Claim leases a due pending delivery to the caller by pushing next_attempt_at
// past the lease. Only one claimant can win per due window.
func (r *repository) Claim(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.WebhookDelivery{}).
		Where("id = ? AND status = ?", id, enums.DeliveryStatusPending).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Updates(map[string]any{
			"next_attempt_at": now.Add(lease),
			"last_attempt_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) DueDeliveries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.WebhookDelivery{}).
		Where("status = ? AND retry_count < ?", enums.DeliveryStatusPending, maxAttempts).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *repository) SaveAttempt(ctx context.Context, d *models.WebhookDelivery) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookDelivery{}).
		Where("id = ?", d.ID).
		Updates(map[string]any{
			"status":           d.Status,
			"retry_count":      d.RetryCount,
			"last_status_code": d.LastStatusCode,
			"last_response":    d.LastResponse,
			"last_error":       d.LastError,
			"next_attempt_at":  d.NextAttemptAt,
			"last_attempt_at":  d.LastAttemptAt,
			"completed_at":     d.CompletedAt,
		}).Error
}

func (r *repository) TouchTarget(ctx context.Context, targetID uuid.UUID, success bool, at time.Time) error {
	column := "last_failure_at"
	if success {
		column = "last_success_at"
	}
	return r.db.WithContext(ctx).
		Model(&models.WebhookSubscription{}).
		Where("id = ?", targetID).
		Update(column, at).Error
}

// PurgeTerminal deletes completed and failed deliveries last touched before cutoff.
func (r *repository) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ?", []enums.DeliveryStatus{enums.DeliveryStatusCompleted, enums.DeliveryStatusFailed}).
		Where("updated_at < ?", cutoff).
		Delete(&models.WebhookDelivery{})
	return res.RowsAffected, res.Error
}
