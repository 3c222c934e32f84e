package usage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// Repository persists usage records and reconciliation batches. Finders return
// nil, nil when the row is absent.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindFeature(ctx context.Context, id uuid.UUID) (*models.Feature, error)
	FeatureKeys(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	InsertRecord(ctx context.Context, record *models.UsageRecord) error
	SumUsage(ctx context.Context, q SumQuery) (int64, error)
	SumUsageByFeature(ctx context.Context, q SumQuery) (map[uuid.UUID]int64, error)
	ListReconcilable(ctx context.Context, limit int) ([]models.Subscription, error)
	ListUnclaimed(ctx context.Context, subscriptionID uuid.UUID) ([]models.UsageRecord, error)
	NextSequence(ctx context.Context, subscriptionID, featureID uuid.UUID, periodStart time.Time) (int, error)
	CreateReport(ctx context.Context, report *models.UsageReport) error
	ClaimRecords(ctx context.Context, reportID uuid.UUID, recordIDs []uuid.UUID) (int64, error)
	ListPendingReports(ctx context.Context, subscriptionID uuid.UUID) ([]models.UsageReport, error)
	MarkReportReported(ctx context.Context, reportID uuid.UUID, gatewayRecordID string, at time.Time) error
	MarkReportFailed(ctx context.Context, reportID uuid.UUID, message string) error
}

// SumQuery scopes an aggregate to one plan context and a [From, To) window.
// A zero FeatureID sums every feature.
type SumQuery struct {
	SubscriptionID uuid.UUID
	PlanID         uuid.UUID
	FeatureID      uuid.UUID
	From           time.Time
	To             time.Time
}

const maxLastErrorLen = 1024

type repository struct {
	db *gorm.DB
}

// NewRepository returns a usage repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindFeature(ctx context.Context, id uuid.UUID) (*models.Feature, error) {
	var feature models.Feature
	err := r.db.WithContext(ctx).
		Preload("Tiers", func(db *gorm.DB) *gorm.DB { return db.Order("min_quantity ASC") }).
		Where("id = ?", id).
		First(&feature).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &feature, nil
}

func (r *repository) FeatureKeys(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Feature
	if err := r.db.WithContext(ctx).Select("id", "key").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row.Key
	}
	return out, nil
}

func (r *repository) InsertRecord(ctx context.Context, record *models.UsageRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) scoped(ctx context.Context, q SumQuery) *gorm.DB {
	db := r.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("subscription_id = ?", q.SubscriptionID).
		Where("plan_id = ?", q.PlanID)
	if q.FeatureID != uuid.Nil {
		db = db.Where("feature_id = ?", q.FeatureID)
	}
	if !q.From.IsZero() {
		db = db.Where("recorded_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		// Periods are closed on both ends.
		db = db.Where("recorded_at <= ?", q.To)
	}
	return db
}

// SumUsage is always a fresh aggregate over stored rows.
func (r *repository) SumUsage(ctx context.Context, q SumQuery) (int64, error) {
	var total int64
	err := r.scoped(ctx, q).Select("COALESCE(SUM(quantity), 0)").Scan(&total).Error
	return total, err
}

func (r *repository) SumUsageByFeature(ctx context.Context, q SumQuery) (map[uuid.UUID]int64, error) {
	var rows []struct {
		FeatureID uuid.UUID
		Total     int64
	}
	if err := r.scoped(ctx, q).
		Select("feature_id, COALESCE(SUM(quantity), 0) AS total").
		Group("feature_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]int64, len(rows))
	for _, row := range rows {
		out[row.FeatureID] = row.Total
	}
	return out, nil
}

// ListReconcilable returns gateway-backed subscriptions with unclaimed usage or a pending batch.
func (r *repository) ListReconcilable(ctx context.Context, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("gateway_subscription_id IS NOT NULL").
		Where("(EXISTS (SELECT 1 FROM usage_records ur WHERE ur.subscription_id = subscriptions.id AND ur.reported = ? AND ur.report_id IS NULL)"+
			" OR EXISTS (SELECT 1 FROM usage_reports rp WHERE rp.subscription_id = subscriptions.id AND rp.status = ?))",
			false, enums.UsageReportStatusPending).
		Order("subscriptions.id ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *repository) ListUnclaimed(ctx context.Context, subscriptionID uuid.UUID) ([]models.UsageRecord, error) {
	var records []models.UsageRecord
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Where("reported = ?", false).
		Where("report_id IS NULL").
		Order("recorded_at ASC").
		Order("id ASC").
		Find(&records).Error
	return records, err
}

func (r *repository) NextSequence(ctx context.Context, subscriptionID, featureID uuid.UUID, periodStart time.Time) (int, error) {
	var max sql.NullInt64
	err := r.db.WithContext(ctx).
		Model(&models.UsageReport{}).
		Where("subscription_id = ? AND feature_id = ? AND period_start = ?", subscriptionID, featureID, periodStart).
		Select("MAX(sequence)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

func (r *repository) CreateReport(ctx context.Context, report *models.UsageReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}

// ClaimRecords attaches records to a batch. Rows already claimed elsewhere are
// skipped, so callers compare the count against len(recordIDs).
func (r *repository) ClaimRecords(ctx context.Context, reportID uuid.UUID, recordIDs []uuid.UUID) (int64, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("id IN ?", recordIDs).
		Where("report_id IS NULL").
		Update("report_id", reportID)
	return res.RowsAffected, res.Error
}

func (r *repository) ListPendingReports(ctx context.Context, subscriptionID uuid.UUID) ([]models.UsageReport, error) {
	var reports []models.UsageReport
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND status = ?", subscriptionID, enums.UsageReportStatusPending).
		Order("period_start ASC").
		Order("sequence ASC").
		Find(&reports).Error
	return reports, err
}

func (r *repository) MarkReportReported(ctx context.Context, reportID uuid.UUID, gatewayRecordID string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.UsageReport{}).
		Where("id = ? AND status = ?", reportID, enums.UsageReportStatusPending).
		Updates(map[string]any{
			"status":            enums.UsageReportStatusReported,
			"gateway_record_id": gatewayRecordID,
			"reported_at":       at,
			"last_error":        nil,
			"attempts":          gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return r.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("report_id = ?", reportID).
		Updates(map[string]any{"reported": true, "reported_at": at}).Error
}

func (r *repository) MarkReportFailed(ctx context.Context, reportID uuid.UUID, message string) error {
	if len(message) > maxLastErrorLen {
		message = message[:maxLastErrorLen]
	}
	return r.db.WithContext(ctx).
		Model(&models.UsageReport{}).
		Where("id = ?", reportID).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": message,
		}).Error
}
