package usage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/gateway"
	"github.com/angelmondragon/billing-engine/internal/notifications"
	"github.com/angelmondragon/billing-engine/internal/pricing"
	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
	"github.com/angelmondragon/billing-engine/pkg/redis"
)

// Service meters consumption, enforces tier limits, and reconciles usage with the gateway.
type Service interface {
	RecordUsage(ctx context.Context, in RecordUsageInput) (*RecordUsageResult, error)
	CheckUsageLimits(ctx context.Context, featureID uuid.UUID, aggregatedQuantity int64) (*LimitStatus, error)
	GetUsageSummary(ctx context.Context, subscriptionID uuid.UUID) (*Summary, error)
	TransferUsage(ctx context.Context, tx *gorm.DB, in TransferInput) ([]models.UsageRecord, error)
	ProcessUsageRecords(ctx context.Context) (*ReconcileResult, error)
}

// AlertDeduper claims a threshold crossing once per TTL. pkg/redis.Client satisfies it.
type AlertDeduper interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	Repository Repository
	Catalog    pricing.PlanCatalog
	Gateway    gateway.Gateway
	Notifier   notifications.Notifier
	Deduper    AlertDeduper
	TxRunner   txRunner
	Config     config.UsageConfig
	Metrics    *metrics.BillingMetrics
	Logger     *logger.Logger
	Clock      func() time.Time
}

type service struct {
	repo     Repository
	catalog  pricing.PlanCatalog
	gateway  gateway.Gateway
	notifier notifications.Notifier
	deduper  AlertDeduper
	tx       txRunner
	cfg      config.UsageConfig
	metrics  *metrics.BillingMetrics
	logg     *logger.Logger
	now      func() time.Time
}

// NewService wires usage dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "usage repository required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "plan catalog required")
	}
	if params.Notifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifier required")
	}
	if params.TxRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction runner required")
	}
	cfg := params.Config
	if cfg.WarningPercent <= 0 {
		cfg.WarningPercent = 75
	}
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = 200
	}
	if cfg.ReconcileWorkers <= 0 {
		cfg.ReconcileWorkers = 1
	}
	now := params.Clock
	if now == nil {
		now = time.Now
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{
		repo:     params.Repository,
		catalog:  params.Catalog,
		gateway:  params.Gateway,
		notifier: params.Notifier,
		deduper:  params.Deduper,
		tx:       params.TxRunner,
		cfg:      cfg,
		metrics:  params.Metrics,
		logg:     logg,
		now:      now,
	}, nil
}

// RecordUsageInput identifies the feature by id or by its stable key.
type RecordUsageInput struct {
	SubscriptionID uuid.UUID
	FeatureID      uuid.UUID
	FeatureKey     string
	Quantity       int64
	Timestamp      time.Time
}

type RecordUsageResult struct {
	Record     models.UsageRecord
	Aggregated int64
	Limit      LimitStatus
	Notified   bool
}

// RecordUsage appends one record, then re-aggregates the period and alerts admins
// on a threshold crossing. Alert failures are logged and never fail the call.
func (s *service) RecordUsage(ctx context.Context, in RecordUsageInput) (*RecordUsageResult, error) {
	if in.Quantity < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "usage quantity must not be negative").
			WithContext("record_usage", in.SubscriptionID.String())
	}
	sub, plan, err := s.loadSubscription(ctx, in.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "usage cannot be recorded on a canceled subscription").
			WithContext("record_usage", sub.ID.String())
	}
	pf, ok := planFeature(plan, in.FeatureID, in.FeatureKey)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "feature is not part of the subscription plan").
			WithContext("record_usage", sub.ID.String())
	}

	at := in.Timestamp.UTC()
	if in.Timestamp.IsZero() {
		at = s.now().UTC()
	}
	record := models.UsageRecord{
		SubscriptionID: sub.ID,
		FeatureID:      pf.FeatureID,
		PlanID:         plan.ID,
		Quantity:       in.Quantity,
		Timestamp:      at,
		Source:         enums.UsageSourceRecorded,
	}
	if err := s.repo.InsertRecord(ctx, &record); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert usage record").
			WithContext("record_usage", sub.ID.String())
	}

	aggregated, err := s.repo.SumUsage(ctx, SumQuery{
		SubscriptionID: sub.ID,
		PlanID:         plan.ID,
		FeatureID:      pf.FeatureID,
		From:           sub.CurrentPeriodStart,
		To:             sub.CurrentPeriodEnd,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "aggregate usage").
			WithContext("record_usage", sub.ID.String())
	}

	status := EvaluateLimit(pf.FeatureID, pf.Feature.Tiers, pf.Limit, aggregated, s.cfg.WarningPercent)
	result := &RecordUsageResult{Record: record, Aggregated: aggregated, Limit: status}
	if threshold := status.Threshold(); threshold != "" {
		result.Notified = s.alert(ctx, sub, pf.Feature, status, threshold)
	}
	return result, nil
}

func (s *service) alert(ctx context.Context, sub *models.Subscription, feature models.Feature, status LimitStatus, threshold string) bool {
	key := redis.UsageAlertKey(sub.ID.String(), feature.ID.String(), strconv.FormatInt(sub.CurrentPeriodStart.Unix(), 10), threshold)
	if s.deduper != nil {
		claimed, err := s.deduper.SetNX(ctx, key, status.Quantity, s.cfg.AlertDedupeTTL)
		if err != nil {
			// dedupe is best effort; alert anyway
			s.warn(ctx, "usage alert dedupe unavailable", err)
		} else if !claimed {
			return false
		}
	}

	kind := payloads.KindUsageWarning
	severity := enums.NotificationSeverityWarning
	title := fmt.Sprintf("%s usage is approaching its limit", featureLabel(feature))
	if threshold == thresholdExceeded {
		kind = payloads.KindUsageExceeded
		severity = enums.NotificationSeverityCritical
		title = fmt.Sprintf("%s usage limit reached", featureLabel(feature))
	}
	message := fmt.Sprintf("%d used, %.0f%% of the current tier.", status.Quantity, status.Percentage)
	if status.TierLimit != nil {
		message = fmt.Sprintf("%d of %d used, %.0f%% of the current tier.", status.Quantity, *status.TierLimit, status.Percentage)
	}

	subID := sub.ID
	_, err := s.notifier.NotifyAdmins(ctx, nil, notifications.Notification{
		OrganizationID: sub.OrganizationID,
		SubscriptionID: &subID,
		Kind:           kind,
		Title:          title,
		Message:        message,
		Severity:       severity,
		Channels:       []enums.NotificationChannel{enums.NotificationChannelInApp, enums.NotificationChannelEmail},
		Metadata: map[string]string{
			"feature_key": feature.Key,
			"threshold":   threshold,
		},
	})
	if err != nil {
		s.logg.Error(s.logg.WithSubscriptionID(ctx, sub.ID.String()), "queue usage alert", err)
		if s.deduper != nil {
			_ = s.deduper.Del(ctx, key)
		}
		return false
	}
	return true
}

// CheckUsageLimits evaluates aggregatedQuantity against the feature's own tiers.
func (s *service) CheckUsageLimits(ctx context.Context, featureID uuid.UUID, aggregatedQuantity int64) (*LimitStatus, error) {
	if aggregatedQuantity < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "aggregated quantity must not be negative")
	}
	feature, err := s.repo.FindFeature(ctx, featureID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load feature").WithContext("check_usage_limits", featureID.String())
	}
	if feature == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "feature not found").WithContext("check_usage_limits", featureID.String())
	}
	status := EvaluateLimit(feature.ID, feature.Tiers, nil, aggregatedQuantity, s.cfg.WarningPercent)
	return &status, nil
}

type FeatureUsage struct {
	FeatureID   uuid.UUID
	FeatureKey  string
	Total       int64
	CurrentTier *models.PricingTier
	NextTier    *models.PricingTier
	Limit       *int64
	Percentage  float64
	IsWarning   bool
	IsExceeded  bool
	Remaining   *int64
}

type Summary struct {
	SubscriptionID uuid.UUID
	PlanID         uuid.UUID
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Features       []FeatureUsage
}

// GetUsageSummary reports per-feature totals for the current period, ordered by feature key.
func (s *service) GetUsageSummary(ctx context.Context, subscriptionID uuid.UUID) (*Summary, error) {
	sub, plan, err := s.loadSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	totals, err := s.repo.SumUsageByFeature(ctx, SumQuery{
		SubscriptionID: sub.ID,
		PlanID:         plan.ID,
		From:           sub.CurrentPeriodStart,
		To:             sub.CurrentPeriodEnd,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "aggregate usage").
			WithContext("usage_summary", sub.ID.String())
	}

	summary := &Summary{
		SubscriptionID: sub.ID,
		PlanID:         plan.ID,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Features:       make([]FeatureUsage, 0, len(plan.Features)),
	}
	for _, pf := range plan.Features {
		total := totals[pf.FeatureID]
		status := EvaluateLimit(pf.FeatureID, pf.Feature.Tiers, pf.Limit, total, s.cfg.WarningPercent)
		summary.Features = append(summary.Features, FeatureUsage{
			FeatureID:   pf.FeatureID,
			FeatureKey:  pf.Feature.Key,
			Total:       total,
			CurrentTier: status.Tier,
			NextTier:    status.NextTier,
			Limit:       pf.Limit,
			Percentage:  status.Percentage,
			IsWarning:   status.IsWarning,
			IsExceeded:  status.IsExceeded,
			Remaining:   status.Remaining,
		})
	}
	sort.Slice(summary.Features, func(i, j int) bool {
		return summary.Features[i].FeatureKey < summary.Features[j].FeatureKey
	})
	return summary, nil
}

// TransferInput carries current-period usage from one plan context to another.
type TransferInput struct {
	SubscriptionID uuid.UUID
	FromPlan       *models.PricingPlan
	ToPlan         *models.PricingPlan
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// TransferUsage writes one transferred record per feature present in both plans,
// matched by feature key. Old records stay untouched. Transferred rows are born
// reported since their source rows are reconciled on their own.
func (s *service) TransferUsage(ctx context.Context, tx *gorm.DB, in TransferInput) ([]models.UsageRecord, error) {
	if in.FromPlan == nil || in.ToPlan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "both plans are required for a usage transfer")
	}
	repo := s.repo.WithTx(tx)
	totals, err := repo.SumUsageByFeature(ctx, SumQuery{
		SubscriptionID: in.SubscriptionID,
		PlanID:         in.FromPlan.ID,
		From:           in.PeriodStart,
		To:             in.PeriodEnd,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "aggregate usage for transfer").
			WithContext("transfer_usage", in.SubscriptionID.String())
	}

	byKey := make(map[string]models.PlanFeature, len(in.ToPlan.Features))
	for _, pf := range in.ToPlan.Features {
		byKey[normalizeKey(pf.Feature.Key)] = pf
	}

	at := s.now().UTC()
	var created []models.UsageRecord
	for _, from := range in.FromPlan.Features {
		total := totals[from.FeatureID]
		if total <= 0 {
			continue
		}
		to, ok := byKey[normalizeKey(from.Feature.Key)]
		if !ok || normalizeKey(from.Feature.Key) == "" {
			continue
		}
		reportedAt := at
		record := models.UsageRecord{
			SubscriptionID: in.SubscriptionID,
			FeatureID:      to.FeatureID,
			PlanID:         in.ToPlan.ID,
			Quantity:       total,
			Timestamp:      at,
			Source:         enums.UsageSourceTransferred,
			Reported:       true,
			ReportedAt:     &reportedAt,
		}
		if err := repo.InsertRecord(ctx, &record); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert transferred usage").
				WithContext("transfer_usage", in.SubscriptionID.String())
		}
		created = append(created, record)
	}
	return created, nil
}

func (s *service) loadSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, *models.PricingPlan, error) {
	if id == uuid.Nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id required")
	}
	sub, err := s.repo.FindSubscription(ctx, id)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription").WithContext("load_subscription", id.String())
	}
	if sub == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found").WithContext("load_subscription", id.String())
	}
	plan, err := s.catalog.Plan(ctx, sub.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return sub, plan, nil
}

func (s *service) warn(ctx context.Context, msg string, err error) {
	s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), msg)
}

func planFeature(plan *models.PricingPlan, featureID uuid.UUID, featureKey string) (models.PlanFeature, bool) {
	key := normalizeKey(featureKey)
	for _, pf := range plan.Features {
		if featureID != uuid.Nil && pf.FeatureID == featureID {
			return pf, true
		}
		if featureID == uuid.Nil && key != "" && normalizeKey(pf.Feature.Key) == key {
			return pf, true
		}
	}
	return models.PlanFeature{}, false
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func featureLabel(f models.Feature) string {
	if f.Name != "" {
		return f.Name
	}
	return f.Key
}
