package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/gateway"
	"github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

const defaultReconcileLimit = 250

// reconcileStatuses are the states the gateway can still move on its own.
var reconcileStatuses = []enums.SubscriptionStatus{
	enums.SubscriptionStatusPending,
	enums.SubscriptionStatusTrialing,
	enums.SubscriptionStatusActive,
	enums.SubscriptionStatusPastDue,
	enums.SubscriptionStatusPaused,
}

type gatewayLinkedLister interface {
	ListGatewayLinked(ctx context.Context, statuses []enums.SubscriptionStatus, limit int) ([]models.Subscription, error)
}

type gatewaySyncer interface {
	ApplyGatewayUpdate(ctx context.Context, tx *gorm.DB, update subscriptions.GatewayUpdate) (*subscriptions.GatewayUpdateResult, error)
}

type gatewaySubscriptionReader interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*gateway.Subscription, error)
}

// SubscriptionReconcileJobParams configures the gateway sync cron job.
type SubscriptionReconcileJobParams struct {
	Logger        *logger.Logger
	DB            txRunner
	Subscriptions gatewayLinkedLister
	Syncer        gatewaySyncer
	Gateway       gatewaySubscriptionReader
	Events        subscriptions.EventPublisher
	Limit         int
}

// NewSubscriptionReconcileJob pulls gateway state for mirrored subscriptions
// and applies it the same way an inbound webhook would, which heals rows whose
// webhook was lost.
func NewSubscriptionReconcileJob(params SubscriptionReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Subscriptions == nil {
		return nil, errors.New("subscription repository required")
	}
	if params.Syncer == nil {
		return nil, errors.New("subscription service required")
	}
	if params.Gateway == nil {
		return nil, errors.New("payment gateway required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &subscriptionReconcileJob{
		logg:    params.Logger,
		db:      params.DB,
		subs:    params.Subscriptions,
		syncer:  params.Syncer,
		gateway: params.Gateway,
		events:  params.Events,
		limit:   limit,
	}, nil
}

type subscriptionReconcileJob struct {
	logg    *logger.Logger
	db      txRunner
	subs    gatewayLinkedLister
	syncer  gatewaySyncer
	gateway gatewaySubscriptionReader
	events  subscriptions.EventPublisher
	limit   int
}

func (j *subscriptionReconcileJob) Name() string { return "subscription-reconcile" }

func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	candidates, err := j.subs.ListGatewayLinked(ctx, reconcileStatuses, j.limit)
	if err != nil {
		return fmt.Errorf("list subscriptions for reconciliation: %w", err)
	}
	var errs error
	changed := 0
	for i := range candidates {
		didChange, err := j.reconcile(ctx, &candidates[i])
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if didChange {
			changed++
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates": len(candidates),
		"changed":    changed,
		"failed":     len(multierr.Errors(errs)),
	}), "subscription reconcile loop complete")
	return errs
}

func (j *subscriptionReconcileJob) reconcile(ctx context.Context, sub *models.Subscription) (bool, error) {
	gatewayID := strings.TrimSpace(*sub.GatewaySubscriptionID)
	logCtx := j.logg.WithSubscriptionID(ctx, sub.ID.String())
	logCtx = j.logg.WithField(logCtx, "gateway_subscription_id", gatewayID)

	remote, err := j.gateway.GetSubscription(logCtx, gatewayID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		j.logg.Warn(logCtx, "gateway subscription not found; skipping")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch gateway subscription %s: %w", gatewayID, err)
	}
	if remote == nil {
		return false, nil
	}

	var (
		result *subscriptions.GatewayUpdateResult
		staged []uuid.UUID
	)
	if err := j.db.WithTx(logCtx, func(tx *gorm.DB) error {
		res, err := j.syncer.ApplyGatewayUpdate(logCtx, tx, subscriptions.GatewayUpdateFrom(remote))
		if err != nil {
			return err
		}
		result = res
		if j.events == nil || res == nil || !res.Changed {
			return nil
		}
		staged, err = j.events.Stage(logCtx, tx, res.Event, subscriptions.EventData(res.Subscription))
		return err
	}); err != nil {
		return false, fmt.Errorf("persist subscription %s reconciliation: %w", sub.ID, err)
	}
	if result == nil || !result.Changed {
		return false, nil
	}
	j.logg.Info(j.logg.WithFields(logCtx, map[string]any{
		"from_status": result.FromStatus,
		"to_status":   result.Subscription.Status,
	}), "subscription reconciled from gateway")
	if len(staged) > 0 {
		j.events.Dispatch(logCtx, staged)
	}
	return true, nil
}
