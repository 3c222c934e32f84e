package cron

import (
	"context"
	"errors"

	"github.com/angelmondragon/billing-engine/internal/usage"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

type usageReconciler interface {
	ProcessUsageRecords(ctx context.Context) (*usage.ReconcileResult, error)
}

type UsageReconcileJobParams struct {
	Logger *logger.Logger
	Usage  usageReconciler
}

// NewUsageReconcileJob reports aggregated unreported usage to the gateway.
func NewUsageReconcileJob(params UsageReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Usage == nil {
		return nil, errors.New("usage service required")
	}
	return &usageReconcileJob{logg: params.Logger, usage: params.Usage}, nil
}

type usageReconcileJob struct {
	logg  *logger.Logger
	usage usageReconciler
}

func (j *usageReconcileJob) Name() string { return "usage-reconcile" }

func (j *usageReconcileJob) Run(ctx context.Context) error {
	result, err := j.usage.ProcessUsageRecords(ctx)
	if result != nil {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"subscriptions": result.Subscriptions,
			"batches":       result.Batches,
			"reported":      result.Reported,
			"failed":        result.Failed,
			"quantity":      result.Quantity,
		}), "usage reconcile loop complete")
	}
	return err
}
