package cron

import (
	"context"
	"errors"

	"github.com/angelmondragon/billing-engine/internal/webhooks/outbound"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

type webhookSweeper interface {
	Sweep(ctx context.Context) (outbound.SweepResult, error)
}

type WebhookSweepJobParams struct {
	Logger     *logger.Logger
	Dispatcher webhookSweeper
}

// NewWebhookSweepJob re-dispatches pending outbound deliveries whose retry is
// due, including those whose in-process timer died with a previous worker.
func NewWebhookSweepJob(params WebhookSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Dispatcher == nil {
		return nil, errors.New("webhook dispatcher required")
	}
	return &webhookSweepJob{logg: params.Logger, dispatcher: params.Dispatcher}, nil
}

type webhookSweepJob struct {
	logg       *logger.Logger
	dispatcher webhookSweeper
}

func (j *webhookSweepJob) Name() string { return "webhook-retry-sweep" }

func (j *webhookSweepJob) Run(ctx context.Context) error {
	result, err := j.dispatcher.Sweep(ctx)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"due":       result.Due,
		"attempted": result.Attempted,
	}), "webhook sweep complete")
	return err
}
