package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/logger"
)

const (
	defaultRetention        = 30 * 24 * time.Hour
	defaultTerminalAttempts = 10
)

type outboxPurger interface {
	PurgeBefore(tx *gorm.DB, cutoff time.Time, terminalAttempts int) (int64, error)
}

type deliveryPurger interface {
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

type RetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Outbox     outboxPurger
	Deliveries deliveryPurger
	Retention  time.Duration
	// TerminalAttempts matches the outbox publisher's max attempts.
	TerminalAttempts int
}

// NewRetentionJob trims published outbox rows and settled webhook deliveries.
// The processed inbound event ledger is never trimmed.
func NewRetentionJob(params RetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox repository required")
	}
	if params.Deliveries == nil {
		return nil, errors.New("webhook delivery repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	attempts := params.TerminalAttempts
	if attempts <= 0 {
		attempts = defaultTerminalAttempts
	}
	return &retentionJob{
		logg:       params.Logger,
		db:         params.DB,
		outbox:     params.Outbox,
		deliveries: params.Deliveries,
		retention:  retention,
		attempts:   attempts,
		now:        time.Now,
	}, nil
}

type retentionJob struct {
	logg       *logger.Logger
	db         txRunner
	outbox     outboxPurger
	deliveries deliveryPurger
	retention  time.Duration
	attempts   int
	now        func() time.Time
}

func (j *retentionJob) Name() string { return "data-retention" }

func (j *retentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var errs error

	var outboxDeleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.outbox.PurgeBefore(tx, cutoff, j.attempts)
		outboxDeleted = rows
		return err
	})
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("outbox retention: %w", err))
	}

	deliveriesDeleted, err := j.deliveries.PurgeTerminal(ctx, cutoff)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("webhook delivery retention: %w", err))
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":             cutoff,
		"outbox_deleted":     outboxDeleted,
		"deliveries_deleted": deliveriesDeleted,
	}), "retention cleanup complete")
	return errs
}
