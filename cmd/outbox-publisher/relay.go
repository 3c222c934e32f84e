package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
	"github.com/angelmondragon/billing-engine/pkg/outbox/registry"
	"github.com/angelmondragon/billing-engine/pkg/pubsub"
)

const (
	defaultBatchSize   = 50
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 10
	publishTimeout     = 15 * time.Second
	maxErrorBackoff    = 10 * time.Second
)

type outcome string

const (
	outcomePublished    outcome = "published"
	outcomeRetrying     outcome = "retrying"
	outcomeDeadLettered outcome = "dead_lettered"
)

type database interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type sink interface {
	Ping(context.Context) error
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}

type outboxStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type deadLetterStore interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type router interface {
	Decode(models.OutboxEvent) (*registry.Decoded, error)
}

type RelayParams struct {
	Logger      *logger.Logger
	DB          database
	Sink        sink
	Outbox      outboxStore
	DeadLetters deadLetterStore
	Routes      router
	Metrics     *metrics.OutboxMetrics
	Config      config.OutboxConfig
}

// Relay moves committed outbox rows onto Pub/Sub. Rows are locked for the
// duration of a batch so several relays can share one table.
type Relay struct {
	logg        *logger.Logger
	db          database
	sink        sink
	outbox      outboxStore
	deadLetters deadLetterStore
	routes      router
	metrics     *metrics.OutboxMetrics

	batchSize   int
	maxAttempts int
	poll        time.Duration
	now         func() time.Time
}

func NewRelay(p RelayParams) (*Relay, error) {
	var missing error
	for name, ok := range map[string]bool{
		"logger":            p.Logger != nil,
		"database":          p.DB != nil,
		"pubsub sink":       p.Sink != nil,
		"outbox repository": p.Outbox != nil,
		"dead letter store": p.DeadLetters != nil,
		"event routes":      p.Routes != nil,
	} {
		if !ok {
			missing = multierr.Append(missing, fmt.Errorf("%s is required", name))
		}
	}
	if missing != nil {
		return nil, missing
	}

	r := &Relay{
		logg:        p.Logger,
		db:          p.DB,
		sink:        p.Sink,
		outbox:      p.Outbox,
		deadLetters: p.DeadLetters,
		routes:      p.Routes,
		metrics:     p.Metrics,
		batchSize:   p.Config.BatchSize,
		maxAttempts: p.Config.MaxAttempts,
		poll:        time.Duration(p.Config.PollIntervalMS) * time.Millisecond,
		now:         time.Now,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.poll <= 0 {
		r.poll = defaultPoll
	}
	return r, nil
}

// Run relays until ctx is canceled. A full batch is followed immediately by
// the next one; an empty batch waits one poll interval; a failed batch backs
// off exponentially up to maxErrorBackoff.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := r.sink.Ping(ctx); err != nil {
		return fmt.Errorf("pubsub ping failed: %w", err)
	}

	onError := backoff.NewExponentialBackOff()
	onError.InitialInterval = r.poll
	onError.MaxInterval = maxErrorBackoff
	onError.MaxElapsedTime = 0
	onError.Reset()

	for {
		relayed, err := r.RelayBatch(ctx)
		wait := r.poll
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			r.logg.Error(ctx, "outbox batch failed", err)
			wait = onError.NextBackOff()
		case relayed > 0:
			onError.Reset()
			continue
		default:
			onError.Reset()
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RelayBatch handles up to one batch of rows and reports how many it saw.
// Bookkeeping failures roll the whole batch back so rows are retried.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	start := r.now()
	defer func() { r.metrics.ObserveBatch(time.Since(start)) }()

	seen := 0
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := r.outbox.FetchUnpublishedForPublish(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return fmt.Errorf("fetch outbox rows: %w", err)
		}
		seen = len(rows)
		for _, row := range rows {
			result, err := r.relayOne(ctx, tx, row)
			if err != nil {
				return err
			}
			r.metrics.IncEvent(string(row.EventType), string(result))
		}
		return nil
	})
	return seen, err
}

func (r *Relay) relayOne(ctx context.Context, tx *gorm.DB, row models.OutboxEvent) (outcome, error) {
	logCtx := r.logg.WithFields(ctx, map[string]any{
		"outbox_id":     row.ID.String(),
		"event_type":    row.EventType,
		"aggregate_id":  row.AggregateID.String(),
		"attempt_count": row.AttemptCount,
	})

	decoded, err := r.routes.Decode(row)
	if err != nil {
		return outcomeDeadLettered, r.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonNonRetryable, err)
	}
	logCtx = r.logg.WithFields(logCtx, map[string]any{
		"event_id": decoded.Envelope.EventID,
		"topic":    decoded.Route.Topic,
	})

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	messageID, err := r.sink.Publish(publishCtx, decoded.Route.Topic, row.Payload, decoded.Attributes(row))
	if err == nil {
		if err := r.outbox.MarkPublishedTx(tx, row.ID); err != nil {
			return "", fmt.Errorf("mark %s published: %w", row.ID, err)
		}
		r.logg.Info(r.logg.WithField(logCtx, "message_id", messageID), "outbox event published")
		return outcomePublished, nil
	}

	if registry.IsPermanent(err) || errors.Is(err, pubsub.ErrTopicNotConfigured) {
		return outcomeDeadLettered, r.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonNonRetryable, err)
	}
	if row.AttemptCount+1 >= r.maxAttempts {
		return outcomeDeadLettered, r.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonMaxAttempts, fmt.Errorf("gave up after %d attempts: %w", r.maxAttempts, err))
	}
	r.logg.Warn(r.logg.WithField(logCtx, "error", err.Error()), "outbox publish failed; will retry")
	if err := r.outbox.MarkFailedTx(tx, row.ID, err); err != nil {
		return "", fmt.Errorf("mark %s failed: %w", row.ID, err)
	}
	return outcomeRetrying, nil
}

// deadLetter copies the row to outbox_dlq and pins its attempts at the
// ceiling so it is never fetched again.
func (r *Relay) deadLetter(ctx context.Context, tx *gorm.DB, row models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
		"error_reason": reason,
		"error":        cause.Error(),
	}), "outbox event dead-lettered")

	entry := row.DeadLetter(reason, cause, r.now().UTC())
	if err := r.deadLetters.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("dead-letter %s: %w", row.ID, err)
	}
	if err := r.outbox.MarkTerminalTx(tx, row.ID, cause, r.maxAttempts); err != nil {
		return fmt.Errorf("mark %s terminal: %w", row.ID, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
