package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
)

const maxResponseBytes = 4096

// noRetryStatus codes mean the target rejected the delivery for good.
var noRetryStatus = map[int]bool{
	http.StatusBadRequest:   true,
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
	http.StatusNotFound:     true,
	http.StatusGone:         true,
}

// OrganizationOwned event data scopes delivery to that organization's targets
// in addition to global ones.
type OrganizationOwned interface {
	OwnerOrganizationID() uuid.UUID
}

// Envelope is the signed request body.
type Envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type DispatcherParams struct {
	Repository Repository
	HTTPClient *http.Client
	Config     config.WebhookConfig
	Metrics    *metrics.BillingMetrics
	Logger     *logger.Logger
	Clock      func() time.Time
}

// Dispatcher fans events out to webhook targets. Every attempt is persisted;
// retries are armed with timers and the sweep recovers anything a restart lost.
type Dispatcher struct {
	repo    Repository
	client  *http.Client
	cfg     config.WebhookConfig
	metrics *metrics.BillingMetrics
	logg    *logger.Logger
	now     func() time.Time

	// slots bounds in-flight attempts across Emit, retry timers and Sweep.
	slots  *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	closed bool
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Repository == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "webhook repository required")
	}
	cfg := params.Config
	if cfg.MaxAttempts <= 0 || cfg.InitialDelay <= 0 || cfg.BackoffMultiplier < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "webhook retry settings are invalid")
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 5
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	client := params.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Clock
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		repo:    params.Repository,
		client:  client,
		cfg:     cfg,
		metrics: params.Metrics,
		logg:    logg,
		now:     now,
		slots:   semaphore.NewWeighted(int64(cfg.SweepConcurrency)),
		timers:  map[uuid.UUID]*time.Timer{},
	}, nil
}

// Emit records one pending delivery per matching target and starts the first
// attempts in the background. It returns once the rows are stored.
func (d *Dispatcher) Emit(ctx context.Context, eventName string, data any) error {
	ids, err := d.Stage(ctx, nil, eventName, data)
	if err != nil {
		return err
	}
	d.Dispatch(ctx, ids)
	return nil
}

// Stage stores one pending delivery per matching target inside tx without
// sending anything. Call Dispatch once tx commits; rows staged by a caller that
// never gets there are due immediately and the sweep delivers them.
func (d *Dispatcher) Stage(ctx context.Context, tx *gorm.DB, eventName string, data any) ([]uuid.UUID, error) {
	const op = "emit_webhook"
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event name is required").WithContext(op, "")
	}
	repo := d.repo.WithTx(tx)
	var orgID *uuid.UUID
	if owned, ok := data.(OrganizationOwned); ok {
		id := owned.OwnerOrganizationID()
		orgID = &id
	}
	targets, err := repo.ActiveTargets(ctx, eventName, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load webhook targets").WithContext(op, eventName)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(Envelope{Event: eventName, Timestamp: d.now().UTC(), Data: data})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode webhook payload").WithContext(op, eventName)
	}

	deliveries := make([]models.WebhookDelivery, 0, len(targets))
	ids := make([]uuid.UUID, 0, len(targets))
	for _, target := range targets {
		id := uuid.New()
		deliveries = append(deliveries, models.WebhookDelivery{
			ID:                    id,
			WebhookSubscriptionID: target.ID,
			EventName:             eventName,
			Payload:               body,
			Status:                enums.DeliveryStatusPending,
		})
		ids = append(ids, id)
	}
	if err := repo.CreateDeliveries(ctx, deliveries); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store webhook deliveries").WithContext(op, eventName)
	}
	return ids, nil
}

// Dispatch starts first attempts for staged deliveries in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, deliveryIDs []uuid.UUID) {
	background := context.WithoutCancel(ctx)
	for _, id := range deliveryIDs {
		d.goDeliver(background, id, true)
	}
}

// goDeliver runs one attempt in the background once a slot is free. Without
// wait it gives up when every slot is busy; the row stays due for the sweep.
func (d *Dispatcher) goDeliver(ctx context.Context, id uuid.UUID, wait bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if !wait && !d.slots.TryAcquire(1) {
		d.mu.Unlock()
		d.logg.Debug(d.logg.WithDeliveryID(ctx, id.String()), "webhook retry deferred to sweep")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		if wait {
			if err := d.slots.Acquire(ctx, 1); err != nil {
				return
			}
		}
		defer d.slots.Release(1)
		if err := d.Deliver(ctx, id); err != nil {
			d.logg.Error(d.logg.WithDeliveryID(ctx, id.String()), "webhook delivery attempt", err)
		}
	}()
}

// Deliver makes one attempt if the delivery is due and this caller wins the
// claim. HTTP failures are recorded on the row; only storage errors return.
func (d *Dispatcher) Deliver(ctx context.Context, deliveryID uuid.UUID) error {
	_, err := d.deliver(ctx, deliveryID)
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, deliveryID uuid.UUID) (bool, error) {
	const op = "deliver_webhook"
	ctx = d.logg.WithDeliveryID(ctx, deliveryID.String())
	claimed, err := d.repo.Claim(ctx, deliveryID, d.now().UTC(), d.cfg.ClaimLease)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim webhook delivery").WithContext(op, deliveryID.String())
	}
	if !claimed {
		return false, nil
	}
	delivery, err := d.repo.FindDelivery(ctx, deliveryID)
	if err != nil {
		return true, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load webhook delivery").WithContext(op, deliveryID.String())
	}
	if delivery == nil {
		return true, pkgerrors.New(pkgerrors.CodeNotFound, "webhook delivery not found").WithContext(op, deliveryID.String())
	}
	return true, d.attempt(ctx, delivery)
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *models.WebhookDelivery) error {
	const op = "deliver_webhook"
	target := delivery.Target
	start := d.now().UTC()
	began := time.Now()
	delivery.LastAttemptAt = &start
	delivery.NextAttemptAt = nil

	if target == nil || !target.IsActive {
		msg := "webhook target inactive or removed"
		delivery.LastError = &msg
		delivery.Status = enums.DeliveryStatusFailed
		return d.finish(ctx, op, delivery, "failed", 0)
	}

	status, respBody, sendErr := d.send(ctx, target, delivery)
	took := time.Since(began)
	delivery.LastStatusCode = nil
	delivery.LastResponse = nil
	delivery.LastError = nil
	if status != 0 {
		delivery.LastStatusCode = &status
		delivery.LastResponse = &respBody
	}
	if sendErr != nil {
		msg := sendErr.Error()
		delivery.LastError = &msg
	}

	switch {
	case sendErr == nil && status >= 200 && status < 300:
		completed := d.now().UTC()
		delivery.Status = enums.DeliveryStatusCompleted
		delivery.CompletedAt = &completed
		return d.finish(ctx, op, delivery, "completed", took)
	case sendErr == nil && noRetryStatus[status]:
		delivery.RetryCount++
		delivery.Status = enums.DeliveryStatusFailed
		return d.finish(ctx, op, delivery, "rejected", took)
	}

	delivery.RetryCount++
	if delivery.RetryCount >= d.cfg.MaxAttempts {
		delivery.Status = enums.DeliveryStatusFailed
		return d.finish(ctx, op, delivery, "exhausted", took)
	}
	delay := d.RetryDelay(delivery.RetryCount - 1)
	next := d.now().UTC().Add(delay)
	delivery.NextAttemptAt = &next
	if err := d.repo.SaveAttempt(ctx, delivery); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save webhook attempt").WithContext(op, delivery.ID.String())
	}
	d.metrics.ObserveDelivery("retry_scheduled", took)
	d.logg.Warn(d.logg.WithFields(ctx, map[string]any{
		"attempt":     delivery.RetryCount,
		"retry_in_ms": delay.Milliseconds(),
		"status_code": status,
	}), "webhook delivery failed, retry scheduled")
	d.schedule(delivery.ID, delay)
	return nil
}

// finish persists a terminal attempt and stamps the target.
func (d *Dispatcher) finish(ctx context.Context, op string, delivery *models.WebhookDelivery, outcome string, took time.Duration) error {
	if err := d.repo.SaveAttempt(ctx, delivery); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save webhook attempt").WithContext(op, delivery.ID.String())
	}
	d.metrics.ObserveDelivery(outcome, took)
	success := delivery.Status == enums.DeliveryStatusCompleted
	at := d.now().UTC()
	if err := d.repo.TouchTarget(ctx, delivery.WebhookSubscriptionID, success, at); err != nil {
		d.logg.Error(ctx, "stamp webhook target", err)
	}
	if !success {
		d.logg.Warn(d.logg.WithField(ctx, "outcome", outcome), "webhook delivery failed permanently")
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, target *models.WebhookSubscription, delivery *models.WebhookDelivery) (int, string, error) {
	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	for name, value := range target.CustomHeaders() {
		if reservedHeader(name) {
			continue
		}
		req.Header.Set(name, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(target.Secret, delivery.Payload))
	req.Header.Set(HeaderEvent, delivery.EventName)
	req.Header.Set(HeaderDeliveryID, delivery.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, string(snippet), nil
}

// RetryDelay is InitialDelay × BackoffMultiplier^attempt, capped at MaxDelay.
func (d *Dispatcher) RetryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          d.cfg.BackoffMultiplier,
		MaxInterval:         d.cfg.MaxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// schedule re-invokes Deliver after delay without holding a goroutine.
func (d *Dispatcher) schedule(id uuid.UUID, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if existing, ok := d.timers[id]; ok {
		existing.Stop()
	}
	d.timers[id] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()
		d.goDeliver(context.Background(), id, false)
	})
}

type SweepResult struct {
	Due       int
	Attempted int
}

// Sweep re-dispatches due pending deliveries with bounded concurrency. Rows a
// concurrent sweeper already claimed are skipped.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	const op = "sweep_webhooks"
	ids, err := d.repo.DueDeliveries(ctx, d.now().UTC(), d.cfg.MaxAttempts, d.cfg.SweepBatchSize)
	if err != nil {
		return SweepResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list due webhook deliveries").WithContext(op, "")
	}
	result := SweepResult{Due: len(ids)}
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(d.cfg.SweepConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := d.slots.Acquire(ctx, 1); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return nil
			}
			attempted, err := d.deliver(ctx, id)
			d.slots.Release(1)
			mu.Lock()
			defer mu.Unlock()
			if attempted {
				result.Attempted++
			}
			errs = multierr.Append(errs, err)
			return nil
		})
	}
	_ = g.Wait()
	return result, errs
}

// Close cancels armed retry timers and waits for in-flight attempts. Pending
// rows stay due and are picked up by the next sweep.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Wait blocks until in-flight attempts finish. Armed timers are not waited for.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
