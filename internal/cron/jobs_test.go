package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/gateway"
	"github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/internal/usage"
	"github.com/angelmondragon/billing-engine/internal/webhooks/outbound"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

type passTx struct{}

func (passTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(&gorm.DB{})
}

type stubReconciler struct {
	result *usage.ReconcileResult
	err    error
	calls  int
}

func (s *stubReconciler) ProcessUsageRecords(context.Context) (*usage.ReconcileResult, error) {
	s.calls++
	return s.result, s.err
}

func TestUsageReconcileJobReturnsAggregatedErrors(t *testing.T) {
	partial := multierr.Append(errors.New("sub a"), errors.New("sub b"))
	reconciler := &stubReconciler{result: &usage.ReconcileResult{Subscriptions: 3, Reported: 1, Failed: 2}, err: partial}
	job, err := NewUsageReconcileJob(UsageReconcileJobParams{Logger: logger.Nop(), Usage: reconciler})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if job.Name() != "usage-reconcile" {
		t.Fatalf("unexpected name %q", job.Name())
	}
	err = job.Run(context.Background())
	if len(multierr.Errors(err)) != 2 {
		t.Fatalf("expected both subscription failures, got %v", err)
	}
	if reconciler.calls != 1 {
		t.Fatalf("expected one reconcile pass, got %d", reconciler.calls)
	}
}

type stubSweeper struct {
	result outbound.SweepResult
	err    error
}

func (s *stubSweeper) Sweep(context.Context) (outbound.SweepResult, error) {
	return s.result, s.err
}

func TestWebhookSweepJob(t *testing.T) {
	sweeper := &stubSweeper{result: outbound.SweepResult{Due: 4, Attempted: 3}}
	job, err := NewWebhookSweepJob(WebhookSweepJobParams{Logger: logger.Nop(), Dispatcher: sweeper})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	sweeper.err = errors.New("db down")
	if err := job.Run(context.Background()); err == nil {
		t.Fatalf("expected sweep error")
	}
	if _, err := NewWebhookSweepJob(WebhookSweepJobParams{Logger: logger.Nop()}); err == nil {
		t.Fatalf("expected missing dispatcher error")
	}
}

type stubLister struct {
	subs []models.Subscription
}

func (s *stubLister) ListGatewayLinked(_ context.Context, statuses []enums.SubscriptionStatus, limit int) ([]models.Subscription, error) {
	for _, st := range statuses {
		if st == enums.SubscriptionStatusCanceled {
			return nil, errors.New("canceled subscriptions are final")
		}
	}
	return s.subs, nil
}

type stubRemote struct {
	subs map[string]*gateway.Subscription
	errs map[string]error
}

func (s *stubRemote) GetSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	if err := s.errs[id]; err != nil {
		return nil, err
	}
	return s.subs[id], nil
}

type recordingSyncer struct {
	current map[string]enums.SubscriptionStatus
	applied []subscriptions.GatewayUpdate
}

func (r *recordingSyncer) ApplyGatewayUpdate(_ context.Context, tx *gorm.DB, update subscriptions.GatewayUpdate) (*subscriptions.GatewayUpdateResult, error) {
	if tx == nil {
		return nil, errors.New("no transaction")
	}
	r.applied = append(r.applied, update)
	from := r.current[update.GatewaySubscriptionID]
	sub := &models.Subscription{ID: uuid.New(), OrganizationID: uuid.New(), Status: update.Status}
	return &subscriptions.GatewayUpdateResult{
		Subscription: sub,
		FromStatus:   from,
		Event:        subscriptions.EventSubscriptionUpdated,
		Changed:      from != update.Status,
	}, nil
}

type recordingEvents struct {
	staged map[uuid.UUID]string
	names  []string
}

func (r *recordingEvents) Stage(_ context.Context, _ *gorm.DB, name string, _ any) ([]uuid.UUID, error) {
	if r.staged == nil {
		r.staged = map[uuid.UUID]string{}
	}
	id := uuid.New()
	r.staged[id] = name
	return []uuid.UUID{id}, nil
}

func (r *recordingEvents) Dispatch(_ context.Context, ids []uuid.UUID) {
	for _, id := range ids {
		r.names = append(r.names, r.staged[id])
	}
}

func linked(gatewayID string, status enums.SubscriptionStatus) models.Subscription {
	return models.Subscription{ID: uuid.New(), Status: status, GatewaySubscriptionID: &gatewayID}
}

func TestSubscriptionReconcileJobAppliesGatewayState(t *testing.T) {
	remote := &stubRemote{
		subs: map[string]*gateway.Subscription{
			"sub_changed": {ID: "sub_changed", Status: enums.SubscriptionStatusPastDue, RawStatus: "past_due"},
			"sub_same":    {ID: "sub_same", Status: enums.SubscriptionStatusActive, RawStatus: "active"},
		},
		errs: map[string]error{
			"sub_gone":  pkgerrors.New(pkgerrors.CodeNotFound, "gateway resource not found"),
			"sub_flaky": pkgerrors.New(pkgerrors.CodeDependency, "payment gateway unavailable"),
		},
	}
	syncer := &recordingSyncer{current: map[string]enums.SubscriptionStatus{
		"sub_changed": enums.SubscriptionStatusActive,
		"sub_same":    enums.SubscriptionStatusActive,
	}}
	events := &recordingEvents{}
	job, err := NewSubscriptionReconcileJob(SubscriptionReconcileJobParams{
		Logger: logger.Nop(),
		DB:     passTx{},
		Subscriptions: &stubLister{subs: []models.Subscription{
			linked("sub_changed", enums.SubscriptionStatusActive),
			linked("sub_same", enums.SubscriptionStatusActive),
			linked("sub_gone", enums.SubscriptionStatusTrialing),
			linked("sub_flaky", enums.SubscriptionStatusPastDue),
		}},
		Syncer:  syncer,
		Gateway: remote,
		Events:  events,
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}

	err = job.Run(context.Background())
	if errs := multierr.Errors(err); len(errs) != 1 || !pkgerrors.IsCode(errs[0], pkgerrors.CodeDependency) {
		t.Fatalf("expected only the flaky gateway call to fail, got %v", err)
	}
	if len(syncer.applied) != 2 {
		t.Fatalf("expected 2 updates applied, got %d", len(syncer.applied))
	}
	if syncer.applied[0].CancelAtPeriodEnd == nil || syncer.applied[0].RawStatus != "past_due" {
		t.Fatalf("gateway fields not mirrored: %+v", syncer.applied[0])
	}
	if len(events.names) != 1 || events.names[0] != subscriptions.EventSubscriptionUpdated {
		t.Fatalf("expected one event for the changed subscription, got %v", events.names)
	}
}

type stubOutboxPurger struct {
	cutoff   time.Time
	attempts int
	err      error
}

func (s *stubOutboxPurger) PurgeBefore(tx *gorm.DB, cutoff time.Time, attempts int) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	s.cutoff, s.attempts = cutoff, attempts
	return 7, s.err
}

type stubDeliveryPurger struct {
	cutoff time.Time
	err    error
}

func (s *stubDeliveryPurger) PurgeTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return 3, s.err
}

func TestRetentionJobPurgesBothTables(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	outbox := &stubOutboxPurger{}
	deliveries := &stubDeliveryPurger{}
	jobIface, err := NewRetentionJob(RetentionJobParams{
		Logger:           logger.Nop(),
		DB:               passTx{},
		Outbox:           outbox,
		Deliveries:       deliveries,
		Retention:        72 * time.Hour,
		TerminalAttempts: 10,
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	job := jobIface.(*retentionJob)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := now.Add(-72 * time.Hour)
	if !outbox.cutoff.Equal(want) || !deliveries.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got outbox %s deliveries %s", want, outbox.cutoff, deliveries.cutoff)
	}
	if outbox.attempts != 10 {
		t.Fatalf("expected terminal attempts 10, got %d", outbox.attempts)
	}

	outbox.err = errors.New("outbox locked")
	deliveries.err = errors.New("deliveries locked")
	if err := job.Run(context.Background()); len(multierr.Errors(err)) != 2 {
		t.Fatalf("expected both failures reported, got %v", err)
	}
}
