package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/gateway"
	"github.com/angelmondragon/billing-engine/internal/notifications"
	"github.com/angelmondragon/billing-engine/internal/usage"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
)

type stubRepo struct {
	mu        sync.Mutex
	subs      map[uuid.UUID]models.Subscription
	orgs      map[uuid.UUID]models.Organization
	coupons   map[string]models.Coupon
	feedback  []models.CancellationFeedback
	created   int
	updates   int
	createErr error
	redeemErr error
	redeemed  int
	// beforeUpdate runs ahead of the version check, e.g. to simulate a concurrent writer.
	beforeUpdate func(r *stubRepo, id uuid.UUID)
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		subs:    map[uuid.UUID]models.Subscription{},
		orgs:    map[uuid.UUID]models.Organization{},
		coupons: map[string]models.Coupon{},
	}
}

func (r *stubRepo) WithTx(*gorm.DB) Repository { return r }

func (r *stubRepo) FindByID(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (r *stubRepo) FindByGatewayID(_ context.Context, gatewayID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.GatewaySubscriptionID != nil && *sub.GatewaySubscriptionID == gatewayID {
			copied := sub
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) ListGatewayLinked(context.Context, []enums.SubscriptionStatus, int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, sub := range r.subs {
		if sub.HasGateway() {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *stubRepo) FindOrganization(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	org, ok := r.orgs[id]
	if !ok {
		return nil, nil
	}
	return &org, nil
}

func (r *stubRepo) FindCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	coupon, ok := r.coupons[code]
	if !ok {
		return nil, nil
	}
	return &coupon, nil
}

func (r *stubRepo) Create(_ context.Context, sub *models.Subscription) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.Version == 0 {
		sub.Version = 1
	}
	r.subs[sub.ID] = *sub
	r.created++
	return nil
}

func (r *stubRepo) UpdateVersioned(_ context.Context, sub *models.Subscription) error {
	if r.beforeUpdate != nil {
		r.beforeUpdate(r, sub.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.subs[sub.ID]
	if !ok || stored.Version != sub.Version {
		return ErrVersionConflict
	}
	sub.Version++
	r.subs[sub.ID] = *sub
	r.updates++
	return nil
}

func (r *stubRepo) RedeemCoupon(context.Context, models.Coupon) error {
	if r.redeemErr != nil {
		return r.redeemErr
	}
	r.redeemed++
	return nil
}

func (r *stubRepo) InsertFeedback(_ context.Context, feedback *models.CancellationFeedback) error {
	r.feedback = append(r.feedback, *feedback)
	return nil
}

func (r *stubRepo) stored(id uuid.UUID) models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

type stubCatalog struct {
	plans map[uuid.UUID]*models.PricingPlan
}

func (c *stubCatalog) Plan(_ context.Context, id uuid.UUID) (*models.PricingPlan, error) {
	plan, ok := c.plans[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "pricing plan not found")
	}
	return plan, nil
}

func (c *stubCatalog) InvalidatePlan(uuid.UUID) {}

type stubGateway struct {
	gateway.Gateway

	createResp *gateway.Subscription
	createErr  error
	updateErr  error
	cancelErr  error
	previewErr error
	preview    *gateway.ProrationPreview

	creates  []gateway.CreateSubscriptionInput
	updates  []gateway.UpdateSubscriptionInput
	cancels  []bool
	canceled []string
	paused   int
	unpaused int
	resumed  int
}

func (g *stubGateway) CreateSubscription(_ context.Context, in gateway.CreateSubscriptionInput) (*gateway.Subscription, error) {
	g.creates = append(g.creates, in)
	if g.createErr != nil {
		return nil, g.createErr
	}
	return g.createResp, nil
}

func (g *stubGateway) UpdateSubscription(_ context.Context, in gateway.UpdateSubscriptionInput) (*gateway.Subscription, error) {
	g.updates = append(g.updates, in)
	if g.updateErr != nil {
		return nil, g.updateErr
	}
	return &gateway.Subscription{ID: in.SubscriptionID, RawStatus: "active"}, nil
}

func (g *stubGateway) CancelSubscription(_ context.Context, id string, atPeriodEnd bool) (*gateway.Subscription, error) {
	g.cancels = append(g.cancels, atPeriodEnd)
	g.canceled = append(g.canceled, id)
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	raw := "canceled"
	if atPeriodEnd {
		raw = "active"
	}
	return &gateway.Subscription{ID: id, RawStatus: raw}, nil
}

func (g *stubGateway) ResumeSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	g.resumed++
	return &gateway.Subscription{ID: id, RawStatus: "active"}, nil
}

func (g *stubGateway) PauseSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	g.paused++
	return &gateway.Subscription{ID: id, RawStatus: "active"}, nil
}

func (g *stubGateway) UnpauseSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	g.unpaused++
	return &gateway.Subscription{ID: id, RawStatus: "active"}, nil
}

func (g *stubGateway) PreviewProration(context.Context, gateway.UpdateSubscriptionInput) (*gateway.ProrationPreview, error) {
	if g.previewErr != nil {
		return nil, g.previewErr
	}
	return g.preview, nil
}

type stubNotifier struct {
	sent []notifications.Notification
}

func (n *stubNotifier) NotifyAdmins(_ context.Context, _ *gorm.DB, note notifications.Notification) (int, error) {
	n.sent = append(n.sent, note)
	return 1, nil
}

type stubOutbox struct {
	events  []outbox.DomainEvent
	deduped []outbox.DomainEvent
	emitErr error
}

func (o *stubOutbox) Emit(_ context.Context, _ *gorm.DB, event outbox.DomainEvent) error {
	if o.emitErr != nil {
		return o.emitErr
	}
	o.events = append(o.events, event)
	return nil
}

func (o *stubOutbox) EmitIfNotExists(_ context.Context, _ *gorm.DB, event outbox.DomainEvent) error {
	o.deduped = append(o.deduped, event)
	return nil
}

// stubEvents records names at Dispatch, so names only lists events whose
// transaction committed.
type stubEvents struct {
	staged map[uuid.UUID]string
	names  []string
	err    error
}

func (e *stubEvents) Stage(_ context.Context, _ *gorm.DB, name string, _ any) ([]uuid.UUID, error) {
	if e.err != nil {
		return nil, e.err
	}
	if e.staged == nil {
		e.staged = map[uuid.UUID]string{}
	}
	id := uuid.New()
	e.staged[id] = name
	return []uuid.UUID{id}, nil
}

func (e *stubEvents) Dispatch(_ context.Context, ids []uuid.UUID) {
	for _, id := range ids {
		e.names = append(e.names, e.staged[id])
	}
}

type stubUsage struct {
	inputs []usage.TransferInput
	err    error
}

func (u *stubUsage) TransferUsage(_ context.Context, _ *gorm.DB, in usage.TransferInput) ([]models.UsageRecord, error) {
	u.inputs = append(u.inputs, in)
	if u.err != nil {
		return nil, u.err
	}
	return []models.UsageRecord{{SubscriptionID: in.SubscriptionID, PlanID: in.ToPlan.ID, Quantity: 42}}, nil
}

type stubTxRunner struct {
	calls int
}

func (s *stubTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	s.calls++
	return fn(nil)
}

var fixedNow = time.Date(2026, 5, 16, 12, 0, 0, 0, time.UTC)
