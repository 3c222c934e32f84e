package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/gateway"
	"github.com/angelmondragon/billing-engine/internal/notifications"
	"github.com/angelmondragon/billing-engine/internal/pricing"
	"github.com/angelmondragon/billing-engine/internal/usage"
	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
)

// Outbound webhook event names.
const (
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
	EventSubscriptionPaused   = "subscription.paused"
	EventSubscriptionResumed  = "subscription.resumed"
)

const defaultCancelReason = "unspecified"

var validate = validator.New()

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// EventPublisher fans a change out to outbound webhook targets. Stage writes
// the delivery rows in the caller's transaction and Dispatch sends them after
// commit.
type EventPublisher interface {
	Stage(ctx context.Context, tx *gorm.DB, eventName string, data any) ([]uuid.UUID, error)
	Dispatch(ctx context.Context, deliveryIDs []uuid.UUID)
}

type outboxWriter interface {
	outbox.Emitter
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type usageTransferer interface {
	TransferUsage(ctx context.Context, tx *gorm.DB, in usage.TransferInput) ([]models.UsageRecord, error)
}

// Service drives subscriptions through their lifecycle. Gateway calls happen
// before any local write, so a gateway failure leaves the row untouched.
type Service interface {
	Create(ctx context.Context, params CreateParams) (*models.Subscription, error)
	ChangePlan(ctx context.Context, params ChangePlanParams) (*PlanChangeResult, error)
	CalculatePlanChangeImpact(ctx context.Context, subscriptionID, newPlanID uuid.UUID, prorationDate *time.Time) (*PlanChangeImpact, error)
	Cancel(ctx context.Context, params CancelParams) (*models.Subscription, error)
	Resume(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error)
	Pause(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error)
	Unpause(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error)
	Get(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error)
	ApplyGatewayUpdate(ctx context.Context, tx *gorm.DB, update GatewayUpdate) (*GatewayUpdateResult, error)
}

type ServiceParams struct {
	Repository Repository
	Catalog    pricing.PlanCatalog
	Gateway    gateway.Gateway
	Usage      usageTransferer
	Notifier   notifications.Notifier
	Outbox     outboxWriter
	Events     EventPublisher
	TxRunner   txRunner
	Config     config.LifecycleConfig
	Logger     *logger.Logger
	Clock      func() time.Time
}

type service struct {
	repo     Repository
	catalog  pricing.PlanCatalog
	gateway  gateway.Gateway
	usage    usageTransferer
	notifier notifications.Notifier
	outbox   outboxWriter
	events   EventPublisher
	tx       txRunner
	cfg      config.LifecycleConfig
	logg     *logger.Logger
	now      func() time.Time
}

// NewService wires lifecycle dependencies. Gateway and Events are optional:
// without a gateway every subscription is local-only.
func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "subscription repository required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "plan catalog required")
	}
	if params.Notifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifier required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "outbox required")
	}
	if params.TxRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction runner required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Clock
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:     params.Repository,
		catalog:  params.Catalog,
		gateway:  params.Gateway,
		usage:    params.Usage,
		notifier: params.Notifier,
		outbox:   params.Outbox,
		events:   params.Events,
		tx:       params.TxRunner,
		cfg:      params.Config,
		logg:     logg,
		now:      now,
	}, nil
}

type CreateParams struct {
	OrganizationID uuid.UUID `validate:"required"`
	PlanID         uuid.UUID `validate:"required"`
	Quantity       int64     `validate:"gte=0"`
	CouponCode     string    `validate:"omitempty,max=64"`
	// TrialDays overrides the plan's trial length when set.
	TrialDays      *int   `validate:"omitempty,gte=0,lte=730"`
	IdempotencyKey string `validate:"omitempty,max=255"`
}

// Create persists a subscription. When the organization has a gateway customer
// and the plan a gateway price, the gateway subscription is created first and
// canceled again if the local write fails.
func (s *service) Create(ctx context.Context, params CreateParams) (*models.Subscription, error) {
	const op = "create_subscription"
	if err := validateParams(op, params); err != nil {
		return nil, err
	}
	ctx = s.logg.WithOrganizationID(ctx, params.OrganizationID.String())

	org, err := s.repo.FindOrganization(ctx, params.OrganizationID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load organization").WithContext(op, params.OrganizationID.String())
	}
	if org == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "organization not found").WithContext(op, params.OrganizationID.String())
	}
	plan, err := s.plan(ctx, op, params.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is not available").WithContext(op, plan.ID.String())
	}

	now := s.now().UTC()
	var coupon *models.Coupon
	if code := strings.TrimSpace(params.CouponCode); code != "" {
		coupon, err = s.repo.FindCouponByCode(ctx, code)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon").WithContext(op, code)
		}
		if coupon == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found").WithContext(op, code)
		}
		if !coupon.RedeemableAt(now) || !coupon.Promotion.ActiveAt(now) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon is not redeemable").WithContext(op, code)
		}
	}

	quantity := params.Quantity
	if quantity == 0 {
		quantity = 1
	}
	trialDays := plan.TrialDays
	if params.TrialDays != nil {
		trialDays = *params.TrialDays
	}

	sub := &models.Subscription{
		ID:                 uuid.New(),
		OrganizationID:     org.ID,
		PlanID:             plan.ID,
		Status:             enums.SubscriptionStatusActive,
		Quantity:           quantity,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   periodEnd(plan, now),
	}
	if trialDays > 0 {
		trialEnd := now.AddDate(0, 0, trialDays)
		sub.TrialEnd = &trialEnd
		sub.Status = enums.SubscriptionStatusTrialing
	}
	if coupon != nil {
		sub.CouponID = &coupon.ID
	}

	var remote *gateway.Subscription
	if s.gateway != nil && org.GatewayCustomerID != nil && plan.GatewayPriceID != nil {
		key := strings.TrimSpace(params.IdempotencyKey)
		if key == "" {
			key = "subscription-create:" + sub.ID.String()
		}
		remote, err = s.gateway.CreateSubscription(ctx, gateway.CreateSubscriptionInput{
			CustomerID:     *org.GatewayCustomerID,
			PriceID:        *plan.GatewayPriceID,
			Quantity:       quantity,
			TrialDays:      trialDays,
			IdempotencyKey: key,
			Metadata: map[string]string{
				"organization_id": org.ID.String(),
				"plan_id":         plan.ID.String(),
				"subscription_id": sub.ID.String(),
			},
		})
		if err != nil {
			return nil, gatewayError(op, org.ID.String(), err)
		}
		sub.GatewaySubscriptionID = &remote.ID
		sub.Status = enums.SubscriptionStatusPending
		if remote.Status == enums.SubscriptionStatusActive || remote.Status == enums.SubscriptionStatusTrialing {
			sub.Status = remote.Status
		}
		applyRemote(sub, remote, true)
	}

	var staged []uuid.UUID
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.Create(ctx, sub); err != nil {
			return err
		}
		if coupon != nil {
			if err := repo.RedeemCoupon(ctx, *coupon); err != nil {
				return err
			}
		}
		subID := sub.ID
		if _, err := s.notifier.NotifyAdmins(ctx, tx, notifications.Notification{
			OrganizationID: org.ID,
			SubscriptionID: &subID,
			Kind:           payloads.KindSubscriptionCreated,
			Title:          fmt.Sprintf("Your %s subscription has started", plan.Name),
			Message:        fmt.Sprintf("Subscription is %s until %s.", sub.Status, sub.CurrentPeriodEnd.Format("2006-01-02")),
			Severity:       enums.NotificationSeverityInfo,
			Channels:       []enums.NotificationChannel{enums.NotificationChannelInApp, enums.NotificationChannelEmail},
		}); err != nil {
			return err
		}
		if err := s.emitChanged(ctx, tx, sub, "", nil, EventSubscriptionCreated, outbox.ActorSystem); err != nil {
			return err
		}
		var err error
		staged, err = s.stage(ctx, tx, EventSubscriptionCreated, sub)
		return err
	})
	if err != nil {
		if remote != nil {
			if _, cancelErr := s.gateway.CancelSubscription(ctx, remote.ID, false); cancelErr != nil {
				s.logg.Error(ctx, "cancel gateway subscription after failed create", cancelErr)
			}
		}
		return nil, persistError(op, sub.ID, err)
	}

	s.logg.Info(s.logg.WithSubscriptionID(ctx, sub.ID.String()), "subscription created")
	s.dispatch(ctx, staged)
	return sub, nil
}

type ChangePlanParams struct {
	SubscriptionID  uuid.UUID `validate:"required"`
	NewPlanID       uuid.UUID `validate:"required"`
	ImmediateChange bool
	PreserveUsage   bool
	ProrationDate   *time.Time
}

type PlanChangeResult struct {
	Subscription     *models.Subscription
	Impact           *PlanChangeImpact
	TransferredUsage []models.UsageRecord
}

// ChangePlan moves the subscription to NewPlanID. ImmediateChange only decides
// whether the gateway invoices the proration now or on the next invoice.
func (s *service) ChangePlan(ctx context.Context, params ChangePlanParams) (*PlanChangeResult, error) {
	const op = "change_plan"
	if err := validateParams(op, params); err != nil {
		return nil, err
	}
	sub, err := s.load(ctx, op, params.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is canceled").WithContext(op, sub.ID.String())
	}
	if sub.PlanID == params.NewPlanID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription is already on this plan").WithContext(op, sub.ID.String())
	}
	current, err := s.plan(ctx, op, sub.PlanID)
	if err != nil {
		return nil, err
	}
	next, err := s.plan(ctx, op, params.NewPlanID)
	if err != nil {
		return nil, err
	}
	if !next.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is not available").WithContext(op, next.ID.String())
	}

	impact, err := s.impact(ctx, sub, current, next, params.ProrationDate, params.ImmediateChange)
	if err != nil {
		return nil, err
	}

	var remote *gateway.Subscription
	if s.gateway != nil && sub.HasGateway() {
		if next.GatewayPriceID == nil {
			return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "plan has no gateway price").WithContext(op, next.ID.String())
		}
		prorationDate := impact.ProrationDate
		remote, err = s.gateway.UpdateSubscription(ctx, gateway.UpdateSubscriptionInput{
			SubscriptionID: *sub.GatewaySubscriptionID,
			PriceID:        *next.GatewayPriceID,
			Quantity:       sub.Quantity,
			InvoiceNow:     params.ImmediateChange,
			ProrationDate:  &prorationDate,
		})
		if err != nil {
			return nil, gatewayError(op, sub.ID.String(), err)
		}
	}

	from := sub.Status
	previousPlan := sub.PlanID
	periodStart, periodEnd := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	sub.PlanID = next.ID
	applyRemote(sub, remote, false)

	result := &PlanChangeResult{Subscription: sub, Impact: impact}
	err = s.commit(ctx, op, sub, from, &previousPlan, EventSubscriptionUpdated, outbox.ActorSystem, func(tx *gorm.DB, _ Repository) error {
		if !params.PreserveUsage || s.usage == nil {
			return nil
		}
		transferred, err := s.usage.TransferUsage(ctx, tx, usage.TransferInput{
			SubscriptionID: sub.ID,
			FromPlan:       current,
			ToPlan:         next,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
		})
		result.TransferredUsage = transferred
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type CancelParams struct {
	SubscriptionID    uuid.UUID `validate:"required"`
	CancelImmediately bool
	Reason            string `validate:"max=100"`
	Feedback          string `validate:"max=2000"`
}

// Cancel ends the subscription now or flags it to end at the period boundary.
// A deferred cancel never changes the status or the period end.
func (s *service) Cancel(ctx context.Context, params CancelParams) (*models.Subscription, error) {
	const op = "cancel_subscription"
	if err := validateParams(op, params); err != nil {
		return nil, err
	}
	sub, err := s.load(ctx, op, params.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is already canceled").WithContext(op, sub.ID.String())
	}
	if !params.CancelImmediately && sub.CancelAtPeriodEnd {
		return sub, nil
	}

	var remote *gateway.Subscription
	if s.gateway != nil && sub.HasGateway() {
		remote, err = s.gateway.CancelSubscription(ctx, *sub.GatewaySubscriptionID, !params.CancelImmediately)
		if err != nil {
			return nil, gatewayError(op, sub.ID.String(), err)
		}
	}

	now := s.now().UTC()
	from := sub.Status
	event := EventSubscriptionUpdated
	if params.CancelImmediately {
		sub.Status = enums.SubscriptionStatusCanceled
		sub.CancelAtPeriodEnd = false
		sub.EndedAt = &now
		sub.CanceledAt = &now
		event = EventSubscriptionCanceled
	} else {
		sub.CancelAtPeriodEnd = true
		sub.CanceledAt = &now
	}
	if remote != nil && remote.RawStatus != "" {
		raw := remote.RawStatus
		sub.GatewayStatus = &raw
	}

	reason := strings.ToLower(strings.TrimSpace(params.Reason))
	if reason == "" {
		reason = defaultCancelReason
	}
	winBack := s.cfg.IsWinBackReason(reason)

	err = s.commit(ctx, op, sub, from, nil, event, outbox.ActorSystem, func(tx *gorm.DB, repo Repository) error {
		feedback := &models.CancellationFeedback{
			SubscriptionID: sub.ID,
			OrganizationID: sub.OrganizationID,
			Reason:         reason,
			Immediate:      params.CancelImmediately,
			WinBack:        winBack,
		}
		if text := strings.TrimSpace(params.Feedback); text != "" {
			feedback.Feedback = &text
		}
		if err := repo.InsertFeedback(ctx, feedback); err != nil {
			return err
		}
		if !winBack {
			return nil
		}
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventWinBackRequested,
			AggregateType: enums.AggregateSubscription,
			AggregateID:   sub.ID,
			Actor:         outbox.ActorSystem,
			OccurredAt:    now,
			Data: payloads.WinBackRequestedEvent{
				SubscriptionID: sub.ID,
				OrganizationID: sub.OrganizationID,
				PlanID:         sub.PlanID,
				Reason:         reason,
				CanceledAt:     now,
				ScheduledFor:   now.Add(s.cfg.WinBackDelay),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Resume undoes a deferred cancellation.
func (s *service) Resume(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error) {
	const op = "resume_subscription"
	sub, err := s.load(ctx, op, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() || !sub.CancelAtPeriodEnd {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is not scheduled for cancellation").WithContext(op, sub.ID.String())
	}
	var remote *gateway.Subscription
	if s.gateway != nil && sub.HasGateway() {
		if remote, err = s.gateway.ResumeSubscription(ctx, *sub.GatewaySubscriptionID); err != nil {
			return nil, gatewayError(op, sub.ID.String(), err)
		}
	}
	from := sub.Status
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = nil
	sub.EndedAt = nil
	applyRemote(sub, remote, false)
	if err := s.commit(ctx, op, sub, from, nil, EventSubscriptionResumed, outbox.ActorSystem, nil); err != nil {
		return nil, err
	}
	return sub, nil
}

// Pause stops billing. Usage keeps being recorded while paused.
func (s *service) Pause(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error) {
	const op = "pause_subscription"
	sub, err := s.load(ctx, op, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == enums.SubscriptionStatusPaused {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is already paused").WithContext(op, sub.ID.String())
	}
	if err := checkTransition(op, sub, enums.SubscriptionStatusPaused); err != nil {
		return nil, err
	}
	var remote *gateway.Subscription
	if s.gateway != nil && sub.HasGateway() {
		if remote, err = s.gateway.PauseSubscription(ctx, *sub.GatewaySubscriptionID); err != nil {
			return nil, gatewayError(op, sub.ID.String(), err)
		}
	}
	now := s.now().UTC()
	from := sub.Status
	sub.Status = enums.SubscriptionStatusPaused
	sub.PausedAt = &now
	applyRemote(sub, remote, false)
	if err := s.commit(ctx, op, sub, from, nil, EventSubscriptionPaused, outbox.ActorSystem, nil); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *service) Unpause(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error) {
	const op = "unpause_subscription"
	sub, err := s.load(ctx, op, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != enums.SubscriptionStatusPaused {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is not paused").WithContext(op, sub.ID.String())
	}
	var remote *gateway.Subscription
	if s.gateway != nil && sub.HasGateway() {
		if remote, err = s.gateway.UnpauseSubscription(ctx, *sub.GatewaySubscriptionID); err != nil {
			return nil, gatewayError(op, sub.ID.String(), err)
		}
	}
	from := sub.Status
	sub.Status = enums.SubscriptionStatusActive
	sub.PausedAt = nil
	applyRemote(sub, remote, false)
	if err := s.commit(ctx, op, sub, from, nil, EventSubscriptionResumed, outbox.ActorSystem, nil); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *service) Get(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error) {
	return s.load(ctx, "get_subscription", subscriptionID)
}

// commit writes sub under its version guard with the subscription_changed outbox
// row, runs extra and stages the outbound event in the same transaction, then
// sends the event after commit.
func (s *service) commit(ctx context.Context, op string, sub *models.Subscription, from enums.SubscriptionStatus, previousPlan *uuid.UUID, event string, actor *outbox.ActorRef, extra func(tx *gorm.DB, repo Repository) error) error {
	var staged []uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.UpdateVersioned(ctx, sub); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(tx, repo); err != nil {
				return err
			}
		}
		if err := s.emitChanged(ctx, tx, sub, from, previousPlan, event, actor); err != nil {
			return err
		}
		var err error
		staged, err = s.stage(ctx, tx, event, sub)
		return err
	})
	if err != nil {
		failure := persistError(op, sub.ID, err)
		if sub.HasGateway() && s.gateway != nil {
			// the gateway already applied the change; the next inbound event resyncs the row
			s.logg.Error(s.logg.WithSubscriptionID(ctx, sub.ID.String()), "local write failed after gateway change", err)
			if typed := pkgerrors.As(failure); typed != nil {
				failure = typed.WithDetails(map[string]any{
					"gateway_updated":         true,
					"gateway_subscription_id": *sub.GatewaySubscriptionID,
				})
			}
		}
		return failure
	}
	s.dispatch(ctx, staged)
	return nil
}

func (s *service) emitChanged(ctx context.Context, tx *gorm.DB, sub *models.Subscription, from enums.SubscriptionStatus, previousPlan *uuid.UUID, event string, actor *outbox.ActorRef) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionChanged,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Actor:         actor,
		OccurredAt:    s.now().UTC(),
		Data: payloads.SubscriptionChangedEvent{
			SubscriptionID: sub.ID,
			OrganizationID: sub.OrganizationID,
			PlanID:         sub.PlanID,
			PreviousPlanID: previousPlan,
			Event:          event,
			FromStatus:     from,
			ToStatus:       sub.Status,
			Version:        sub.Version,
		},
	})
}

func (s *service) stage(ctx context.Context, tx *gorm.DB, event string, sub *models.Subscription) ([]uuid.UUID, error) {
	if s.events == nil {
		return nil, nil
	}
	return s.events.Stage(ctx, tx, event, EventData(sub))
}

// dispatch is fire-and-forget; delivery rows carry their own retries.
func (s *service) dispatch(ctx context.Context, staged []uuid.UUID) {
	if s.events == nil || len(staged) == 0 {
		return
	}
	s.events.Dispatch(ctx, staged)
}

func (s *service) load(ctx context.Context, op string, id uuid.UUID) (*models.Subscription, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required").WithContext(op, "")
	}
	sub, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription").WithContext(op, id.String())
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found").WithContext(op, id.String())
	}
	return sub, nil
}

func (s *service) plan(ctx context.Context, op string, id uuid.UUID) (*models.PricingPlan, error) {
	plan, err := s.catalog.Plan(ctx, id)
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return nil, typed.WithContext(op, id.String())
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan").WithContext(op, id.String())
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "pricing plan not found").WithContext(op, id.String())
	}
	return plan, nil
}

// SubscriptionEventData is the data block of outbound subscription webhooks.
type SubscriptionEventData struct {
	ID                 uuid.UUID                `json:"id"`
	OrganizationID     uuid.UUID                `json:"organization_id"`
	PlanID             uuid.UUID                `json:"plan_id"`
	Status             enums.SubscriptionStatus `json:"status"`
	Quantity           int64                    `json:"quantity"`
	CurrentPeriodStart time.Time                `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                `json:"current_period_end"`
	CancelAtPeriodEnd  bool                     `json:"cancel_at_period_end"`
	CanceledAt         *time.Time               `json:"canceled_at,omitempty"`
	EndedAt            *time.Time               `json:"ended_at,omitempty"`
	Version            int                      `json:"version"`
}

func (d SubscriptionEventData) OwnerOrganizationID() uuid.UUID { return d.OrganizationID }

func EventData(sub *models.Subscription) SubscriptionEventData {
	return SubscriptionEventData{
		ID:                 sub.ID,
		OrganizationID:     sub.OrganizationID,
		PlanID:             sub.PlanID,
		Status:             sub.Status,
		Quantity:           sub.Quantity,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
		EndedAt:            sub.EndedAt,
		Version:            sub.Version,
	}
}

// applyRemote copies the gateway's billing period and raw status. Status itself
// is only taken from the gateway on create and through inbound events.
func applyRemote(sub *models.Subscription, remote *gateway.Subscription, withTrial bool) {
	if remote == nil {
		return
	}
	if remote.RawStatus != "" {
		raw := remote.RawStatus
		sub.GatewayStatus = &raw
	}
	if !remote.CurrentPeriodStart.IsZero() && remote.CurrentPeriodEnd.After(remote.CurrentPeriodStart) {
		sub.CurrentPeriodStart = remote.CurrentPeriodStart.UTC()
		sub.CurrentPeriodEnd = remote.CurrentPeriodEnd.UTC()
	}
	if withTrial && remote.TrialEnd != nil {
		trialEnd := remote.TrialEnd.UTC()
		sub.TrialEnd = &trialEnd
	}
}

func periodEnd(plan *models.PricingPlan, start time.Time) time.Time {
	if months := plan.BillingInterval.Months(); months > 0 {
		return start.AddDate(0, months, 0)
	}
	if plan.CustomIntervalDays > 0 {
		return start.AddDate(0, 0, plan.CustomIntervalDays)
	}
	return start.AddDate(0, 1, 0)
}

func gatewayError(op, entityID string, err error) error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.WithContext(op, entityID)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment gateway call failed").WithContext(op, entityID)
}

func persistError(op string, id uuid.UUID, err error) error {
	switch {
	case errors.Is(err, ErrVersionConflict):
		return pkgerrors.Wrap(pkgerrors.CodeConcurrency, err, "subscription changed concurrently, retry the operation").WithContext(op, id.String())
	case errors.Is(err, ErrRedemptionsExhausted):
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "coupon has no redemptions left").WithContext(op, id.String())
	}
	if typed := pkgerrors.As(err); typed != nil {
		return typed.WithContext(op, id.String())
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist subscription").WithContext(op, id.String())
}

func validateParams(op string, params any) error {
	err := validate.Struct(params)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid parameters").WithContext(op, "")
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = fe.Tag()
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details).WithContext(op, "")
}
