package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/gateway"
	"github.com/angelmondragon/billing-engine/internal/notifications"
	"github.com/angelmondragon/billing-engine/internal/pricing"
	"github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
)

// Outbound webhook event names for invoice outcomes.
const (
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

// Event is a signature-verified inbound gateway event.
type Event struct {
	ID        string
	Type      string
	CreatedAt time.Time
	Payload   json.RawMessage
}

// Result reports how an event was settled. Duplicate events did nothing.
type Result struct {
	Outcome   enums.InboundOutcome
	Duplicate bool
}

type subscriptionSyncer interface {
	ApplyGatewayUpdate(ctx context.Context, tx *gorm.DB, update subscriptions.GatewayUpdate) (*subscriptions.GatewayUpdateResult, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	Ledger        Ledger
	Subscriptions subscriptionSyncer
	Notifier      notifications.Notifier
	Events        subscriptions.EventPublisher
	TxRunner      txRunner
	Metrics       *metrics.BillingMetrics
	Logger        *logger.Logger
	Clock         func() time.Time
}

// Processor applies inbound gateway events at most once per event id.
type Processor struct {
	ledger   Ledger
	subs     subscriptionSyncer
	notifier notifications.Notifier
	events   subscriptions.EventPublisher
	tx       txRunner
	metrics  *metrics.BillingMetrics
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (*Processor, error) {
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "processed event ledger required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "subscription service required")
	}
	if params.Notifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifier required")
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
	return &Processor{
		ledger:   params.Ledger,
		subs:     params.Subscriptions,
		notifier: params.Notifier,
		events:   params.Events,
		tx:       params.TxRunner,
		metrics:  params.Metrics,
		logg:     logg,
		now:      now,
	}, nil
}

type outboundEvent struct {
	name string
	data any
}

// Process handles evt and writes its ledger row in the same transaction as the
// mutation. Data errors are acknowledged with a ledger row so the sender stops
// retrying; any other failure is returned as retryable.
func (p *Processor) Process(ctx context.Context, evt Event) (*Result, error) {
	const op = "process_webhook_event"
	evt.ID = strings.TrimSpace(evt.ID)
	if evt.ID == "" || strings.TrimSpace(evt.Type) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id and type are required").WithContext(op, evt.ID)
	}
	ctx = p.logg.WithEventID(ctx, evt.ID)
	ctx = p.logg.WithField(ctx, "event_type", evt.Type)

	seen, err := p.ledger.Exists(ctx, evt.ID)
	switch {
	case err != nil:
		// never drop an event because the ledger is unreachable
		p.metrics.IncInbound("ledger_unavailable")
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "processed event check failed, processing anyway")
	case seen:
		p.metrics.IncInbound("duplicate")
		return &Result{Outcome: enums.InboundOutcomeProcessed, Duplicate: true}, nil
	}

	var staged []uuid.UUID
	err = p.tx.WithTx(ctx, func(tx *gorm.DB) error {
		pending, err := p.handle(ctx, tx, evt)
		if err != nil {
			return err
		}
		ids, err := p.stage(ctx, tx, pending)
		if err != nil {
			return err
		}
		staged = ids
		return p.ledger.WithTx(tx).Record(ctx, p.ledgerRow(evt, enums.InboundOutcomeProcessed, nil))
	})
	if err == nil {
		p.metrics.IncInbound(string(enums.InboundOutcomeProcessed))
		if p.events != nil && len(staged) > 0 {
			p.events.Dispatch(ctx, staged)
		}
		p.logg.Info(ctx, "webhook event processed")
		return &Result{Outcome: enums.InboundOutcomeProcessed}, nil
	}
	if errors.Is(err, ErrAlreadyProcessed) {
		p.metrics.IncInbound("duplicate")
		return &Result{Outcome: enums.InboundOutcomeProcessed, Duplicate: true}, nil
	}
	if isDataError(err) {
		return p.acknowledge(ctx, op, evt, err)
	}

	p.metrics.IncInbound("failed")
	p.logg.Error(ctx, "webhook event failed, sender will retry", err)
	if typed := pkgerrors.As(err); typed != nil && typed.Retryable() {
		return nil, typed.WithContext(op, evt.ID)
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "process webhook event").WithContext(op, evt.ID)
}

// acknowledge runs after the handler's transaction rolled back.
func (p *Processor) acknowledge(ctx context.Context, op string, evt Event, cause error) (*Result, error) {
	msg := cause.Error()
	err := p.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return p.ledger.WithTx(tx).Record(ctx, p.ledgerRow(evt, enums.InboundOutcomeAcknowledged, &msg))
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		p.metrics.IncInbound("duplicate")
		return &Result{Outcome: enums.InboundOutcomeAcknowledged, Duplicate: true}, nil
	}
	if err != nil {
		p.metrics.IncInbound("failed")
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record acknowledged event").WithContext(op, evt.ID)
	}
	p.metrics.IncInbound(string(enums.InboundOutcomeAcknowledged))
	p.logg.Warn(p.logg.WithField(ctx, "error", msg), "webhook event acknowledged without mutation")
	return &Result{Outcome: enums.InboundOutcomeAcknowledged}, nil
}

func (p *Processor) ledgerRow(evt Event, outcome enums.InboundOutcome, errMsg *string) *models.ProcessedWebhookEvent {
	return &models.ProcessedWebhookEvent{
		EventID:      evt.ID,
		EventType:    evt.Type,
		Outcome:      outcome,
		ErrorMessage: errMsg,
		ProcessedAt:  p.now().UTC(),
	}
}

func (p *Processor) handle(ctx context.Context, tx *gorm.DB, evt Event) ([]outboundEvent, error) {
	switch stripe.EventType(evt.Type) {
	case stripe.EventTypeCustomerSubscriptionUpdated:
		remote, err := decodeSubscription(evt.Payload)
		if err != nil {
			return nil, err
		}
		res, err := p.subs.ApplyGatewayUpdate(ctx, tx, subscriptions.GatewayUpdateFrom(remote))
		if err != nil {
			return nil, err
		}
		return subscriptionEvents(res), nil
	case stripe.EventTypeCustomerSubscriptionDeleted:
		remote, err := decodeSubscription(evt.Payload)
		if err != nil {
			return nil, err
		}
		update := subscriptions.GatewayUpdateFrom(remote)
		update.Status = enums.SubscriptionStatusCanceled
		res, err := p.subs.ApplyGatewayUpdate(ctx, tx, update)
		if err != nil {
			return nil, err
		}
		return subscriptionEvents(res), nil
	case stripe.EventTypeCustomerSubscriptionTrialWillEnd:
		return p.trialWillEnd(ctx, tx, evt)
	case stripe.EventTypeInvoicePaymentFailed:
		return p.paymentFailed(ctx, tx, evt)
	case stripe.EventTypeInvoicePaid:
		return p.invoicePaid(ctx, tx, evt)
	default:
		return nil, nil
	}
}

func (p *Processor) trialWillEnd(ctx context.Context, tx *gorm.DB, evt Event) ([]outboundEvent, error) {
	remote, err := decodeSubscription(evt.Payload)
	if err != nil {
		return nil, err
	}
	res, err := p.subs.ApplyGatewayUpdate(ctx, tx, subscriptions.GatewayUpdateFrom(remote))
	if err != nil {
		return nil, err
	}
	ends := "soon"
	if res.Subscription.TrialEnd != nil {
		ends = "on " + res.Subscription.TrialEnd.Format("2006-01-02")
	}
	if err := p.notify(ctx, tx, res.Subscription, notifications.Notification{
		Kind:     payloads.KindTrialEnding,
		Title:    "Your trial is ending",
		Message:  fmt.Sprintf("The trial ends %s. Add a payment method to keep access.", ends),
		Severity: enums.NotificationSeverityWarning,
	}); err != nil {
		return nil, err
	}
	return subscriptionEvents(res), nil
}

func (p *Processor) paymentFailed(ctx context.Context, tx *gorm.DB, evt Event) ([]outboundEvent, error) {
	inv, err := decodeInvoice(evt.Payload)
	if err != nil {
		return nil, err
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil, nil
	}
	res, err := p.subs.ApplyGatewayUpdate(ctx, tx, subscriptions.GatewayUpdate{
		GatewaySubscriptionID: inv.Subscription.ID,
		Status:                enums.SubscriptionStatusPastDue,
		StatusFrom:            []enums.SubscriptionStatus{enums.SubscriptionStatusActive, enums.SubscriptionStatusTrialing},
	})
	if err != nil {
		return nil, err
	}
	if err := p.notify(ctx, tx, res.Subscription, notifications.Notification{
		Kind:     payloads.KindPaymentFailed,
		Title:    "Payment failed",
		Message:  fmt.Sprintf("We could not collect %s. Update the payment method to avoid losing access.", formatAmount(inv.Currency, inv.AmountDue)),
		Severity: enums.NotificationSeverityCritical,
		Metadata: map[string]string{"invoice_id": inv.ID, "attempt_count": fmt.Sprint(inv.AttemptCount)},
	}); err != nil {
		return nil, err
	}
	out := append(subscriptionEvents(res), outboundEvent{name: EventInvoicePaymentFailed, data: invoiceData(inv, res.Subscription)})
	return out, nil
}

func (p *Processor) invoicePaid(ctx context.Context, tx *gorm.DB, evt Event) ([]outboundEvent, error) {
	inv, err := decodeInvoice(evt.Payload)
	if err != nil {
		return nil, err
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil, nil
	}
	res, err := p.subs.ApplyGatewayUpdate(ctx, tx, subscriptions.GatewayUpdate{
		GatewaySubscriptionID: inv.Subscription.ID,
		Status:                enums.SubscriptionStatusActive,
		StatusFrom:            []enums.SubscriptionStatus{enums.SubscriptionStatusPending, enums.SubscriptionStatusPastDue},
	})
	if err != nil {
		return nil, err
	}
	if res.Changed && res.FromStatus == enums.SubscriptionStatusPastDue {
		if err := p.notify(ctx, tx, res.Subscription, notifications.Notification{
			Kind:     payloads.KindPaymentRecovered,
			Title:    "Payment received",
			Message:  fmt.Sprintf("We collected %s and your subscription is active again.", formatAmount(inv.Currency, inv.AmountPaid)),
			Severity: enums.NotificationSeverityInfo,
			Metadata: map[string]string{"invoice_id": inv.ID},
		}); err != nil {
			return nil, err
		}
	}
	out := append(subscriptionEvents(res), outboundEvent{name: EventInvoicePaymentSucceeded, data: invoiceData(inv, res.Subscription)})
	return out, nil
}

func (p *Processor) notify(ctx context.Context, tx *gorm.DB, sub *models.Subscription, n notifications.Notification) error {
	subID := sub.ID
	n.OrganizationID = sub.OrganizationID
	n.SubscriptionID = &subID
	n.Channels = []enums.NotificationChannel{enums.NotificationChannelInApp, enums.NotificationChannelEmail}
	_, err := p.notifier.NotifyAdmins(ctx, tx, n)
	return err
}

// stage writes outbound deliveries in the handler's transaction so they commit
// or roll back with the mutation that caused them.
func (p *Processor) stage(ctx context.Context, tx *gorm.DB, pending []outboundEvent) ([]uuid.UUID, error) {
	if p.events == nil {
		return nil, nil
	}
	var staged []uuid.UUID
	for _, out := range pending {
		ids, err := p.events.Stage(ctx, tx, out.name, out.data)
		if err != nil {
			return nil, err
		}
		staged = append(staged, ids...)
	}
	return staged, nil
}

func subscriptionEvents(res *subscriptions.GatewayUpdateResult) []outboundEvent {
	if res == nil || !res.Changed {
		return nil
	}
	return []outboundEvent{{name: res.Event, data: subscriptions.EventData(res.Subscription)}}
}

func decodeSubscription(raw json.RawMessage) (*gateway.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode subscription event")
	}
	if sub.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id missing")
	}
	return gateway.FromStripeSubscription(&sub), nil
}

func decodeInvoice(raw json.RawMessage) (*stripe.Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode invoice event")
	}
	return &inv, nil
}

// InvoiceEventData is the data block of outbound invoice webhooks.
type InvoiceEventData struct {
	InvoiceID      string    `json:"invoice_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Currency       string    `json:"currency"`
	AmountDue      int64     `json:"amount_due"`
	AmountPaid     int64     `json:"amount_paid"`
	AttemptCount   int64     `json:"attempt_count"`
}

func (d InvoiceEventData) OwnerOrganizationID() uuid.UUID { return d.OrganizationID }

func invoiceData(inv *stripe.Invoice, sub *models.Subscription) InvoiceEventData {
	return InvoiceEventData{
		InvoiceID:      inv.ID,
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		Currency:       strings.ToUpper(string(inv.Currency)),
		AmountDue:      inv.AmountDue,
		AmountPaid:     inv.AmountPaid,
		AttemptCount:   inv.AttemptCount,
	}
}

func formatAmount(currency stripe.Currency, minor int64) string {
	cur, err := pricing.ParseCurrency(string(currency))
	if err != nil {
		return fmt.Sprintf("%d %s", minor, strings.ToUpper(string(currency)))
	}
	return cur.Format(minor)
}

// isDataError covers failures a retry cannot fix: missing entities, duplicate
// keys, transitions the local state machine rejects and undecodable payloads.
func isDataError(err error) bool {
	return pkgerrors.IsDataError(err) ||
		pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) ||
		pkgerrors.IsCode(err, pkgerrors.CodeValidation)
}
