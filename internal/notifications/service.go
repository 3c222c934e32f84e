package notifications

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
)

// Notifier fans an alert out to organization admins. Delivery is asynchronous:
// callers only learn whether the request was queued.
type Notifier interface {
	NotifyAdmins(ctx context.Context, tx *gorm.DB, n Notification) (int, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Notification is the channel-agnostic alert body.
type Notification struct {
	OrganizationID uuid.UUID
	SubscriptionID *uuid.UUID
	Kind           string
	Title          string
	Message        string
	Severity       enums.NotificationSeverity
	Channels       []enums.NotificationChannel
	Metadata       map[string]string
}

type ServiceParams struct {
	Repository Repository
	Outbox     outbox.Emitter
	TxRunner   txRunner
	Logger     *logger.Logger
}

type service struct {
	repo   Repository
	outbox outbox.Emitter
	tx     txRunner
	logg   *logger.Logger
}

// NewService wires notification dependencies.
func NewService(params ServiceParams) (Notifier, error) {
	if params.Repository == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifications repository required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "outbox emitter required")
	}
	if params.TxRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction runner required")
	}
	return &service{repo: params.Repository, outbox: params.Outbox, tx: params.TxRunner, logg: params.Logger}, nil
}

// NotifyAdmins queues one notification_requested event per admin. An organization
// without admins still gets a single organization-wide event. With a nil tx the
// events commit in their own transaction.
func (s *service) NotifyAdmins(ctx context.Context, tx *gorm.DB, n Notification) (int, error) {
	if n.OrganizationID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "organization id required")
	}
	if strings.TrimSpace(n.Kind) == "" || strings.TrimSpace(n.Title) == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "notification kind and title required")
	}
	if !n.Severity.IsValid() {
		n.Severity = enums.NotificationSeverityInfo
	}
	if len(n.Channels) == 0 {
		n.Channels = []enums.NotificationChannel{enums.NotificationChannelInApp}
	}

	queued := 0
	emit := func(tx *gorm.DB) error {
		admins, err := s.repo.WithTx(tx).ListAdmins(ctx, n.OrganizationID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list organization admins").
				WithContext("notify_admins", n.OrganizationID.String())
		}
		events := make([]payloads.NotificationRequestedEvent, 0, len(admins)+1)
		for _, admin := range admins {
			userID := admin.UserID
			event := s.event(n)
			event.UserID = &userID
			event.Email = admin.Email
			events = append(events, event)
		}
		if len(events) == 0 {
			events = append(events, s.event(n))
		}
		for _, event := range events {
			if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventNotificationRequested,
				AggregateType: enums.AggregateOrganization,
				AggregateID:   n.OrganizationID,
				Actor:         outbox.ActorSystem,
				Data:          event,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue notification").
					WithContext("notify_admins", n.OrganizationID.String())
			}
		}
		queued = len(events)
		return nil
	}

	var err error
	if tx != nil {
		err = emit(tx)
	} else {
		err = s.tx.WithTx(ctx, emit)
	}
	if err != nil {
		return 0, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"organization_id": n.OrganizationID.String(),
			"kind":            n.Kind,
			"recipients":      queued,
		})
		s.logg.Debug(logCtx, "notification queued")
	}
	return queued, nil
}

func (s *service) event(n Notification) payloads.NotificationRequestedEvent {
	return payloads.NotificationRequestedEvent{
		OrganizationID: n.OrganizationID,
		SubscriptionID: n.SubscriptionID,
		Kind:           n.Kind,
		Title:          n.Title,
		Message:        n.Message,
		Severity:       n.Severity,
		Channels:       n.Channels,
		Metadata:       n.Metadata,
	}
}
