package subscriptions

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/gateway"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
)

// GatewayUpdate is the provider's view of a subscription as carried by an
// inbound event. Zero values leave the local field as is.
type GatewayUpdate struct {
	GatewaySubscriptionID string
	Status                enums.SubscriptionStatus
	// StatusFrom limits Status to subscriptions currently in one of these states.
	StatusFrom            []enums.SubscriptionStatus
	RawStatus             string
	CurrentPeriodStart    time.Time
	CurrentPeriodEnd      time.Time
	CancelAtPeriodEnd     *bool
	CanceledAt            *time.Time
	TrialEnd              *time.Time
}

// GatewayUpdateFrom mirrors every field the gateway reports.
func GatewayUpdateFrom(remote *gateway.Subscription) GatewayUpdate {
	cancelAtPeriodEnd := remote.CancelAtPeriodEnd
	return GatewayUpdate{
		GatewaySubscriptionID: remote.ID,
		Status:                remote.Status,
		RawStatus:             remote.RawStatus,
		CurrentPeriodStart:    remote.CurrentPeriodStart,
		CurrentPeriodEnd:      remote.CurrentPeriodEnd,
		CancelAtPeriodEnd:     &cancelAtPeriodEnd,
		CanceledAt:            remote.CanceledAt,
		TrialEnd:              remote.TrialEnd,
	}
}

type GatewayUpdateResult struct {
	Subscription *models.Subscription
	FromStatus   enums.SubscriptionStatus
	// Event is the outbound event name to publish once the caller commits.
	Event   string
	Changed bool
}

// ApplyGatewayUpdate syncs the local row inside the caller's transaction. A
// replay of an already applied update is a no-op with Changed=false.
func (s *service) ApplyGatewayUpdate(ctx context.Context, tx *gorm.DB, update GatewayUpdate) (*GatewayUpdateResult, error) {
	const op = "apply_gateway_update"
	gatewayID := strings.TrimSpace(update.GatewaySubscriptionID)
	if gatewayID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gateway subscription id is required").WithContext(op, "")
	}
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction required").WithContext(op, gatewayID)
	}
	repo := s.repo.WithTx(tx)
	sub, err := repo.FindByGatewayID(ctx, gatewayID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription by gateway id").WithContext(op, gatewayID)
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no subscription for gateway id").WithContext(op, gatewayID)
	}

	before := *sub
	result := &GatewayUpdateResult{Subscription: sub, FromStatus: sub.Status, Event: EventSubscriptionUpdated}
	now := s.now().UTC()

	if update.Status != "" && update.Status != sub.Status && statusIn(sub.Status, update.StatusFrom) {
		if err := checkTransition(op, sub, update.Status); err != nil {
			return nil, err
		}
		switch update.Status {
		case enums.SubscriptionStatusCanceled:
			canceledAt := now
			if update.CanceledAt != nil {
				canceledAt = update.CanceledAt.UTC()
			}
			if sub.CanceledAt == nil {
				sub.CanceledAt = &canceledAt
			}
			sub.EndedAt = &canceledAt
			sub.CancelAtPeriodEnd = false
			result.Event = EventSubscriptionCanceled
		case enums.SubscriptionStatusPaused:
			sub.PausedAt = &now
			result.Event = EventSubscriptionPaused
		default:
			if sub.Status == enums.SubscriptionStatusPaused {
				sub.PausedAt = nil
				result.Event = EventSubscriptionResumed
			}
		}
		sub.Status = update.Status
	}
	if !update.CurrentPeriodStart.IsZero() && update.CurrentPeriodEnd.After(update.CurrentPeriodStart) {
		sub.CurrentPeriodStart = update.CurrentPeriodStart.UTC()
		sub.CurrentPeriodEnd = update.CurrentPeriodEnd.UTC()
	}
	if update.CancelAtPeriodEnd != nil && !sub.Status.IsTerminal() {
		sub.CancelAtPeriodEnd = *update.CancelAtPeriodEnd
		if !sub.CancelAtPeriodEnd {
			sub.CanceledAt = nil
		} else if sub.CanceledAt == nil {
			canceledAt := now
			if update.CanceledAt != nil {
				canceledAt = update.CanceledAt.UTC()
			}
			sub.CanceledAt = &canceledAt
		}
	}
	if update.TrialEnd != nil {
		trialEnd := update.TrialEnd.UTC()
		sub.TrialEnd = &trialEnd
	}
	if raw := strings.TrimSpace(update.RawStatus); raw != "" {
		sub.GatewayStatus = &raw
	}

	if !changed(before, *sub) {
		return result, nil
	}
	result.Changed = true
	if err := repo.UpdateVersioned(ctx, sub); err != nil {
		return nil, persistError(op, sub.ID, err)
	}
	if err := s.emitChanged(ctx, tx, sub, result.FromStatus, nil, result.Event, outbox.ActorGateway); err != nil {
		return nil, persistError(op, sub.ID, err)
	}
	return result, nil
}

func changed(a, b models.Subscription) bool {
	return a.Status != b.Status ||
		!a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) ||
		!a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) ||
		a.CancelAtPeriodEnd != b.CancelAtPeriodEnd ||
		!sameTime(a.CanceledAt, b.CanceledAt) ||
		!sameTime(a.EndedAt, b.EndedAt) ||
		!sameTime(a.PausedAt, b.PausedAt) ||
		!sameTime(a.TrialEnd, b.TrialEnd) ||
		derefString(a.GatewayStatus) != derefString(b.GatewayStatus)
}

func statusIn(status enums.SubscriptionStatus, allowed []enums.SubscriptionStatus) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		if candidate == status {
			return true
		}
	}
	return false
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
