package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// Notification kinds carried by NotificationRequestedEvent.
const (
	KindSubscriptionCreated = "subscription_created"
	KindUsageWarning        = "usage_warning"
	KindUsageExceeded       = "usage_exceeded"
	KindTrialEnding         = "trial_ending"
	KindPaymentFailed       = "payment_failed"
	KindPaymentRecovered    = "payment_recovered"
)

// NotificationRequestedEvent asks the notification service to alert an organization or one member.
type NotificationRequestedEvent struct {
	OrganizationID uuid.UUID                   `json:"organization_id"`
	UserID         *uuid.UUID                  `json:"user_id,omitempty"`
	Email          string                      `json:"email,omitempty"`
	SubscriptionID *uuid.UUID                  `json:"subscription_id,omitempty"`
	Kind           string                      `json:"kind"`
	Title          string                      `json:"title"`
	Message        string                      `json:"message"`
	Severity       enums.NotificationSeverity  `json:"severity"`
	Channels       []enums.NotificationChannel `json:"channels"`
	Metadata       map[string]string           `json:"metadata,omitempty"`
}

// WinBackRequestedEvent asks the scheduler to start a re-engagement sequence at ScheduledFor.
type WinBackRequestedEvent struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	PlanID         uuid.UUID `json:"plan_id"`
	Reason         string    `json:"reason"`
	CanceledAt     time.Time `json:"canceled_at"`
	ScheduledFor   time.Time `json:"scheduled_for"`
}

// SubscriptionChangedEvent mirrors a committed lifecycle transition for downstream consumers.
type SubscriptionChangedEvent struct {
	SubscriptionID uuid.UUID                `json:"subscription_id"`
	OrganizationID uuid.UUID                `json:"organization_id"`
	PlanID         uuid.UUID                `json:"plan_id"`
	PreviousPlanID *uuid.UUID               `json:"previous_plan_id,omitempty"`
	Event          string                   `json:"event"`
	FromStatus     enums.SubscriptionStatus `json:"from_status,omitempty"`
	ToStatus       enums.SubscriptionStatus `json:"to_status"`
	Version        int                      `json:"version"`
}
