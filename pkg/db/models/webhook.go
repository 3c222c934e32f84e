package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// WebhookSubscription is an outbound target for one event name.
type WebhookSubscription struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	OrganizationID *uuid.UUID      `gorm:"column:organization_id;type:uuid;index"`
	URL            string          `gorm:"column:url;not null"`
	EventName      string          `gorm:"column:event_name;not null;index"`
	Secret         string          `gorm:"column:secret;not null"`
	Headers        json.RawMessage `gorm:"column:headers;type:jsonb"`
	IsActive       bool            `gorm:"column:is_active;not null;default:true"`
	LastSuccessAt  *time.Time      `gorm:"column:last_success_at"`
	LastFailureAt  *time.Time      `gorm:"column:last_failure_at"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// CustomHeaders decodes Headers; malformed json yields no headers.
func (w WebhookSubscription) CustomHeaders() map[string]string {
	if len(w.Headers) == 0 {
		return nil
	}
	out := map[string]string{}
	if err := json.Unmarshal(w.Headers, &out); err != nil {
		return nil
	}
	return out
}

// WebhookDelivery is one (target, event) delivery updated in place until terminal.
type WebhookDelivery struct {
	ID                    uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	WebhookSubscriptionID uuid.UUID            `gorm:"column:webhook_subscription_id;type:uuid;not null;index"`
	EventName             string               `gorm:"column:event_name;not null"`
	Payload               json.RawMessage      `gorm:"column:payload;type:jsonb;not null"`
	Status                enums.DeliveryStatus `gorm:"column:status;not null;index:ix_webhook_deliveries_due,priority:1"`
	RetryCount            int                  `gorm:"column:retry_count;not null;default:0"`
	LastStatusCode        *int                 `gorm:"column:last_status_code"`
	LastResponse          *string              `gorm:"column:last_response"`
	LastError             *string              `gorm:"column:last_error"`
	NextAttemptAt         *time.Time           `gorm:"column:next_attempt_at;index:ix_webhook_deliveries_due,priority:2"`
	LastAttemptAt         *time.Time           `gorm:"column:last_attempt_at"`
	CompletedAt           *time.Time           `gorm:"column:completed_at"`
	Target                *WebhookSubscription `gorm:"foreignKey:WebhookSubscriptionID"`
	CreatedAt             time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (WebhookDelivery) TableName() string { return "webhook_deliveries" }

// ProcessedWebhookEvent is the inbound dedupe ledger; one row per external event id.
type ProcessedWebhookEvent struct {
	ID           uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	EventID      string               `gorm:"column:event_id;not null;uniqueIndex:ux_processed_webhook_events_event_id"`
	EventType    string               `gorm:"column:event_type;not null"`
	Outcome      enums.InboundOutcome `gorm:"column:outcome;not null"`
	ErrorMessage *string              `gorm:"column:error_message"`
	ProcessedAt  time.Time            `gorm:"column:processed_at;not null"`
}
