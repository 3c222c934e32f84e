package enums

// OutboxAggregateType is the entity an outbox row is about.
type OutboxAggregateType string

const (
	AggregateSubscription OutboxAggregateType = "subscription"
	AggregateOrganization OutboxAggregateType = "organization"
)

// OutboxEventType is the event_type column of outbox_events.
type OutboxEventType string

const (
	EventNotificationRequested OutboxEventType = "notification_requested"
	EventWinBackRequested      OutboxEventType = "winback_requested"
	EventSubscriptionChanged   OutboxEventType = "subscription_changed"
)

func (e OutboxEventType) IsValid() bool {
	switch e {
	case EventNotificationRequested, EventWinBackRequested, EventSubscriptionChanged:
		return true
	}
	return false
}

// OutboxDLQErrorReason says why the relay gave up on a row.
type OutboxDLQErrorReason string

const (
	// OutboxDLQReasonMaxAttempts: every publish attempt failed transiently.
	OutboxDLQReasonMaxAttempts OutboxDLQErrorReason = "max_attempts"
	// OutboxDLQReasonNonRetryable: the row can never publish as written.
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)
