package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
)

// Route binds an outbox event type to the aggregate it belongs to and the
// topic it is published on.
type Route struct {
	EventType  enums.OutboxEventType
	Aggregate  enums.OutboxAggregateType
	Topic      string
	newPayload func() any
}

// Decoded is an outbox row whose envelope and data passed validation.
type Decoded struct {
	Route    Route
	Envelope outbox.PayloadEnvelope
	Payload  any
}

// Routes is the publish table for every billing event type.
type Routes struct {
	byType map[enums.OutboxEventType]Route
}

// New builds the table from the configured topics. Every topic is required.
func New(cfg config.PubSubConfig) (*Routes, error) {
	topics := map[string]string{
		config.EnvPubSubNotificationTopic: cfg.NotificationTopic,
		config.EnvPubSubLifecycleTopic:    cfg.LifecycleTopic,
		config.EnvPubSubSchedulerTopic:    cfg.SchedulerTopic,
	}
	var missing []string
	for _, env := range []string{config.EnvPubSubNotificationTopic, config.EnvPubSubLifecycleTopic, config.EnvPubSubSchedulerTopic} {
		if strings.TrimSpace(topics[env]) == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pubsub topics not configured: %s", strings.Join(missing, ", "))
	}

	routes := []Route{
		{
			EventType:  enums.EventNotificationRequested,
			Aggregate:  enums.AggregateOrganization,
			Topic:      strings.TrimSpace(cfg.NotificationTopic),
			newPayload: func() any { return &payloads.NotificationRequestedEvent{} },
		},
		{
			EventType:  enums.EventSubscriptionChanged,
			Aggregate:  enums.AggregateSubscription,
			Topic:      strings.TrimSpace(cfg.LifecycleTopic),
			newPayload: func() any { return &payloads.SubscriptionChangedEvent{} },
		},
		{
			EventType:  enums.EventWinBackRequested,
			Aggregate:  enums.AggregateSubscription,
			Topic:      strings.TrimSpace(cfg.SchedulerTopic),
			newPayload: func() any { return &payloads.WinBackRequestedEvent{} },
		},
	}
	table := &Routes{byType: make(map[enums.OutboxEventType]Route, len(routes))}
	for _, route := range routes {
		table.byType[route.EventType] = route
	}
	return table, nil
}

// Decode validates the row against its route. Every error it returns is
// permanent: retrying the same row cannot succeed.
func (r *Routes) Decode(event models.OutboxEvent) (*Decoded, error) {
	route, ok := r.byType[event.EventType]
	switch {
	case !ok:
		return nil, Permanent(fmt.Errorf("no route for event type %s", event.EventType))
	case route.Aggregate != event.AggregateType:
		return nil, Permanent(fmt.Errorf("event %s belongs to %s aggregates, row has %s", event.EventType, route.Aggregate, event.AggregateType))
	case event.AggregateID == uuid.Nil:
		return nil, Permanent(errors.New("row has no aggregate id"))
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, Permanent(fmt.Errorf("decode envelope: %w", err))
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, Permanent(fmt.Errorf("envelope for %s carries no data", event.EventType))
	}
	payload := route.newPayload()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, Permanent(fmt.Errorf("decode %s data: %w", event.EventType, err))
	}
	return &Decoded{Route: route, Envelope: envelope, Payload: payload}, nil
}

// Attributes are the Pub/Sub message attributes consumers filter on.
func (d *Decoded) Attributes(event models.OutboxEvent) map[string]string {
	attrs := map[string]string{
		"event_id":       d.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"schema_version": fmt.Sprint(d.Envelope.Version),
		"created_at":     event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if actor := d.Envelope.Actor; actor != nil {
		attrs["actor"] = actor.Kind
	}
	return attrs
}

// PermanentError marks a failure the publisher must dead-letter instead of retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent outbox failure"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
