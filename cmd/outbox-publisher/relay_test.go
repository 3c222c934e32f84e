package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
	"github.com/angelmondragon/billing-engine/pkg/outbox/registry"
)

type sentMessage struct {
	topic string
	data  []byte
	attrs map[string]string
}

type fakeSink struct {
	mu      sync.Mutex
	sent    []sentMessage
	errs    []error
	pingErr error
}

func (s *fakeSink) Ping(context.Context) error { return s.pingErr }

func (s *fakeSink) Publish(_ context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	s.sent = append(s.sent, sentMessage{topic: topic, data: data, attrs: attrs})
	return fmt.Sprintf("msg-%d", len(s.sent)), nil
}

type relayFixture struct {
	conn    *gorm.DB
	sink    *fakeSink
	relay   *Relay
	emitter  *outbox.Service
	registry *prometheus.Registry
}

func newRelayFixture(t *testing.T, maxAttempts int) *relayFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.OutboxEvent{}, &models.OutboxDLQ{}))

	routes, err := registry.New(config.PubSubConfig{
		NotificationTopic: "billing-notifications",
		LifecycleTopic:    "billing-lifecycle",
		SchedulerTopic:    "billing-scheduler",
	})
	require.NoError(t, err)

	repo := outbox.NewRepository(conn)
	sink := &fakeSink{}
	reg := prometheus.NewRegistry()
	relay, err := NewRelay(RelayParams{
		Logger:      logger.Nop(),
		DB:          db.Wrap(conn),
		Sink:        sink,
		Outbox:      repo,
		DeadLetters: outbox.NewDLQRepository(conn),
		Routes:      routes,
		Metrics:     metrics.NewOutboxMetrics(reg),
		Config:      config.OutboxConfig{BatchSize: 10, MaxAttempts: maxAttempts, PollIntervalMS: 1},
	})
	require.NoError(t, err)
	return &relayFixture{conn: conn, sink: sink, relay: relay, emitter: outbox.NewService(repo, nil), registry: reg}
}

func (f *relayFixture) emitSubscriptionChanged(t *testing.T) uuid.UUID {
	t.Helper()
	subID := uuid.New()
	require.NoError(t, f.emitter.Emit(context.Background(), f.conn, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionChanged,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   subID,
		Actor:         outbox.ActorGateway,
		Data: payloads.SubscriptionChangedEvent{
			SubscriptionID: subID,
			Event:          "subscription.updated",
			ToStatus:       enums.SubscriptionStatusActive,
			Version:        2,
		},
	}))
	return subID
}

func (f *relayFixture) row(t *testing.T, aggregateID uuid.UUID) models.OutboxEvent {
	t.Helper()
	var row models.OutboxEvent
	require.NoError(t, f.conn.Where("aggregate_id = ?", aggregateID).First(&row).Error)
	return row
}

func (f *relayFixture) deadLetters(t *testing.T) []models.OutboxDLQ {
	t.Helper()
	var rows []models.OutboxDLQ
	require.NoError(t, f.conn.Find(&rows).Error)
	return rows
}

func TestRelayBatchPublishesToRoutedTopic(t *testing.T) {
	f := newRelayFixture(t, 3)
	subID := f.emitSubscriptionChanged(t)

	seen, err := f.relay.RelayBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, seen)

	require.Len(t, f.sink.sent, 1)
	msg := f.sink.sent[0]
	require.Equal(t, "billing-lifecycle", msg.topic)
	require.Equal(t, string(enums.EventSubscriptionChanged), msg.attrs["event_type"])
	require.Equal(t, subID.String(), msg.attrs["aggregate_id"])
	require.Equal(t, "gateway", msg.attrs["actor"])
	require.NotEmpty(t, msg.attrs["event_id"])

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(msg.data, &envelope))
	require.Equal(t, msg.attrs["event_id"], envelope.EventID)

	require.NotNil(t, f.row(t, subID).PublishedAt)
	require.EqualValues(t, 1, f.eventCount(t, "subscription_changed", "published"))

	seen, err = f.relay.RelayBatch(context.Background())
	require.NoError(t, err)
	require.Zero(t, seen, "published rows are not fetched again")
}

func TestRelayRetriesTransientFailuresThenDeadLetters(t *testing.T) {
	f := newRelayFixture(t, 2)
	subID := f.emitSubscriptionChanged(t)
	f.sink.errs = []error{errors.New("unavailable"), errors.New("still unavailable")}

	_, err := f.relay.RelayBatch(context.Background())
	require.NoError(t, err)
	row := f.row(t, subID)
	require.Nil(t, row.PublishedAt)
	require.Equal(t, 1, row.AttemptCount)
	require.Equal(t, "unavailable", *row.LastError)
	require.Empty(t, f.deadLetters(t))

	_, err = f.relay.RelayBatch(context.Background())
	require.NoError(t, err)
	dlq := f.deadLetters(t)
	require.Len(t, dlq, 1)
	require.Equal(t, enums.OutboxDLQReasonMaxAttempts, dlq[0].ErrorReason)
	require.Equal(t, row.ID, dlq[0].EventID)
	require.Contains(t, *dlq[0].ErrorMessage, "still unavailable")

	seen, err := f.relay.RelayBatch(context.Background())
	require.NoError(t, err)
	require.Zero(t, seen)
	require.Empty(t, f.sink.sent)
}

func TestRelayDeadLettersUnroutableRows(t *testing.T) {
	f := newRelayFixture(t, 5)
	bad := models.OutboxEvent{
		EventType:     enums.EventSubscriptionChanged,
		AggregateType: enums.AggregateOrganization,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{"version":1,"eventId":"x","data":{}}`),
	}
	require.NoError(t, f.conn.Create(&bad).Error)

	_, err := f.relay.RelayBatch(context.Background())
	require.NoError(t, err)
	dlq := f.deadLetters(t)
	require.Len(t, dlq, 1)
	require.Equal(t, enums.OutboxDLQReasonNonRetryable, dlq[0].ErrorReason)
	require.Empty(t, f.sink.sent)
	require.Equal(t, 5, f.row(t, bad.AggregateID).AttemptCount)
}

func TestRelayDeadLettersPermanentSinkErrors(t *testing.T) {
	f := newRelayFixture(t, 5)
	f.emitSubscriptionChanged(t)
	f.sink.errs = []error{registry.Permanent(errors.New("message too large"))}

	_, err := f.relay.RelayBatch(context.Background())
	require.NoError(t, err)
	dlq := f.deadLetters(t)
	require.Len(t, dlq, 1)
	require.Equal(t, enums.OutboxDLQReasonNonRetryable, dlq[0].ErrorReason)
	require.EqualValues(t, 1, f.eventCount(t, "subscription_changed", "dead_lettered"))
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	f := newRelayFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.relay.Run(ctx), context.Canceled)
}

func TestRelayRunFailsWhenSinkIsDown(t *testing.T) {
	f := newRelayFixture(t, 3)
	f.sink.pingErr = errors.New("no topic")
	err := f.relay.Run(context.Background())
	require.ErrorContains(t, err, "pubsub ping failed")
}

func TestNewRelayReportsEveryMissingDependency(t *testing.T) {
	_, err := NewRelay(RelayParams{Logger: logger.Nop()})
	require.Error(t, err)
	for _, name := range []string{"database", "pubsub sink", "outbox repository", "dead letter store", "event routes"} {
		require.ErrorContains(t, err, name)
	}
}

func (f *relayFixture) eventCount(t *testing.T, eventType, result string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "billing_outbox_events_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["event_type"] == eventType && labels["outcome"] == result {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
