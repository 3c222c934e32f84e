package notifications

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	"github.com/angelmondragon/billing-engine/pkg/outbox/payloads"
)

type stubRepo struct {
	admins []models.OrganizationMember
	err    error
}

func (s *stubRepo) WithTx(*gorm.DB) Repository { return s }

func (s *stubRepo) ListAdmins(context.Context, uuid.UUID) ([]models.OrganizationMember, error) {
	return s.admins, s.err
}

type recordingEmitter struct {
	events []outbox.DomainEvent
	err    error
}

func (r *recordingEmitter) Emit(_ context.Context, _ *gorm.DB, event outbox.DomainEvent) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

type stubTx struct{ calls int }

func (s *stubTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	s.calls++
	return fn(&gorm.DB{})
}

func newTestNotifier(t *testing.T, repo Repository, emitter outbox.Emitter, tx txRunner) Notifier {
	t.Helper()
	svc, err := NewService(ServiceParams{Repository: repo, Outbox: emitter, TxRunner: tx})
	require.NoError(t, err)
	return svc
}

func TestNotifyAdminsQueuesOneEventPerAdmin(t *testing.T) {
	orgID := uuid.New()
	subID := uuid.New()
	repo := &stubRepo{admins: []models.OrganizationMember{
		{UserID: uuid.New(), Email: "owner@example.com", Role: enums.MemberRoleOwner},
		{UserID: uuid.New(), Email: "admin@example.com", Role: enums.MemberRoleAdmin},
	}}
	emitter := &recordingEmitter{}
	tx := &stubTx{}
	svc := newTestNotifier(t, repo, emitter, tx)

	n, err := svc.NotifyAdmins(context.Background(), nil, Notification{
		OrganizationID: orgID,
		SubscriptionID: &subID,
		Kind:           payloads.KindUsageWarning,
		Title:          "Usage at 80%",
		Severity:       enums.NotificationSeverityWarning,
		Channels:       []enums.NotificationChannel{enums.NotificationChannelInApp, enums.NotificationChannelEmail},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, tx.calls)
	require.Len(t, emitter.events, 2)

	for i, event := range emitter.events {
		assert.Equal(t, enums.EventNotificationRequested, event.EventType)
		assert.Equal(t, enums.AggregateOrganization, event.AggregateType)
		assert.Equal(t, orgID, event.AggregateID)
		body := event.Data.(payloads.NotificationRequestedEvent)
		require.NotNil(t, body.UserID)
		assert.Equal(t, repo.admins[i].UserID, *body.UserID)
		assert.Equal(t, repo.admins[i].Email, body.Email)
		assert.Equal(t, &subID, body.SubscriptionID)
	}
}

func TestNotifyAdminsFallsBackToOrganizationEvent(t *testing.T) {
	emitter := &recordingEmitter{}
	svc := newTestNotifier(t, &stubRepo{}, emitter, &stubTx{})

	n, err := svc.NotifyAdmins(context.Background(), &gorm.DB{}, Notification{
		OrganizationID: uuid.New(),
		Kind:           payloads.KindSubscriptionCreated,
		Title:          "Subscription started",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	body := emitter.events[0].Data.(payloads.NotificationRequestedEvent)
	assert.Nil(t, body.UserID)
	assert.Equal(t, enums.NotificationSeverityInfo, body.Severity)
	assert.Equal(t, []enums.NotificationChannel{enums.NotificationChannelInApp}, body.Channels)
}

func TestNotifyAdminsUsesCallerTransaction(t *testing.T) {
	tx := &stubTx{}
	svc := newTestNotifier(t, &stubRepo{}, &recordingEmitter{}, tx)
	_, err := svc.NotifyAdmins(context.Background(), &gorm.DB{}, Notification{OrganizationID: uuid.New(), Kind: "k", Title: "t"})
	require.NoError(t, err)
	assert.Zero(t, tx.calls)
}

func TestNotifyAdminsErrors(t *testing.T) {
	_, err := newTestNotifier(t, &stubRepo{}, &recordingEmitter{}, &stubTx{}).
		NotifyAdmins(context.Background(), nil, Notification{Kind: "k", Title: "t"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = newTestNotifier(t, &stubRepo{err: errors.New("db down")}, &recordingEmitter{}, &stubTx{}).
		NotifyAdmins(context.Background(), nil, Notification{OrganizationID: uuid.New(), Kind: "k", Title: "t"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	_, err = newTestNotifier(t, &stubRepo{}, &recordingEmitter{err: errors.New("insert failed")}, &stubTx{}).
		NotifyAdmins(context.Background(), nil, Notification{OrganizationID: uuid.New(), Kind: "k", Title: "t"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{Outbox: &recordingEmitter{}, TxRunner: &stubTx{}})
	assert.Error(t, err)
	_, err = NewService(ServiceParams{Repository: &stubRepo{}, TxRunner: &stubTx{}})
	assert.Error(t, err)
	_, err = NewService(ServiceParams{Repository: &stubRepo{}, Outbox: &recordingEmitter{}})
	assert.Error(t, err)
}

func TestRepositoryListAdminsFiltersRoles(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.Organization{}, &models.OrganizationMember{}))

	org := models.Organization{Name: "Acme"}
	require.NoError(t, conn.Create(&org).Error)
	now := time.Now().UTC()
	members := []models.OrganizationMember{
		{OrganizationID: org.ID, UserID: uuid.New(), Email: "a@acme.test", Role: enums.MemberRoleOwner, CreatedAt: now},
		{OrganizationID: org.ID, UserID: uuid.New(), Email: "b@acme.test", Role: enums.MemberRoleMember, CreatedAt: now.Add(time.Second)},
		{OrganizationID: org.ID, UserID: uuid.New(), Email: "c@acme.test", Role: enums.MemberRoleAdmin, CreatedAt: now.Add(2 * time.Second)},
		{OrganizationID: uuid.New(), UserID: uuid.New(), Email: "x@other.test", Role: enums.MemberRoleAdmin, CreatedAt: now},
	}
	require.NoError(t, conn.Create(&members).Error)

	admins, err := NewRepository(conn).ListAdmins(context.Background(), org.ID)
	require.NoError(t, err)
	require.Len(t, admins, 2)
	assert.Equal(t, "a@acme.test", admins[0].Email)
	assert.Equal(t, "c@acme.test", admins[1].Email)
}
