package stripewebhook

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
)

// ErrAlreadyProcessed means another delivery of the same event id committed first.
var ErrAlreadyProcessed = errors.New("webhook event already processed")

// Ledger is the inbound dedupe record. A row's existence is the only
// idempotency signal for an event id.
type Ledger interface {
	WithTx(tx *gorm.DB) Ledger
	Exists(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, row *models.ProcessedWebhookEvent) error
}

type ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) Ledger {
	return &ledger{db: db}
}

func (l *ledger) WithTx(tx *gorm.DB) Ledger {
	if tx == nil {
		return l
	}
	return &ledger{db: tx}
}

func (l *ledger) Exists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.ProcessedWebhookEvent{}).
		Where("event_id = ?", strings.TrimSpace(eventID)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (l *ledger) Record(ctx context.Context, row *models.ProcessedWebhookEvent) error {
	if err := l.db.WithContext(ctx).Create(row).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return ErrAlreadyProcessed
		}
		return err
	}
	return nil
}
