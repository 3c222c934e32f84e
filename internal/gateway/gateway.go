package gateway

import (
	"context"
	"time"

	"github.com/angelmondragon/billing-engine/pkg/enums"
)

// Gateway is the remote payment provider. Every method is a network call and may fail;
// failures are returned as DEPENDENCY_ERROR unless the provider says the input was bad.
type Gateway interface {
	CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*Subscription, error)
	UpdateSubscription(ctx context.Context, in UpdateSubscriptionInput) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error)
	ResumeSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	PauseSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	UnpauseSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	PreviewProration(ctx context.Context, in UpdateSubscriptionInput) (*ProrationPreview, error)
	ReportUsage(ctx context.Context, in UsageReportInput) (*UsageReceipt, error)
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	UpdateCustomer(ctx context.Context, customerID string, in CustomerUpdate) (*Customer, error)
}

type CreateSubscriptionInput struct {
	CustomerID     string
	PriceID        string
	Quantity       int64
	TrialDays      int
	Metadata       map[string]string
	IdempotencyKey string
}

type UpdateSubscriptionInput struct {
	SubscriptionID string
	PriceID        string
	Quantity       int64
	// InvoiceNow bills the proration immediately instead of folding it into the next invoice.
	InvoiceNow    bool
	ProrationDate *time.Time
}

type UsageReportInput struct {
	SubscriptionID string
	// SubscriptionItemID wins over FeatureKey when both are set.
	SubscriptionItemID string
	FeatureKey         string
	Quantity           int64
	Timestamp          time.Time
	IdempotencyKey     string
}

type CustomerUpdate struct {
	Email    *string
	Name     *string
	Metadata map[string]string
}

// Subscription is the provider's view, normalized to local statuses.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             enums.SubscriptionStatus
	RawStatus          string
	Items              []Item
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time
	CanceledAt         *time.Time
	CancelAtPeriodEnd  bool
}

type Item struct {
	ID         string
	PriceID    string
	FeatureKey string
	Quantity   int64
}

// ItemFor returns the metered item for featureKey, falling back to the first item.
func (s *Subscription) ItemFor(featureKey string) (Item, bool) {
	if s == nil || len(s.Items) == 0 {
		return Item{}, false
	}
	for _, item := range s.Items {
		if featureKey != "" && item.FeatureKey == featureKey {
			return item, true
		}
	}
	return s.Items[0], true
}

// ProrationPreview amounts are minor units. ProratedAmount only sums proration lines.
type ProrationPreview struct {
	Currency       string
	AmountDue      int64
	ProratedAmount int64
	ProrationDate  time.Time
}

type UsageReceipt struct {
	RecordID           string
	SubscriptionItemID string
	Quantity           int64
}

type Customer struct {
	ID    string
	Email string
	Name  string
}
