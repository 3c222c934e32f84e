package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/invoice"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/usagerecord"

	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	pkgstripe "github.com/angelmondragon/billing-engine/pkg/stripe"
)

// featureKeyMetadata is the price metadata key that ties a metered price to a feature.
const featureKeyMetadata = "feature_key"

// StripeGateway implements Gateway with the package-level stripe-go resources.
type StripeGateway struct {
	logg *logger.Logger
}

// NewStripeGateway requires an initialized client; stripe.Key is set by pkg/stripe.
func NewStripeGateway(api *pkgstripe.Client, logg *logger.Logger) (*StripeGateway, error) {
	if api == nil {
		return nil, errors.New("stripe client required")
	}
	return &StripeGateway{logg: logg}, nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*Subscription, error) {
	if strings.TrimSpace(in.CustomerID) == "" || strings.TrimSpace(in.PriceID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer and price are required")
	}
	item := &stripe.SubscriptionItemsParams{Price: stripe.String(in.PriceID)}
	if in.Quantity > 0 {
		item.Quantity = stripe.Int64(in.Quantity)
	}
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(in.CustomerID),
		Items:    []*stripe.SubscriptionItemsParams{item},
	}
	if in.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(in.TrialDays))
	}
	params.Context = ctx
	params.AddExpand("items.data.price")
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	sub, err := subscription.New(params)
	if err != nil {
		return nil, g.fail(ctx, "create_subscription", in.CustomerID, err)
	}
	return FromStripeSubscription(sub), nil
}

func (g *StripeGateway) UpdateSubscription(ctx context.Context, in UpdateSubscriptionInput) (*Subscription, error) {
	current, err := g.GetSubscription(ctx, in.SubscriptionID)
	if err != nil {
		return nil, err
	}
	item, ok := current.ItemFor("")
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "gateway subscription has no items").
			WithContext("update_subscription", in.SubscriptionID)
	}

	itemParams := &stripe.SubscriptionItemsParams{ID: stripe.String(item.ID)}
	if in.PriceID != "" {
		itemParams.Price = stripe.String(in.PriceID)
	}
	if in.Quantity > 0 {
		itemParams.Quantity = stripe.Int64(in.Quantity)
	}
	params := &stripe.SubscriptionParams{
		Items:             []*stripe.SubscriptionItemsParams{itemParams},
		ProrationBehavior: stripe.String(prorationBehavior(in.InvoiceNow)),
	}
	if in.ProrationDate != nil {
		params.ProrationDate = stripe.Int64(in.ProrationDate.Unix())
	}
	params.Context = ctx

	sub, err := subscription.Update(in.SubscriptionID, params)
	if err != nil {
		return nil, g.fail(ctx, "update_subscription", in.SubscriptionID, err)
	}
	return FromStripeSubscription(sub), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error) {
	var (
		sub *stripe.Subscription
		err error
	)
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		sub, err = subscription.Update(subscriptionID, params)
	} else {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		sub, err = subscription.Cancel(subscriptionID, params)
	}
	if err != nil {
		return nil, g.fail(ctx, "cancel_subscription", subscriptionID, err)
	}
	return FromStripeSubscription(sub), nil
}

func (g *StripeGateway) ResumeSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)}
	params.Context = ctx
	sub, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return nil, g.fail(ctx, "resume_subscription", subscriptionID, err)
	}
	return FromStripeSubscription(sub), nil
}

// PauseSubscription voids invoices while paused; usage keeps accruing locally.
func (g *StripeGateway) PauseSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{Behavior: stripe.String("void")},
	}
	params.Context = ctx
	sub, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return nil, g.fail(ctx, "pause_subscription", subscriptionID, err)
	}
	return FromStripeSubscription(sub), nil
}

func (g *StripeGateway) UnpauseSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.AddExtra("pause_collection", "")
	params.Context = ctx
	sub, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return nil, g.fail(ctx, "unpause_subscription", subscriptionID, err)
	}
	return FromStripeSubscription(sub), nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gateway subscription id is required")
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price")
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, g.fail(ctx, "get_subscription", subscriptionID, err)
	}
	return FromStripeSubscription(sub), nil
}

// PreviewProration asks the upcoming-invoice endpoint what the change would cost.
func (g *StripeGateway) PreviewProration(ctx context.Context, in UpdateSubscriptionInput) (*ProrationPreview, error) {
	current, err := g.GetSubscription(ctx, in.SubscriptionID)
	if err != nil {
		return nil, err
	}
	item, ok := current.ItemFor("")
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "gateway subscription has no items").
			WithContext("preview_proration", in.SubscriptionID)
	}

	prorationDate := time.Now().UTC()
	if in.ProrationDate != nil {
		prorationDate = in.ProrationDate.UTC()
	}
	itemParams := &stripe.SubscriptionItemsParams{ID: stripe.String(item.ID)}
	if in.PriceID != "" {
		itemParams.Price = stripe.String(in.PriceID)
	}
	if in.Quantity > 0 {
		itemParams.Quantity = stripe.Int64(in.Quantity)
	}
	params := &stripe.InvoiceUpcomingParams{
		Customer:                      stripe.String(current.CustomerID),
		Subscription:                  stripe.String(in.SubscriptionID),
		SubscriptionItems:             []*stripe.SubscriptionItemsParams{itemParams},
		SubscriptionProrationBehavior: stripe.String(prorationBehavior(in.InvoiceNow)),
		SubscriptionProrationDate:     stripe.Int64(prorationDate.Unix()),
	}
	params.Context = ctx

	inv, err := invoice.Upcoming(params)
	if err != nil {
		return nil, g.fail(ctx, "preview_proration", in.SubscriptionID, err)
	}
	preview := &ProrationPreview{
		Currency:      strings.ToUpper(string(inv.Currency)),
		AmountDue:     inv.AmountDue,
		ProrationDate: prorationDate,
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line != nil && line.Proration {
				preview.ProratedAmount += line.Amount
			}
		}
	}
	return preview, nil
}

// ReportUsage sends one aggregate with the caller's idempotency key so retries of
// the same batch are collapsed by the provider.
func (g *StripeGateway) ReportUsage(ctx context.Context, in UsageReportInput) (*UsageReceipt, error) {
	if in.Quantity < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "usage quantity must not be negative")
	}
	if in.IdempotencyKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "usage reports require an idempotency key")
	}
	itemID := in.SubscriptionItemID
	if itemID == "" {
		current, err := g.GetSubscription(ctx, in.SubscriptionID)
		if err != nil {
			return nil, err
		}
		item, ok := current.ItemFor(in.FeatureKey)
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "gateway subscription has no metered item").
				WithContext("report_usage", in.SubscriptionID)
		}
		itemID = item.ID
	}

	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(itemID),
		Quantity:         stripe.Int64(in.Quantity),
		Action:           stripe.String("increment"),
	}
	if !in.Timestamp.IsZero() {
		params.Timestamp = stripe.Int64(in.Timestamp.Unix())
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)

	record, err := usagerecord.New(params)
	if err != nil {
		return nil, g.fail(ctx, "report_usage", itemID, err)
	}
	return &UsageReceipt{RecordID: record.ID, SubscriptionItemID: itemID, Quantity: record.Quantity}, nil
}

func (g *StripeGateway) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := customer.Get(customerID, params)
	if err != nil {
		return nil, g.fail(ctx, "get_customer", customerID, err)
	}
	if cust.Deleted {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "gateway customer deleted").WithContext("get_customer", customerID)
	}
	return &Customer{ID: cust.ID, Email: cust.Email, Name: cust.Name}, nil
}

func (g *StripeGateway) UpdateCustomer(ctx context.Context, customerID string, in CustomerUpdate) (*Customer, error) {
	params := &stripe.CustomerParams{Email: in.Email, Name: in.Name}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	cust, err := customer.Update(customerID, params)
	if err != nil {
		return nil, g.fail(ctx, "update_customer", customerID, err)
	}
	return &Customer{ID: cust.ID, Email: cust.Email, Name: cust.Name}, nil
}

func (g *StripeGateway) fail(ctx context.Context, op, entityID string, err error) error {
	typed := classify(err).WithContext(op, entityID)
	if g.logg != nil {
		g.logg.Error(ctx, "stripe call failed", typed)
	}
	return typed
}

// classify maps provider errors: missing resources and rejected input are not
// retryable, everything else (network, 5xx, rate limits) is a dependency failure.
func classify(err error) *pkgerrors.Error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound:
			return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "gateway resource not found")
		case stripeErr.Type == stripe.ErrorTypeInvalidRequest && stripeErr.HTTPStatusCode == http.StatusBadRequest:
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "gateway rejected request")
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment gateway unavailable")
}

func prorationBehavior(invoiceNow bool) string {
	if invoiceNow {
		return "always_invoice"
	}
	return "create_prorations"
}

// FromStripeSubscription also decodes subscriptions carried by inbound events.
func FromStripeSubscription(sub *stripe.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:                sub.ID,
		Status:            MapStatus(sub),
		RawStatus:         string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodStart > 0 {
		out.CurrentPeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		out.TrialEnd = &t
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			mapped := Item{ID: item.ID, Quantity: item.Quantity}
			if item.Price != nil {
				mapped.PriceID = item.Price.ID
				mapped.FeatureKey = item.Price.Metadata[featureKeyMetadata]
			}
			out.Items = append(out.Items, mapped)
		}
	}
	return out
}

// MapStatus normalizes a provider subscription to a local status. A collection
// pause reads as paused whatever the provider status says.
func MapStatus(sub *stripe.Subscription) enums.SubscriptionStatus {
	if sub == nil {
		return enums.SubscriptionStatusPending
	}
	if sub.PauseCollection != nil && sub.Status != stripe.SubscriptionStatusCanceled {
		return enums.SubscriptionStatusPaused
	}
	switch sub.Status {
	case stripe.SubscriptionStatusActive:
		return enums.SubscriptionStatusActive
	case stripe.SubscriptionStatusTrialing:
		return enums.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return enums.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusPaused:
		return enums.SubscriptionStatusPaused
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return enums.SubscriptionStatusCanceled
	default:
		return enums.SubscriptionStatusPending
	}
}
