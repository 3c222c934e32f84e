package webhooks

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/angelmondragon/billing-engine/api/responses"
	stripewebhook "github.com/angelmondragon/billing-engine/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

const (
	signatureHeader = "Stripe-Signature"
	maxPayloadBytes = 1 << 20
)

// EventProcessor settles a verified event exactly once.
type EventProcessor interface {
	Process(ctx context.Context, evt stripewebhook.Event) (*stripewebhook.Result, error)
}

// EventVerifier checks the signature header and decodes the event.
type EventVerifier interface {
	ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error)
}

type stripeWebhookResponse struct {
	EventID   string `json:"event_id"`
	Outcome   string `json:"outcome"`
	Duplicate bool   `json:"duplicate"`
}

// StripeWebhook verifies the Stripe signature and hands the event to the
// processor. Unverified payloads are rejected before anything is recorded.
func StripeWebhook(processor EventProcessor, verifier EventVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if processor == nil || verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeDependency, "webhook processing unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing"))
			return
		}

		event, err := verifier.ConstructEvent(payload, sig)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid stripe signature"))
			return
		}

		if logg != nil {
			ctx = logg.WithEventID(ctx, event.ID)
			ctx = logg.WithField(ctx, "event_type", string(event.Type))
		}

		var raw []byte
		if event.Data != nil {
			raw = event.Data.Raw
		}
		result, err := processor.Process(ctx, stripewebhook.Event{
			ID:        event.ID,
			Type:      string(event.Type),
			CreatedAt: time.Unix(event.Created, 0).UTC(),
			Payload:   raw,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		resp := stripeWebhookResponse{EventID: event.ID}
		if result != nil {
			resp.Outcome = string(result.Outcome)
			resp.Duplicate = result.Duplicate
		}
		responses.WriteSuccess(w, resp)
	}
}
