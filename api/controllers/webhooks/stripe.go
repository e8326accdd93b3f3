package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/peermarket-backend/api/responses"
	stripewebhook "github.com/angelmondragon/peermarket-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
)

// maxPayloadBytes bounds the webhook body; gateway events are well under this.
const maxPayloadBytes = 1 << 16

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) (string, error)
}

// EventVerifier checks the Stripe-Signature header and decodes the event.
type EventVerifier interface {
	ConstructEvent(payload []byte, header string) (*stripe.Event, error)
}

type webhookAck struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
}

// StripeWebhook verifies a gateway delivery and hands it to the reconciler.
// Any 2xx acknowledges the event; errors are returned so the gateway redelivers.
func StripeWebhook(svc StripeWebhookService, client EventVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if client == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe client unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing"))
			return
		}

		event, err := client.ConstructEvent(payload, sigHeader)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "verify signature"))
			return
		}

		outcome, err := svc.HandleEvent(ctx, event)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		ack := webhookAck{EventID: event.ID, Type: string(event.Type), Outcome: outcome}
		replayed := outcome == stripewebhook.OutcomeDuplicate || outcome == stripewebhook.OutcomeReplayed
		responses.WriteOutcome(w, http.StatusOK, ack, replayed)
	}
}
