package stripewebhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/peermarket-backend/internal/orders"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
)

const orderIDMetadataKey = "order_id"

// Outcome labels reported per delivery.
const (
	OutcomeProcessed = "processed"
	OutcomeReplayed  = "replayed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

type orderProcessor interface {
	MarkPaid(ctx context.Context, input orders.MarkPaidInput) (*orders.Outcome, error)
	MarkPaymentFailed(ctx context.Context, input orders.PaymentFailedInput) (*orders.Outcome, error)
	ConfirmRefund(ctx context.Context, input orders.ConfirmRefundInput) (*orders.Outcome, error)
	ResolveOrderID(ctx context.Context, paymentIntentID string) (uuid.UUID, error)
}

type deliveryGuard interface {
	Claim(ctx context.Context, eventID string) (prior string, claimed bool, err error)
	Settle(ctx context.Context, eventID, outcome string) error
	Release(ctx context.Context, eventID string) error
}

type webhookObserver interface {
	Webhook(eventType, outcome string)
}

type ServiceParams struct {
	Orders   orderProcessor
	Guard    deliveryGuard
	Observer webhookObserver
	Logger   *logger.Logger
}

// Service reconciles gateway events into order transitions.
type Service struct {
	orders   orderProcessor
	guard    deliveryGuard
	observer webhookObserver
	logg     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	}
	if params.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard required")
	}
	return &Service{
		orders:   params.Orders,
		guard:    params.Guard,
		observer: params.Observer,
		logg:     params.Logger,
	}, nil
}

// HandleEvent applies a verified gateway event. It returns an error only
// when the delivery should be retried by the gateway; events that can never
// apply are acknowledged and reported through the outcome.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) (string, error) {
	if event == nil || event.Data == nil || strings.TrimSpace(event.ID) == "" {
		return OutcomeRejected, pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	eventType := string(event.Type)
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"gateway_event_id": event.ID,
			"gateway_event":    eventType,
		})
	}

	prior, claimed, err := s.guard.Claim(ctx, event.ID)
	switch {
	case err != nil:
		// The timeline still dedupes by event id, so proceed without the cache.
		s.warn(ctx, "webhook.idempotency.unavailable", err)
	case !claimed && prior == claimPending:
		// Acking now would lose the event if the in-flight delivery fails.
		s.observe(eventType, OutcomeFailed)
		return OutcomeFailed, pkgerrors.New(pkgerrors.CodeDependency, "gateway event is still being processed")
	case !claimed:
		if s.logg != nil {
			s.logg.Info(s.logg.WithField(ctx, "prior_outcome", prior), "webhook.duplicate")
		}
		s.observe(eventType, OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}

	outcome, err := s.dispatch(ctx, event)
	if err != nil {
		if retryable(err) {
			if relErr := s.guard.Release(ctx, event.ID); relErr != nil {
				s.warn(ctx, "webhook.idempotency.release_failed", relErr)
			}
			s.observe(eventType, OutcomeFailed)
			if s.logg != nil {
				s.logg.Error(ctx, "webhook.failed", err)
			}
			return OutcomeFailed, err
		}
		s.warn(ctx, "webhook.rejected", err)
		outcome = OutcomeRejected
	}
	if claimed {
		if setErr := s.guard.Settle(ctx, event.ID, outcome); setErr != nil {
			s.warn(ctx, "webhook.idempotency.settle_failed", setErr)
		}
	}
	s.observe(eventType, outcome)
	return outcome, nil
}

func (s *Service) dispatch(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		intent, err := decodeIntent(event)
		if err != nil {
			return "", err
		}
		orderID, err := s.orderIDFor(ctx, intent.Metadata, intent.ID)
		if err != nil {
			return "", err
		}
		out, err := s.orders.MarkPaid(ctx, orders.MarkPaidInput{
			OrderID:         orderID,
			Actor:           orders.SystemActor(),
			GatewayEventID:  event.ID,
			PaymentIntentID: intent.ID,
		})
		return outcomeOf(out), err
	case stripe.EventTypePaymentIntentPaymentFailed:
		intent, err := decodeIntent(event)
		if err != nil {
			return "", err
		}
		orderID, err := s.orderIDFor(ctx, intent.Metadata, intent.ID)
		if err != nil {
			return "", err
		}
		out, err := s.orders.MarkPaymentFailed(ctx, orders.PaymentFailedInput{
			OrderID:        orderID,
			GatewayEventID: event.ID,
			Reason:         failureReason(intent),
		})
		return outcomeOf(out), err
	case stripe.EventTypeChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge")
		}
		if !charge.Refunded {
			// Partial refunds are not modelled.
			return OutcomeIgnored, nil
		}
		intentID := ""
		if charge.PaymentIntent != nil {
			intentID = charge.PaymentIntent.ID
		}
		orderID, err := s.orderIDFor(ctx, charge.Metadata, intentID)
		if err != nil {
			return "", err
		}
		out, err := s.orders.ConfirmRefund(ctx, orders.ConfirmRefundInput{
			OrderID:        orderID,
			GatewayEventID: event.ID,
			Actor:          orders.SystemActor(),
		})
		return outcomeOf(out), err
	default:
		return OutcomeIgnored, nil
	}
}

// orderIDFor prefers the order id stamped on the intent and falls back to
// the stored payment_intent_id.
func (s *Service) orderIDFor(ctx context.Context, metadata map[string]string, intentID string) (uuid.UUID, error) {
	if raw := strings.TrimSpace(metadata[orderIDMetadataKey]); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id, nil
		}
	}
	if strings.TrimSpace(intentID) == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "event carries no order reference")
	}
	return s.orders.ResolveOrderID(ctx, intentID)
}

func decodeIntent(event *stripe.Event) (*stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent")
	}
	return &intent, nil
}

func failureReason(intent *stripe.PaymentIntent) string {
	if intent.LastPaymentError == nil {
		return ""
	}
	if code := string(intent.LastPaymentError.Code); code != "" {
		return code
	}
	return intent.LastPaymentError.Msg
}

func outcomeOf(out *orders.Outcome) string {
	if out != nil && out.Replayed {
		return OutcomeReplayed
	}
	return OutcomeProcessed
}

// retryable treats unclassified errors as transient.
func retryable(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return true
	}
	return typed.Retryable()
}

func (s *Service) observe(eventType, outcome string) {
	if s.observer != nil {
		s.observer.Webhook(eventType, outcome)
	}
}

func (s *Service) warn(ctx context.Context, msg string, err error) {
	if s.logg == nil {
		return
	}
	s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), msg)
}
