package orders

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/peermarket-backend/internal/payments"
	"github.com/angelmondragon/peermarket-backend/internal/timeline"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox"
)

// ReasonFailedPaymentTimeout is recorded when the reaper cancels an order.
const ReasonFailedPaymentTimeout = "failed_payment_timeout"

// Checkout bounds. MaxOrderTotalCents matches the gateway's largest
// chargeable amount.
const (
	MaxLineQuantity    = 10_000
	MaxUnitPriceCents  = 99_999_999
	MaxOrderTotalCents = 99_999_999
)

// Labels for handler outcomes that are not state machine edges.
const (
	labelCheckout      enums.OrderEvent = "checkout"
	labelPaymentFailed enums.OrderEvent = "payment_failed"
	labelLateCapture   enums.OrderEvent = "late_capture"
)

// LineItemInput is one checkout line as submitted by the buyer.
type LineItemInput struct {
	ProductID      uuid.UUID
	Quantity       int
	UnitPriceCents int64
	IsDigital      bool
}

// CreateOrderInput captures a buyer checkout request.
type CreateOrderInput struct {
	Actor    Actor
	SellerID uuid.UUID
	Currency string
	Items    []LineItemInput
}

// MarkPaidInput confirms a payment, either from the gateway or a party.
type MarkPaidInput struct {
	OrderID         uuid.UUID
	Actor           Actor
	GatewayEventID  string
	PaymentIntentID string
}

// PaymentFailedInput records a failed charge reported by the gateway.
type PaymentFailedInput struct {
	OrderID        uuid.UUID
	GatewayEventID string
	Reason         string
}

// ConfirmRefundInput settles a refund reported by the gateway.
type ConfirmRefundInput struct {
	OrderID        uuid.UUID
	GatewayEventID string
	Actor          Actor
}

func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*Outcome, error) {
	if input.Actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if input.Actor.Role != enums.ActorRoleBuyer && !input.Actor.isAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only buyers may check out")
	}
	if input.SellerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seller id required")
	}
	if input.SellerID == input.Actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer and seller must differ")
	}
	if len(input.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one line item required")
	}

	items := make(models.LineItems, 0, len(input.Items))
	for i, in := range input.Items {
		if in.ProductID == uuid.Nil {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "line %d: product id required", i)
		}
		if in.Quantity <= 0 || in.Quantity > MaxLineQuantity {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "line %d: quantity must be between 1 and %d", i, MaxLineQuantity)
		}
		if in.UnitPriceCents < 0 || in.UnitPriceCents > MaxUnitPriceCents {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "line %d: unit price must be between 0 and %d", i, MaxUnitPriceCents)
		}
		items = append(items, models.LineItem{
			ProductID:      in.ProductID,
			Quantity:       in.Quantity,
			UnitPriceCents: in.UnitPriceCents,
			IsDigital:      in.IsDigital,
			Status:         enums.LineItemStatusRequested,
		})
	}
	total, err := items.TotalCents()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "order total out of range")
	}
	if total <= 0 || total > MaxOrderTotalCents {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "order total must be between 1 and %d cents", MaxOrderTotalCents).
			WithDetails(map[string]any{"total_cents": total})
	}

	currency := strings.ToLower(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = s.currency
	}

	now := s.now().UTC()
	order := &models.Order{
		ID:            uuid.New(),
		BuyerID:       input.Actor.UserID,
		SellerID:      input.SellerID,
		Products:      items,
		Status:        enums.OrderStatusRequested,
		PaymentStatus: enums.PaymentStatusNone,
		TotalCents:    total,
		Currency:      currency,
		Timeline: timeline.New(entry(enums.TimelineOrderCreated, input.Actor, now, map[string]any{
			"total_cents": total,
			"currency":    currency,
		})),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx = s.logCtx(ctx, order.ID, input.Actor)

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Version:       1,
			Actor:         buildActor(input.Actor),
			OccurredAt:    now,
			Data: OrderCreatedEvent{
				OrderID:    order.ID,
				BuyerID:    order.BuyerID,
				SellerID:   order.SellerID,
				TotalCents: order.TotalCents,
				Currency:   order.Currency,
				AllDigital: order.Products.AllDigital(),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(ctx, labelCheckout, "", order.Status)
	return &Outcome{Order: order}, nil
}

func (s *service) Approve(ctx context.Context, orderID uuid.UUID, actor Actor) (*Outcome, error) {
	return s.apply(ctx, step{
		orderID: orderID,
		event:   enums.OrderEventSellerApprove,
		actor:   actor,
		replayed: func(o *models.Order) bool {
			return AlreadyApplied(o.Status, enums.OrderEventSellerApprove)
		},
		build: func(next *models.Order, _ TransitionContext, to enums.OrderStatus, now time.Time) error {
			next.Status = to
			next.Products = next.Products.WithStatus(enums.LineItemStatusFor(to))
			next.Timeline = next.Timeline.Append(entry(enums.TimelineStatusApproved, actor, now, nil))
			return nil
		},
	})
}

func (s *service) Reject(ctx context.Context, orderID uuid.UUID, actor Actor, reason string) (*Outcome, error) {
	return s.apply(ctx, step{
		orderID: orderID,
		event:   enums.OrderEventSellerReject,
		actor:   actor,
		replayed: func(o *models.Order) bool {
			return AlreadyApplied(o.Status, enums.OrderEventSellerReject)
		},
		build: func(next *models.Order, _ TransitionContext, to enums.OrderStatus, now time.Time) error {
			next.Status = to
			next.Products = next.Products.WithStatus(enums.LineItemStatusFor(to))
			next.Timeline = next.Timeline.Append(entry(enums.TimelineStatusRejected, actor, now, reasonMeta(reason)))
			return nil
		},
	})
}

func (s *service) Cancel(ctx context.Context, orderID uuid.UUID, actor Actor, reason string) (*Outcome, error) {
	return s.apply(ctx, step{
		orderID: orderID,
		event:   enums.OrderEventBuyerCancel,
		actor:   actor,
		replayed: func(o *models.Order) bool {
			return AlreadyApplied(o.Status, enums.OrderEventBuyerCancel)
		},
		build: func(next *models.Order, _ TransitionContext, to enums.OrderStatus, now time.Time) error {
			next.Status = to
			next.Products = next.Products.WithStatus(enums.LineItemStatusCancelled)
			next.Timeline = next.Timeline.Append(entry(enums.TimelineStatusCancelled, actor, now, reasonMeta(reason)))
			return nil
		},
	})
}

// CreatePayment returns the order's payment intent, creating it on first use.
// The gateway call happens before any local write; the intent is persisted
// only while payment_intent_id is still null.
func (s *service) CreatePayment(ctx context.Context, orderID uuid.UUID, actor Actor) (*PaymentOutcome, error) {
	ctx = s.logCtx(ctx, orderID, actor)
	event := enums.OrderEventCreatePayment

	order, err := loadOrder(ctx, s.repo, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeView(order, actor); err != nil {
		return nil, err
	}
	if order.PaymentIntentID != nil {
		if err := requireBuyerOrAdmin(ContextFor(order, actor)); err != nil {
			return nil, err
		}
		s.replay(ctx, event, order)
		return existingIntent(order), nil
	}
	if order.Status != enums.OrderStatusApproved {
		err := pkgerrors.Newf(pkgerrors.CodeNotApproved, "order is %s, payment requires approved", order.Status)
		s.reject(ctx, event, err)
		return nil, err
	}
	if !order.Products.AnyDigital() {
		err := pkgerrors.New(pkgerrors.CodeNotDigital, "order has no line item requiring upfront payment")
		s.reject(ctx, event, err)
		return nil, err
	}
	if _, err := Transition(order.Status, event, ContextFor(order, actor)); err != nil {
		s.reject(ctx, event, err)
		return nil, err
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, payments.CreateIntentRequest{
		AmountCents: order.TotalCents,
		Currency:    order.Currency,
		Metadata: map[string]string{
			"order_id":  order.ID.String(),
			"buyer_id":  order.BuyerID.String(),
			"seller_id": order.SellerID.String(),
		},
		IdempotencyKey: order.ID.String(),
	})
	if err != nil {
		s.reject(ctx, event, err)
		return nil, err
	}

	var out *Outcome
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		out, err = s.apply(ctx, step{
			orderID: order.ID,
			event:   event,
			actor:   actor,
			loaded:  order,
			replayed: func(o *models.Order) bool {
				return o.PaymentIntentID != nil
			},
			build: func(next *models.Order, _ TransitionContext, to enums.OrderStatus, now time.Time) error {
				id := intent.ID
				next.Status = to
				next.PaymentIntentID = &id
				next.PaymentStatus = enums.PaymentStatusPending
				next.Timeline = next.Timeline.Append(entry(enums.TimelinePaymentIntentCreated, actor, now, map[string]any{
					"payment_intent_id": intent.ID,
				}))
				return nil
			},
			precondition: func(*models.Order) Precondition {
				return Precondition{Status: enums.OrderStatusApproved, PaymentIntentUnset: true}
			},
		})
		if !pkgerrors.IsCode(err, pkgerrors.CodePreconditionFailed) {
			break
		}
		// Lost the write to an unrelated change; the intent is still ours to record.
		reloaded, loadErr := loadOrder(ctx, s.repo, orderID)
		if loadErr != nil {
			return nil, loadErr
		}
		order = reloaded
	}
	if err != nil {
		return nil, err
	}
	if out.Replayed {
		res := existingIntent(out.Order)
		if res.PaymentIntentID == intent.ID {
			res.ClientSecret = intent.ClientSecret
		}
		return res, nil
	}
	return &PaymentOutcome{Outcome: *out, PaymentIntentID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func existingIntent(order *models.Order) *PaymentOutcome {
	out := &PaymentOutcome{Outcome: Outcome{Order: order, Replayed: true}}
	if order.PaymentIntentID != nil {
		out.PaymentIntentID = *order.PaymentIntentID
	}
	return out
}

// MarkPaid moves approved to paid and, when every line is digital, on to
// completed in the same write with two timeline entries.
func (s *service) MarkPaid(ctx context.Context, input MarkPaidInput) (*Outcome, error) {
	actor := input.Actor
	if actor.Role == "" {
		actor = SystemActor()
	}
	fromGateway := actor.isSystem()

	out, err := s.apply(ctx, step{
		orderID: input.OrderID,
		event:   enums.OrderEventPaymentSucceeded,
		actor:   actor,
		replayed: func(o *models.Order) bool {
			return AlreadyApplied(o.Status, enums.OrderEventPaymentSucceeded) ||
				o.Timeline.HasGatewayEvent(input.GatewayEventID)
		},
		prepare: func(tc *TransitionContext, o *models.Order) {
			intentMatches := input.PaymentIntentID == "" || (o.PaymentIntentID != nil && *o.PaymentIntentID == input.PaymentIntentID)
			// Digital lines are charged through the gateway and need its
			// confirmation; physical-only orders are settled off-gateway.
			tc.ChargeConfirmed = (fromGateway && intentMatches) || !o.Products.AnyDigital()
		},
		build: func(next *models.Order, tc TransitionContext, to enums.OrderStatus, now time.Time) error {
			meta := gatewayMeta(input.GatewayEventID, nil)
			if next.PaymentIntentID != nil {
				meta["payment_intent_id"] = *next.PaymentIntentID
			}
			next.Status = to
			next.PaymentStatus = enums.PaymentStatusSucceeded
			next.Timeline = next.Timeline.Append(entry(enums.TimelinePaymentMarked, actor, now, meta))

			if tc.AllDigital {
				completed, err := Transition(to, enums.OrderEventAutoComplete, tc)
				if err != nil {
					return err
				}
				next.Status = completed
				next.Timeline = next.Timeline.Append(entry(enums.TimelineCompleted, actor, now, gatewayMeta(input.GatewayEventID, nil)))
			}
			next.Products = next.Products.WithStatus(enums.LineItemStatusFor(next.Status))
			return nil
		},
		after: func(ctx context.Context, tx *gorm.DB, _, next *models.Order) error {
			if next.Status != enums.OrderStatusCompleted {
				return nil
			}
			return s.recordPayout(ctx, tx, next, s.payouts.RecordTransfer)
		},
	})
	if err != nil && fromGateway && pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition) {
		return s.recordLateCapture(ctx, input, err)
	}
	return out, err
}

// recordLateCapture caches a gateway success for an order that closed
// before the charge landed, e.g. a buyer cancel or the reaper racing a
// retried payment. Status stays put; the capture is flagged for refund.
// Orders that are not closed and unpaid get rejected back to the caller.
func (s *service) recordLateCapture(ctx context.Context, input MarkPaidInput, rejected error) (*Outcome, error) {
	actor := SystemActor()
	ctx = s.logCtx(ctx, input.OrderID, actor)
	for attempt := 0; ; attempt++ {
		order, err := loadOrder(ctx, s.repo, input.OrderID)
		if err != nil {
			return nil, err
		}
		if order.Timeline.HasGatewayEvent(input.GatewayEventID) {
			s.replay(ctx, labelLateCapture, order)
			return &Outcome{Order: order, Replayed: true}, nil
		}
		if !closedUnpaid(order) {
			return nil, rejected
		}

		intentID := input.PaymentIntentID
		if intentID == "" && order.PaymentIntentID != nil {
			intentID = *order.PaymentIntentID
		}
		now := s.now().UTC()
		next := cloneOrder(order)
		next.PaymentStatus = enums.PaymentStatusSucceeded
		next.Timeline = next.Timeline.Append(entry(enums.TimelinePaymentMarked, actor, now, gatewayMeta(input.GatewayEventID, map[string]any{
			"payment_intent_id": intentID,
			"late_capture":      true,
			"order_status":      string(order.Status),
		})))
		next.Version = order.Version + 1
		next.UpdatedAt = now

		err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			if err := s.repo.WithTx(tx).ConditionalUpdate(ctx, next, Precondition{
				Version: order.Version,
				Status:  order.Status,
			}); err != nil {
				return err
			}
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventLateCapture,
				AggregateType: enums.AggregateOrder,
				AggregateID:   next.ID,
				Version:       1,
				Actor:         buildActor(actor),
				OccurredAt:    now,
				Data: LateCaptureEvent{
					OrderID:         next.ID,
					BuyerID:         next.BuyerID,
					SellerID:        next.SellerID,
					Status:          next.Status,
					PaymentIntentID: intentID,
					GatewayEventID:  input.GatewayEventID,
					AmountCents:     next.TotalCents,
					Currency:        next.Currency,
				},
			})
		})
		if err == nil {
			if s.logg != nil {
				s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
					"status":            next.Status,
					"payment_intent_id": intentID,
					"amount_cents":      next.TotalCents,
				}), "order.payment.captured_after_close")
			}
			return &Outcome{Order: next}, nil
		}
		if !pkgerrors.IsCode(err, pkgerrors.CodePreconditionFailed) || attempt+1 >= maxCommitAttempts {
			return nil, err
		}
	}
}

// closedUnpaid reports whether the order ended without a charge on record.
func closedUnpaid(order *models.Order) bool {
	if order.Status != enums.OrderStatusCancelled && order.Status != enums.OrderStatusRejected {
		return false
	}
	return order.PaymentStatus != enums.PaymentStatusSucceeded && order.PaymentStatus != enums.PaymentStatusRefunded
}

// MarkPaymentFailed caches a gateway-reported failure on an approved order.
// Reports for orders already past approved are acknowledged without change.
func (s *service) MarkPaymentFailed(ctx context.Context, input PaymentFailedInput) (*Outcome, error) {
	ctx = s.logCtx(ctx, input.OrderID, SystemActor())
	for attempt := 0; ; attempt++ {
		order, err := loadOrder(ctx, s.repo, input.OrderID)
		if err != nil {
			return nil, err
		}
		if order.Status != enums.OrderStatusApproved ||
			order.PaymentStatus == enums.PaymentStatusSucceeded ||
			order.Timeline.HasGatewayEvent(input.GatewayEventID) {
			s.replay(ctx, labelPaymentFailed, order)
			return &Outcome{Order: order, Replayed: true}, nil
		}

		now := s.now().UTC()
		next := cloneOrder(order)
		next.PaymentStatus = enums.PaymentStatusFailed
		next.Timeline = next.Timeline.Append(entry(enums.TimelinePaymentFailed, SystemActor(), now,
			gatewayMeta(input.GatewayEventID, reasonMeta(input.Reason))))
		next.Version = order.Version + 1
		next.UpdatedAt = now

		err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			return s.repo.WithTx(tx).ConditionalUpdate(ctx, next, Precondition{
				Version: order.Version,
				Status:  enums.OrderStatusApproved,
			})
		})
		if err == nil {
			if s.logg != nil {
				s.logg.Warn(ctx, "order.payment_failed")
			}
			return &Outcome{Order: next}, nil
		}
		if !pkgerrors.IsCode(err, pkgerrors.CodePreconditionFailed) || attempt+1 >= maxCommitAttempts {
			return nil, err
		}
	}
}

func (s *service) ConfirmFulfillment(ctx context.Context, orderID uuid.UUID, actor Actor) (*Outcome, error) {
	return s.apply(ctx, step{
		orderID: orderID,
		event:   enums.OrderEventFulfillmentConfirmed,
		actor:   actor,
		replayed: func(o *models.Order) bool {
			return AlreadyApplied(o.Status, enums.OrderEventFulfillmentConfirmed)
		},
		prepare: func(tc *TransitionContext, _ *models.Order) {
			tc.FulfillmentConfirmed = true
		},
		build: func(next *models.Order, _ TransitionContext, to enums.OrderStatus, now time.Time) error {
			next.Status = to
			next.Products = next.Products.WithStatus(enums.LineItemStatusFor(to))
			next.Timeline = next.Timeline.Append(
				entry(enums.TimelineFulfillmentConfirmed, actor, now, nil),
				entry(enums.TimelineCompleted, actor, now, nil),
			)
			return nil
		},
		after: func(ctx context.Context, tx *gorm.DB, _, next *models.Order) error {
			return s.recordPayout(ctx, tx, next, s.payouts.RecordTransfer)
		},
	})
}

// Refund initiates a full refund. The order stays completed with every line
// marked refunded until the gateway confirms settlement via ConfirmRefund.
func (s *service) Refund(ctx context.Context, orderID uuid.UUID, actor Actor) (*RefundOutcome, error) {
	ctx = s.logCtx(ctx, orderID, actor)
	event := enums.OrderEventRefundRequest

	order, err := loadOrder(ctx, s.repo, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeView(order, actor); err != nil {
		return nil, err
	}
	if order.Status == enums.OrderStatusRefunded {
		err := pkgerrors.New(pkgerrors.CodeAlreadyRefunded, "order already refunded")
		s.reject(ctx, event, err)
		return nil, err
	}
	if _, err := Transition(order.Status, event, ContextFor(order, actor)); err != nil {
		s.reject(ctx, event, err)
		return nil, err
	}
	paymentIntentID := *order.PaymentIntentID

	existing, err := s.gateway.ListRefunds(ctx, paymentIntentID)
	if err != nil {
		s.reject(ctx, event, err)
		return nil, err
	}
	if payments.HasSucceededRefund(existing) {
		err := pkgerrors.New(pkgerrors.CodeAlreadyRefunded, "a refund for this payment already succeeded")
		s.reject(ctx, event, err)
		return nil, err
	}

	refund, err := s.gateway.CreateRefund(ctx, paymentIntentID, map[string]string{
		"order_id": order.ID.String(),
	}, order.ID.String()+":refund")
	if err != nil {
		s.reject(ctx, event, err)
		return nil, err
	}

	var out *Outcome
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		out, err = s.apply(ctx, step{
			orderID: order.ID,
			event:   event,
			actor:   actor,
			loaded:  order,
			replayed: func(o *models.Order) bool {
				return o.Status == enums.OrderStatusRefunded || refundInitiated(o)
			},
			build: func(next *models.Order, _ TransitionContext, _ enums.OrderStatus, now time.Time) error {
				next.Products = next.Products.WithStatus(enums.LineItemStatusRefunded)
				next.Timeline = next.Timeline.Append(entry(enums.TimelineRefundInitiated, actor, now, map[string]any{
					"refund_id":         refund.ID,
					"payment_intent_id": paymentIntentID,
				}))
				return nil
			},
			emit: func(_, next *models.Order) *outbox.DomainEvent {
				return &outbox.DomainEvent{
					EventType:     enums.EventRefundInitiated,
					AggregateType: enums.AggregateOrder,
					AggregateID:   next.ID,
					Version:       1,
					Actor:         buildActor(actor),
					OccurredAt:    next.UpdatedAt,
					Data: RefundInitiatedEvent{
						OrderID:         next.ID,
						PaymentIntentID: paymentIntentID,
						RefundID:        refund.ID,
					},
				}
			},
		})
		if !pkgerrors.IsCode(err, pkgerrors.CodePreconditionFailed) {
			break
		}
		reloaded, loadErr := loadOrder(ctx, s.repo, orderID)
		if loadErr != nil {
			return nil, loadErr
		}
		order = reloaded
	}
	if err != nil {
		return nil, err
	}
	return &RefundOutcome{Outcome: *out, RefundID: refund.ID}, nil
}

func refundInitiated(order *models.Order) bool {
	if len(order.Products) == 0 {
		return false
	}
	for _, item := range order.Products {
		if item.Status != enums.LineItemStatusRefunded {
			return false
		}
	}
	return order.Timeline.Contains(enums.TimelineRefundInitiated)
}

// ConfirmRefund is the settlement half of a refund, driven by the gateway.
func (s *service) ConfirmRefund(ctx context.Context, input ConfirmRefundInput) (*Outcome, error) {
	actor := input.Actor
	if actor.Role == "" {
		actor = SystemActor()
	}
	return s.apply(ctx, step{
		orderID: input.OrderID,
		event:   enums.OrderEventRefundSettled,
		actor:   actor,
		replayed: func(o *models.Order) bool {
			return AlreadyApplied(o.Status, enums.OrderEventRefundSettled) ||
				o.Timeline.HasGatewayEvent(input.GatewayEventID)
		},
		build: func(next *models.Order, _ TransitionContext, to enums.OrderStatus, now time.Time) error {
			next.Status = to
			next.PaymentStatus = enums.PaymentStatusRefunded
			next.Products = next.Products.WithStatus(enums.LineItemStatusRefunded)
			next.Timeline = next.Timeline.Append(entry(enums.TimelineRefundSettled, actor, now, gatewayMeta(input.GatewayEventID, nil)))
			return nil
		},
		after: func(ctx context.Context, tx *gorm.DB, _, next *models.Order) error {
			return s.recordPayout(ctx, tx, next, s.payouts.RecordReversal)
		},
	})
}

// ReapStalePayment cancels an approved order whose failed payment has aged
// past threshold. A non-positive threshold uses the configured default.
func (s *service) ReapStalePayment(ctx context.Context, orderID uuid.UUID, threshold time.Duration) (*Outcome, error) {
	if threshold <= 0 {
		threshold = s.stale
	}
	actor := SystemActor()
	return s.apply(ctx, step{
		orderID: orderID,
		event:   enums.OrderEventPaymentFailedTimeout,
		actor:   actor,
		replayed: func(o *models.Order) bool {
			return AlreadyApplied(o.Status, enums.OrderEventPaymentFailedTimeout)
		},
		prepare: func(tc *TransitionContext, o *models.Order) {
			tc.FailedPaymentAge = s.now().Sub(o.UpdatedAt)
			tc.FailedPaymentThreshold = threshold
		},
		build: func(next *models.Order, _ TransitionContext, to enums.OrderStatus, now time.Time) error {
			next.Status = to
			next.Products = next.Products.WithStatus(enums.LineItemStatusCancelled)
			next.Timeline = next.Timeline.Append(entry(enums.TimelineStatusCancelled, actor, now, reasonMeta(ReasonFailedPaymentTimeout)))
			return nil
		},
	})
}

type payoutFunc func(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.PayoutEntry, error)

// recordPayout treats an existing ledger row as success so replayed
// completions never fail the transition.
func (s *service) recordPayout(ctx context.Context, tx *gorm.DB, order *models.Order, record payoutFunc) error {
	if _, err := record(ctx, tx, order); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeAlreadyProcessed) {
			return nil
		}
		return err
	}
	return nil
}

func reasonMeta(reason string) map[string]any {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil
	}
	return map[string]any{"reason": reason}
}
