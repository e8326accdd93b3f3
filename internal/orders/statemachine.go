package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
)

// Actor identifies who requested a transition.
type Actor struct {
	UserID uuid.UUID
	Role   enums.ActorRole
}

// SystemActor is used for gateway webhooks and scheduled jobs.
func SystemActor() Actor {
	return Actor{Role: enums.ActorRoleSystem}
}

// Label is the value recorded as the timeline actor.
func (a Actor) Label() string {
	if a.Role == enums.ActorRoleSystem || a.UserID == uuid.Nil {
		return string(enums.ActorRoleSystem)
	}
	return a.UserID.String()
}

func (a Actor) isAdmin() bool {
	return a.Role == enums.ActorRoleAdmin
}

func (a Actor) isSystem() bool {
	return a.Role == enums.ActorRoleSystem
}

// TransitionContext carries the order facts an edge precondition may inspect.
type TransitionContext struct {
	Actor                  Actor
	BuyerID                uuid.UUID
	SellerID               uuid.UUID
	PaymentStatus          enums.PaymentStatus
	PaymentIntentID        string
	AllDigital             bool
	HasPhysical            bool
	FulfillmentConfirmed   bool
	ChargeConfirmed        bool
	FailedPaymentAge       time.Duration
	FailedPaymentThreshold time.Duration
}

// ContextFor derives the order facts from a stored order.
func ContextFor(order *models.Order, actor Actor) TransitionContext {
	tc := TransitionContext{Actor: actor}
	if order == nil {
		return tc
	}
	tc.BuyerID = order.BuyerID
	tc.SellerID = order.SellerID
	tc.PaymentStatus = order.PaymentStatus
	if order.PaymentIntentID != nil {
		tc.PaymentIntentID = *order.PaymentIntentID
	}
	tc.AllDigital = order.Products.AllDigital()
	tc.HasPhysical = len(order.Products) > 0 && !tc.AllDigital
	return tc
}

type edge struct {
	from  enums.OrderStatus
	event enums.OrderEvent
}

type guard func(tc TransitionContext) error

type rule struct {
	to    enums.OrderStatus
	guard guard
}

var edges = map[edge]rule{
	{enums.OrderStatusRequested, enums.OrderEventSellerApprove}:       {enums.OrderStatusApproved, requireSeller},
	{enums.OrderStatusRequested, enums.OrderEventSellerReject}:        {enums.OrderStatusRejected, requireSeller},
	{enums.OrderStatusRequested, enums.OrderEventBuyerCancel}:         {enums.OrderStatusCancelled, guardBuyerCancel},
	{enums.OrderStatusApproved, enums.OrderEventBuyerCancel}:          {enums.OrderStatusCancelled, guardBuyerCancel},
	{enums.OrderStatusApproved, enums.OrderEventCreatePayment}:        {enums.OrderStatusApproved, requireBuyerOrAdmin},
	{enums.OrderStatusApproved, enums.OrderEventPaymentSucceeded}:     {enums.OrderStatusPaid, guardPaymentSucceeded},
	{enums.OrderStatusPaid, enums.OrderEventAutoComplete}:             {enums.OrderStatusCompleted, guardAutoComplete},
	{enums.OrderStatusPaid, enums.OrderEventFulfillmentConfirmed}:     {enums.OrderStatusCompleted, guardFulfillment},
	{enums.OrderStatusCompleted, enums.OrderEventRefundRequest}:       {enums.OrderStatusRefunded, guardRefundRequest},
	{enums.OrderStatusCompleted, enums.OrderEventRefundSettled}:       {enums.OrderStatusRefunded, guardRefundSettled},
	{enums.OrderStatusApproved, enums.OrderEventPaymentFailedTimeout}: {enums.OrderStatusCancelled, guardFailedTimeout},
	{enums.OrderStatusPaid, enums.OrderEventPaymentFailedTimeout}:     {enums.OrderStatusCancelled, guardFailedTimeout},
}

// Transition validates event against the edge table. It performs no I/O.
func Transition(current enums.OrderStatus, event enums.OrderEvent, tc TransitionContext) (enums.OrderStatus, error) {
	r, ok := edges[edge{from: current, event: event}]
	if !ok {
		return current, pkgerrors.Newf(pkgerrors.CodeInvalidTransition, "%s is not allowed from %s", event, current).
			WithDetails(map[string]any{"status": current, "event": event})
	}
	if r.guard != nil {
		if err := r.guard(tc); err != nil {
			return current, err
		}
	}
	return r.to, nil
}

// Reachable reports whether the edge exists, ignoring preconditions.
func Reachable(current enums.OrderStatus, event enums.OrderEvent) bool {
	_, ok := edges[edge{from: current, event: event}]
	return ok
}

// satisfiedBy lists the statuses that mean an event has already been applied
// or overtaken by a later transition.
var satisfiedBy = map[enums.OrderEvent][]enums.OrderStatus{
	enums.OrderEventSellerApprove:        {enums.OrderStatusApproved, enums.OrderStatusPaid, enums.OrderStatusCompleted, enums.OrderStatusRefunded},
	enums.OrderEventSellerReject:         {enums.OrderStatusRejected},
	enums.OrderEventBuyerCancel:          {enums.OrderStatusCancelled},
	enums.OrderEventPaymentSucceeded:     {enums.OrderStatusPaid, enums.OrderStatusCompleted, enums.OrderStatusRefunded},
	enums.OrderEventAutoComplete:         {enums.OrderStatusCompleted, enums.OrderStatusRefunded},
	enums.OrderEventFulfillmentConfirmed: {enums.OrderStatusCompleted, enums.OrderStatusRefunded},
	enums.OrderEventRefundSettled:        {enums.OrderStatusRefunded},
	enums.OrderEventPaymentFailedTimeout: {enums.OrderStatusCancelled},
}

// AlreadyApplied reports whether an order in current has already moved past event.
func AlreadyApplied(current enums.OrderStatus, event enums.OrderEvent) bool {
	for _, s := range satisfiedBy[event] {
		if s == current {
			return true
		}
	}
	return false
}

func forbidden(msg string) error {
	return pkgerrors.New(pkgerrors.CodeForbidden, msg)
}

func preconditionUnmet(msg string) error {
	return pkgerrors.New(pkgerrors.CodeInvalidTransition, msg)
}

func requireSeller(tc TransitionContext) error {
	if tc.Actor.UserID == uuid.Nil || tc.Actor.UserID != tc.SellerID {
		return forbidden("only the seller of record may decide this order")
	}
	return nil
}

func requireBuyerOrAdmin(tc TransitionContext) error {
	if tc.Actor.isAdmin() {
		return nil
	}
	if tc.Actor.UserID == uuid.Nil || tc.Actor.UserID != tc.BuyerID {
		return forbidden("only the buyer may pay for this order")
	}
	return nil
}

func guardBuyerCancel(tc TransitionContext) error {
	if tc.Actor.UserID == uuid.Nil || tc.Actor.UserID != tc.BuyerID {
		return forbidden("only the buyer may cancel this order")
	}
	if tc.PaymentStatus == enums.PaymentStatusSucceeded {
		return preconditionUnmet("order cannot be cancelled after payment succeeded")
	}
	return nil
}

func guardPaymentSucceeded(tc TransitionContext) error {
	switch {
	case tc.Actor.isSystem(), tc.Actor.isAdmin():
	case tc.Actor.UserID != uuid.Nil && (tc.Actor.UserID == tc.BuyerID || tc.Actor.UserID == tc.SellerID):
	default:
		return forbidden("actor may not confirm payment for this order")
	}
	if !tc.ChargeConfirmed {
		return preconditionUnmet("payment has not been confirmed by the gateway")
	}
	return nil
}

func guardAutoComplete(tc TransitionContext) error {
	if !tc.AllDigital {
		return preconditionUnmet("auto completion requires every line item to be digital")
	}
	return nil
}

func guardFulfillment(tc TransitionContext) error {
	if !tc.Actor.isAdmin() && !tc.Actor.isSystem() {
		if tc.Actor.UserID == uuid.Nil || tc.Actor.UserID != tc.SellerID {
			return forbidden("only the seller of record may confirm fulfillment")
		}
	}
	if !tc.HasPhysical {
		return preconditionUnmet("digital orders complete without fulfillment")
	}
	if !tc.FulfillmentConfirmed {
		return preconditionUnmet("fulfillment confirmation missing")
	}
	return nil
}

func chargeSucceeded(tc TransitionContext) bool {
	return tc.PaymentIntentID != "" && tc.PaymentStatus == enums.PaymentStatusSucceeded
}

func guardRefundRequest(tc TransitionContext) error {
	if !tc.Actor.isAdmin() {
		if tc.Actor.UserID == uuid.Nil || tc.Actor.UserID != tc.SellerID {
			return forbidden("only the seller of record or an admin may refund")
		}
	}
	if !chargeSucceeded(tc) {
		return preconditionUnmet("order has no succeeded charge to refund")
	}
	return nil
}

func guardRefundSettled(tc TransitionContext) error {
	if !tc.Actor.isSystem() && !tc.Actor.isAdmin() {
		return forbidden("refund settlement is confirmed by the gateway")
	}
	if tc.PaymentIntentID == "" {
		return preconditionUnmet("order has no payment intent")
	}
	return nil
}

func guardFailedTimeout(tc TransitionContext) error {
	if !tc.Actor.isSystem() && !tc.Actor.isAdmin() {
		return forbidden("stale payments are cancelled by the reaper")
	}
	if tc.PaymentStatus != enums.PaymentStatusFailed {
		return preconditionUnmet("payment has not failed")
	}
	if tc.FailedPaymentAge <= tc.FailedPaymentThreshold {
		return preconditionUnmet("failed payment is not stale yet")
	}
	return nil
}
