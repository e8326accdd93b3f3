package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/peermarket-backend/api/middleware"
	"github.com/angelmondragon/peermarket-backend/api/responses"
	"github.com/angelmondragon/peermarket-backend/api/validators"
	internalorders "github.com/angelmondragon/peermarket-backend/internal/orders"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
	"github.com/angelmondragon/peermarket-backend/pkg/pagination"
)

// PayoutLister reads the payout ledger rows for an order.
type PayoutLister interface {
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.PayoutEntry, error)
}

// Create places a new order for the authenticated buyer.
func Create(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !serviceReady(w, r, svc, logg) {
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out, err := svc.CreateOrder(r.Context(), req.toInput(actor))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status := http.StatusCreated
		if out.Replayed {
			status = http.StatusOK
		}
		responses.WriteOutcome(w, status, toOrderResponse(out.Order), out.Replayed)
	}
}

// List returns a cursor page of orders for the requested scope.
func List(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !serviceReady(w, r, svc, logg) {
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := internalorders.ListOrdersInput{
			Actor: actor,
			Scope: defaultScope(actor, r.URL.Query().Get("scope")),
			Params: pagination.Params{
				Limit:  limit,
				Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
			},
		}
		input.Status, err = validators.ParseQueryEnum(r, "status", enums.ParseOrderStatus)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.ListOrders(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderListResponse(list))
	}
}

// Detail returns a single order visible to the actor.
func Detail(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !serviceReady(w, r, svc, logg) {
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.GetOrder(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order))
	}
}

// Approve lets the seller accept a requested order.
func Approve(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(ctx context.Context, r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.Outcome, error) {
		return svc.Approve(ctx, orderID, actor)
	})
}

// Reject lets the seller decline a requested order.
func Reject(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(ctx context.Context, r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.Outcome, error) {
		var req reasonRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			return nil, err
		}
		return svc.Reject(ctx, orderID, actor, validators.SanitizeString(req.Reason, 500))
	})
}

// Cancel lets the buyer withdraw an unpaid order.
func Cancel(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(ctx context.Context, r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.Outcome, error) {
		var req reasonRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			return nil, err
		}
		return svc.Cancel(ctx, orderID, actor, validators.SanitizeString(req.Reason, 500))
	})
}

// MarkPaid records a party's payment confirmation.
func MarkPaid(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(ctx context.Context, r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.Outcome, error) {
		var req markPaidRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			return nil, err
		}
		return svc.MarkPaid(ctx, internalorders.MarkPaidInput{
			OrderID:         orderID,
			Actor:           actor,
			PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
		})
	})
}

// ConfirmFulfillment completes a physical order once the goods are handed over.
func ConfirmFulfillment(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(ctx context.Context, r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.Outcome, error) {
		return svc.ConfirmFulfillment(ctx, orderID, actor)
	})
}

// CreatePayment opens (or returns the existing) payment intent for an approved order.
func CreatePayment(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !serviceReady(w, r, svc, logg) {
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out, err := svc.CreatePayment(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteOutcome(w, http.StatusOK, paymentResponse{
			Order:           toOrderResponse(out.Order),
			PaymentIntentID: out.PaymentIntentID,
			ClientSecret:    out.ClientSecret,
		}, out.Replayed)
	}
}

// Refund initiates a gateway refund for a completed order.
func Refund(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !serviceReady(w, r, svc, logg) {
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out, err := svc.Refund(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status := http.StatusAccepted
		if out.Replayed {
			status = http.StatusOK
		}
		responses.WriteOutcome(w, status, refundResponse{
			Order:    toOrderResponse(out.Order),
			RefundID: out.RefundID,
		}, out.Replayed)
	}
}

// Archive hides an order from the actor's own listing.
func Archive(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !serviceReady(w, r, svc, logg) {
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.ArchiveOrder(r.Context(), orderID, actor); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"orderId": orderID, "archived": true})
	}
}

// Payouts lists the ledger entries of an order the actor can see.
func Payouts(svc internalorders.Service, ledger PayoutLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !serviceReady(w, r, svc, logg) {
			return
		}
		if ledger == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout ledger unavailable"))
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if _, err := svc.GetOrder(r.Context(), orderID, actor); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		entries, err := ledger.ListByOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toPayoutResponses(entries))
	}
}

type transitionFunc func(ctx context.Context, r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.Outcome, error)

func transition(svc internalorders.Service, logg *logger.Logger, fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !serviceReady(w, r, svc, logg) {
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out, err := fn(r.Context(), r, orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteOutcome(w, http.StatusOK, toOrderResponse(out.Order), out.Replayed)
	}
}

func serviceReady(w http.ResponseWriter, r *http.Request, svc internalorders.Service, logg *logger.Logger) bool {
	if svc == nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
		return false
	}
	return true
}

func actorFromRequest(r *http.Request) (internalorders.Actor, error) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		return internalorders.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return internalorders.Actor{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	role, err := enums.ParseActorRole(middleware.RoleFromContext(r.Context()))
	if err != nil {
		return internalorders.Actor{}, pkgerrors.Wrap(pkgerrors.CodeForbidden, err, "invalid role")
	}
	if role == enums.ActorRoleSystem {
		return internalorders.Actor{}, pkgerrors.New(pkgerrors.CodeForbidden, "system role is not available to callers")
	}
	return internalorders.Actor{UserID: id, Role: role}, nil
}

func actorAndOrder(r *http.Request) (internalorders.Actor, uuid.UUID, error) {
	actor, err := actorFromRequest(r)
	if err != nil {
		return internalorders.Actor{}, uuid.Nil, err
	}
	orderID, err := parseOrderID(r)
	if err != nil {
		return internalorders.Actor{}, uuid.Nil, err
	}
	return actor, orderID, nil
}

func parseOrderID(r *http.Request) (uuid.UUID, error) {
	return validators.ParsePathUUID(r, "orderId")
}

func defaultScope(actor internalorders.Actor, raw string) internalorders.ListScope {
	switch scope := internalorders.ListScope(strings.ToLower(strings.TrimSpace(raw))); scope {
	case "":
		if actor.Role == enums.ActorRoleSeller {
			return internalorders.ListScopeSeller
		}
		return internalorders.ListScopeBuyer
	default:
		return scope
	}
}

// decodeOptionalBody leaves dest zeroed when the request carries no body.
func decodeOptionalBody(r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil
	}
	return validators.DecodeJSONBody(r, dest)
}
