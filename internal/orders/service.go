package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/peermarket-backend/internal/payments"
	"github.com/angelmondragon/peermarket-backend/internal/timeline"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox"
	"github.com/angelmondragon/peermarket-backend/pkg/pagination"
)

const (
	defaultStaleThreshold = 180 * time.Minute
	defaultCurrency       = "usd"
	maxCommitAttempts     = 3
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// PayoutRecorder appends seller payout intents inside the transition transaction.
type PayoutRecorder interface {
	RecordTransfer(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.PayoutEntry, error)
	RecordReversal(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.PayoutEntry, error)
}

// UserArchiver stores per-user archive flags; orders only notify it.
type UserArchiver interface {
	ArchiveOrder(ctx context.Context, userID, orderID uuid.UUID) error
}

// TransitionObserver receives transition outcomes, typically Prometheus counters.
type TransitionObserver interface {
	Transition(event, from, to string)
	Rejection(event, code string)
	Replay(event string)
}

// Service exposes the transition handlers. Every mutating call is safe to
// repeat: a replay returns the current order with Replayed set.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*Outcome, error)
	GetOrder(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.Order, error)
	ListOrders(ctx context.Context, input ListOrdersInput) (*OrderList, error)
	Approve(ctx context.Context, orderID uuid.UUID, actor Actor) (*Outcome, error)
	Reject(ctx context.Context, orderID uuid.UUID, actor Actor, reason string) (*Outcome, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor Actor, reason string) (*Outcome, error)
	CreatePayment(ctx context.Context, orderID uuid.UUID, actor Actor) (*PaymentOutcome, error)
	MarkPaid(ctx context.Context, input MarkPaidInput) (*Outcome, error)
	MarkPaymentFailed(ctx context.Context, input PaymentFailedInput) (*Outcome, error)
	ConfirmFulfillment(ctx context.Context, orderID uuid.UUID, actor Actor) (*Outcome, error)
	Refund(ctx context.Context, orderID uuid.UUID, actor Actor) (*RefundOutcome, error)
	ConfirmRefund(ctx context.Context, input ConfirmRefundInput) (*Outcome, error)
	ReapStalePayment(ctx context.Context, orderID uuid.UUID, threshold time.Duration) (*Outcome, error)
	ArchiveOrder(ctx context.Context, orderID uuid.UUID, actor Actor) error
	ResolveOrderID(ctx context.Context, paymentIntentID string) (uuid.UUID, error)
}

// Options tunes a Service. Zero values fall back to production defaults.
type Options struct {
	Logger                *logger.Logger
	Observer              TransitionObserver
	Now                   func() time.Time
	DefaultCurrency       string
	StalePaymentThreshold time.Duration
}

// Outcome is the result of a transition handler.
type Outcome struct {
	Order    *models.Order
	Replayed bool
}

// PaymentOutcome carries what the payer needs to confirm the charge client-side.
type PaymentOutcome struct {
	Outcome
	PaymentIntentID string
	ClientSecret    string
}

// RefundOutcome reports the gateway refund that was initiated.
type RefundOutcome struct {
	Outcome
	RefundID string
}

type service struct {
	repo     Repository
	tx       txRunner
	outbox   outboxPublisher
	gateway  payments.Gateway
	payouts  PayoutRecorder
	users    UserArchiver
	logg     *logger.Logger
	observer TransitionObserver
	now      func() time.Time
	currency string
	stale    time.Duration
}

// NewService builds the order transition service with its collaborators.
func NewService(repo Repository, tx txRunner, outbox outboxPublisher, gateway payments.Gateway, payouts PayoutRecorder, users UserArchiver, opts Options) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if payouts == nil {
		return nil, fmt.Errorf("payout recorder required")
	}
	if users == nil {
		return nil, fmt.Errorf("user archiver required")
	}
	s := &service{
		repo:     repo,
		tx:       tx,
		outbox:   outbox,
		gateway:  gateway,
		payouts:  payouts,
		users:    users,
		logg:     opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
		currency: strings.ToLower(strings.TrimSpace(opts.DefaultCurrency)),
		stale:    opts.StalePaymentThreshold,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.currency == "" {
		s.currency = defaultCurrency
	}
	if s.stale <= 0 {
		s.stale = defaultStaleThreshold
	}
	return s, nil
}

// step describes one transition handler invocation.
type step struct {
	orderID uuid.UUID
	event   enums.OrderEvent
	actor   Actor
	// loaded skips the in-transaction read when the handler already read the
	// order before calling the gateway.
	loaded *models.Order
	// replayed reports whether the order already reflects this request.
	replayed func(order *models.Order) bool
	// prepare adds request facts to the transition context.
	prepare func(tc *TransitionContext, order *models.Order)
	// build derives the next row from a copy of the current one.
	build func(next *models.Order, tc TransitionContext, to enums.OrderStatus, now time.Time) error
	// precondition adds predicates beyond the version check.
	precondition func(order *models.Order) Precondition
	// after runs inside the transaction once the row is written.
	after func(ctx context.Context, tx *gorm.DB, prev, next *models.Order) error
	// emit builds the outbox event; nil emits the default transition event.
	emit func(prev, next *models.Order) *outbox.DomainEvent
}

// apply runs load, state machine, conditional write, and outbox emission in
// one transaction. A lost write race re-reads the order to decide between a
// replay and a genuine conflict.
func (s *service) apply(ctx context.Context, st step) (*Outcome, error) {
	ctx = s.logCtx(ctx, st.orderID, st.actor)

	var (
		out  *Outcome
		from enums.OrderStatus
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		current := st.loaded
		if current == nil {
			var err error
			current, err = loadOrder(ctx, repo, st.orderID)
			if err != nil {
				return err
			}
		}
		if err := authorizeView(current, st.actor); err != nil {
			return err
		}
		from = current.Status
		if st.replayed != nil && st.replayed(current) {
			out = &Outcome{Order: current, Replayed: true}
			return nil
		}

		tc := ContextFor(current, st.actor)
		if st.prepare != nil {
			st.prepare(&tc, current)
		}
		to, err := Transition(current.Status, st.event, tc)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		next := cloneOrder(current)
		if err := st.build(next, tc, to, now); err != nil {
			return err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = now

		pre := Precondition{Version: current.Version}
		if st.precondition != nil {
			pre = st.precondition(current)
			pre.Version = current.Version
		}
		if err := repo.ConditionalUpdate(ctx, next, pre); err != nil {
			return err
		}

		if st.after != nil {
			if err := st.after(ctx, tx, current, next); err != nil {
				return err
			}
		}

		event := s.transitionEvent(st, current, next)
		if st.emit != nil {
			event = st.emit(current, next)
		}
		if event != nil {
			if err := s.outbox.Emit(ctx, tx, *event); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit outbox event")
			}
		}

		out = &Outcome{Order: next}
		return nil
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodePreconditionFailed) {
			return s.resolveLostRace(ctx, st, err)
		}
		s.reject(ctx, st.event, err)
		return nil, err
	}

	if out.Replayed {
		s.replay(ctx, st.event, out.Order)
	} else {
		s.transitioned(ctx, st.event, from, out.Order.Status)
	}
	return out, nil
}

// resolveLostRace re-reads after a failed conditional write. If the order
// already reflects the request the caller sees a replay; if the edge is no
// longer valid the state machine's rejection is returned; otherwise the
// original precondition failure is returned for the caller to retry.
func (s *service) resolveLostRace(ctx context.Context, st step, cause error) (*Outcome, error) {
	current, err := loadOrder(ctx, s.repo, st.orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeView(current, st.actor); err != nil {
		return nil, err
	}
	if st.replayed != nil && st.replayed(current) {
		s.replay(ctx, st.event, current)
		return &Outcome{Order: current, Replayed: true}, nil
	}
	tc := ContextFor(current, st.actor)
	if st.prepare != nil {
		st.prepare(&tc, current)
	}
	if _, err := Transition(current.Status, st.event, tc); err != nil {
		s.reject(ctx, st.event, err)
		return nil, err
	}
	s.reject(ctx, st.event, cause)
	return nil, cause
}

func (s *service) transitionEvent(st step, prev, next *models.Order) *outbox.DomainEvent {
	if prev.Status == next.Status {
		return nil
	}
	return &outbox.DomainEvent{
		EventType:     enums.EventOrderTransitioned,
		AggregateType: enums.AggregateOrder,
		AggregateID:   next.ID,
		Version:       1,
		Actor:         buildActor(st.actor),
		OccurredAt:    next.UpdatedAt,
		Data: OrderTransitionedEvent{
			OrderID:       next.ID,
			BuyerID:       next.BuyerID,
			SellerID:      next.SellerID,
			Event:         st.event,
			From:          prev.Status,
			To:            next.Status,
			PaymentStatus: next.PaymentStatus,
			Version:       next.Version,
		},
	}
}

func loadOrder(ctx context.Context, repo Repository, id uuid.UUID) (*models.Order, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

// authorizeView allows the parties of the order, admins, and the system.
func authorizeView(order *models.Order, actor Actor) error {
	switch {
	case actor.isSystem(), actor.isAdmin():
		return nil
	case actor.UserID == uuid.Nil:
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	case actor.UserID == order.BuyerID, actor.UserID == order.SellerID:
		return nil
	default:
		return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
	}
}

func cloneOrder(order *models.Order) *models.Order {
	next := *order
	next.Products = append(models.LineItems(nil), order.Products...)
	return &next
}

func buildActor(actor Actor) *outbox.ActorRef {
	if actor.isSystem() || actor.UserID == uuid.Nil {
		return &outbox.ActorRef{Role: string(enums.ActorRoleSystem)}
	}
	return &outbox.ActorRef{UserID: actor.UserID, Role: string(actor.Role)}
}

func entry(eventType enums.TimelineEventType, actor Actor, at time.Time, meta map[string]any) timeline.Entry {
	return timeline.NewEntry(eventType, actor.Label(), at, meta)
}

func gatewayMeta(eventID string, extra map[string]any) map[string]any {
	meta := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		meta[k] = v
	}
	if eventID != "" {
		meta[timeline.MetaGatewayEventID] = eventID
	}
	return meta
}

func (s *service) logCtx(ctx context.Context, orderID uuid.UUID, actor Actor) context.Context {
	if s.logg == nil {
		return ctx
	}
	if orderID != uuid.Nil {
		ctx = s.logg.WithOrderID(ctx, orderID.String())
	}
	return s.logg.WithActorRole(ctx, string(actor.Role))
}

func (s *service) transitioned(ctx context.Context, event enums.OrderEvent, from, to enums.OrderStatus) {
	if s.observer != nil {
		s.observer.Transition(string(event), string(from), string(to))
	}
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{"event": event, "from": from, "to": to})
		s.logg.Info(ctx, "order.transition")
	}
}

func (s *service) replay(ctx context.Context, event enums.OrderEvent, order *models.Order) {
	if s.observer != nil {
		s.observer.Replay(string(event))
	}
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{"event": event, "status": order.Status})
		s.logg.Info(ctx, "order.transition.replay")
	}
}

func (s *service) reject(ctx context.Context, event enums.OrderEvent, err error) {
	code := pkgerrors.CodeInternal
	if typed := pkgerrors.As(err); typed != nil {
		code = typed.Code()
	}
	if s.observer != nil {
		s.observer.Rejection(string(event), string(code))
	}
	if s.logg == nil {
		return
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"event": event, "code": code})
	switch code {
	case pkgerrors.CodeGatewayUnavailable, pkgerrors.CodeDependency, pkgerrors.CodeInternal:
		s.logg.Error(ctx, "order.transition.failed", err)
	default:
		s.logg.Warn(ctx, "order.transition.rejected")
	}
}

func (s *service) GetOrder(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.Order, error) {
	order, err := loadOrder(ctx, s.repo, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeView(order, actor); err != nil {
		return nil, err
	}
	return order, nil
}

// ListScope selects which index a listing reads.
type ListScope string

const (
	ListScopeBuyer  ListScope = "buyer"
	ListScopeSeller ListScope = "seller"
	ListScopeStatus ListScope = "status"
)

// ListOrdersInput selects a listing for the actor.
type ListOrdersInput struct {
	Actor  Actor
	Scope  ListScope
	Status *enums.OrderStatus
	Params pagination.Params
}

func (s *service) ListOrders(ctx context.Context, input ListOrdersInput) (*OrderList, error) {
	if input.Actor.UserID == uuid.Nil && !input.Actor.isSystem() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if input.Status != nil && !input.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}

	var (
		list *OrderList
		err  error
	)
	switch input.Scope {
	case ListScopeBuyer, "":
		list, err = s.repo.ListByBuyer(ctx, input.Actor.UserID, input.Params, ListFilters{Status: input.Status})
	case ListScopeSeller:
		list, err = s.repo.ListBySeller(ctx, input.Actor.UserID, input.Params, ListFilters{Status: input.Status})
	case ListScopeStatus:
		if !input.Actor.isAdmin() && !input.Actor.isSystem() {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "status listing requires admin")
		}
		if input.Status == nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "status required")
		}
		list, err = s.repo.ListByStatus(ctx, *input.Status, input.Params)
	default:
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "unknown scope %q", input.Scope)
	}
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return list, nil
}

// ResolveOrderID finds the order owning a gateway payment intent.
func (s *service) ResolveOrderID(ctx context.Context, paymentIntentID string) (uuid.UUID, error) {
	if strings.TrimSpace(paymentIntentID) == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	order, err := s.repo.FindByPaymentIntentID(ctx, paymentIntentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for payment intent")
		}
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup order by payment intent")
	}
	return order.ID, nil
}

func (s *service) ArchiveOrder(ctx context.Context, orderID uuid.UUID, actor Actor) error {
	order, err := loadOrder(ctx, s.repo, orderID)
	if err != nil {
		return err
	}
	if actor.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if actor.UserID != order.BuyerID && actor.UserID != order.SellerID {
		return pkgerrors.New(pkgerrors.CodeForbidden, "only a party to the order may archive it")
	}
	if err := s.users.ArchiveOrder(ctx, actor.UserID, order.ID); err != nil {
		if pkgerrors.As(err) != nil {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "archive order")
	}
	return nil
}
