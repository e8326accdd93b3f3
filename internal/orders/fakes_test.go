package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/peermarket-backend/internal/payments"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox"
	"github.com/angelmondragon/peermarket-backend/pkg/pagination"
)

type stubTxRunner struct{}

func (stubTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type recordingOutbox struct {
	mu     sync.Mutex
	events []outbox.DomainEvent
}

func (r *recordingOutbox) Emit(_ context.Context, _ *gorm.DB, event outbox.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingOutbox) types() []enums.OutboxEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]enums.OutboxEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type recordingPayouts struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]int
	reversals map[uuid.UUID]int
}

func newRecordingPayouts() *recordingPayouts {
	return &recordingPayouts{transfers: map[uuid.UUID]int{}, reversals: map[uuid.UUID]int{}}
}

func (r *recordingPayouts) RecordTransfer(_ context.Context, _ *gorm.DB, order *models.Order) (*models.PayoutEntry, error) {
	return r.record(r.transfers, order, enums.PayoutEntryTransfer)
}

func (r *recordingPayouts) RecordReversal(_ context.Context, _ *gorm.DB, order *models.Order) (*models.PayoutEntry, error) {
	return r.record(r.reversals, order, enums.PayoutEntryReversal)
}

func (r *recordingPayouts) record(seen map[uuid.UUID]int, order *models.Order, typ enums.PayoutEntryType) (*models.PayoutEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen[order.ID]++
	if seen[order.ID] > 1 {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyProcessed, "payout entry exists")
	}
	return &models.PayoutEntry{ID: uuid.New(), OrderID: order.ID, Type: typ}, nil
}

type recordingUsers struct {
	archived map[uuid.UUID][]uuid.UUID
}

func (r *recordingUsers) ArchiveOrder(_ context.Context, userID, orderID uuid.UUID) error {
	if r.archived == nil {
		r.archived = map[uuid.UUID][]uuid.UUID{}
	}
	r.archived[userID] = append(r.archived[userID], orderID)
	return nil
}

// fakeGateway behaves like an idempotent processor: the same key returns
// the same object.
type fakeGateway struct {
	mu                sync.Mutex
	intents           map[string]payments.PaymentIntent
	refunds           map[string][]payments.Refund
	refundKeys        map[string]payments.Refund
	createIntentCalls int
	createRefundCalls int
	listRefundCalls   int
	intentErr         error
	listErr           error
	refundStatus      payments.RefundStatus
	nextIntentID      string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		intents:      map[string]payments.PaymentIntent{},
		refunds:      map[string][]payments.Refund{},
		refundKeys:   map[string]payments.Refund{},
		refundStatus: payments.RefundStatusSucceeded,
		nextIntentID: "pi_abc",
	}
}

func (f *fakeGateway) CreatePaymentIntent(_ context.Context, req payments.CreateIntentRequest) (payments.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createIntentCalls++
	if f.intentErr != nil {
		return payments.PaymentIntent{}, f.intentErr
	}
	if pi, ok := f.intents[req.IdempotencyKey]; ok {
		return pi, nil
	}
	id := f.nextIntentID
	if len(f.intents) > 0 {
		id = fmt.Sprintf("%s_%d", f.nextIntentID, len(f.intents))
	}
	pi := payments.PaymentIntent{ID: id, ClientSecret: id + "_secret"}
	f.intents[req.IdempotencyKey] = pi
	return pi, nil
}

func (f *fakeGateway) ListRefunds(_ context.Context, paymentIntentID string) ([]payments.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listRefundCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]payments.Refund(nil), f.refunds[paymentIntentID]...), nil
}

func (f *fakeGateway) CreateRefund(_ context.Context, paymentIntentID string, _ map[string]string, key string) (payments.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createRefundCalls++
	if r, ok := f.refundKeys[key]; ok {
		return r, nil
	}
	r := payments.Refund{ID: fmt.Sprintf("re_%d", len(f.refundKeys)+1), Status: f.refundStatus}
	f.refundKeys[key] = r
	f.refunds[paymentIntentID] = append(f.refunds[paymentIntentID], r)
	return r, nil
}

func (f *fakeGateway) GetConnectedAccountStatus(context.Context, string) (payments.AccountStatus, error) {
	return payments.AccountStatus{DetailsSubmitted: true}, nil
}

func (f *fakeGateway) CreateTransfer(context.Context, payments.TransferRequest) (payments.Transfer, error) {
	return payments.Transfer{ID: "tr_1"}, nil
}

func (f *fakeGateway) ReverseTransfer(context.Context, string, string) (payments.Transfer, error) {
	return payments.Transfer{ID: "trr_1"}, nil
}

// memRepo is a mutex-guarded Repository that honours preconditions, used to
// drive concurrent handlers without a database.
type memRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
	// beforeUpdate runs once before the next ConditionalUpdate, outside the lock.
	beforeUpdate func()
	updates      int
}

func newMemRepo(orders ...*models.Order) *memRepo {
	r := &memRepo{orders: map[uuid.UUID]*models.Order{}}
	for _, o := range orders {
		r.orders[o.ID] = cloneOrder(o)
	}
	return r
}

func (r *memRepo) WithTx(*gorm.DB) Repository { return r }

func (r *memRepo) Create(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *memRepo) FindByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return cloneOrder(o), nil
}

func (r *memRepo) FindByPaymentIntentID(_ context.Context, pi string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.PaymentIntentID != nil && *o.PaymentIntentID == pi {
			return cloneOrder(o), nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) ConditionalUpdate(_ context.Context, next *models.Order, pre Precondition) error {
	if hook := r.takeHook(); hook != nil {
		hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[next.ID]
	if !ok || cur.Version != pre.Version ||
		(pre.Status != "" && cur.Status != pre.Status) ||
		(pre.PaymentIntentUnset && cur.PaymentIntentID != nil) {
		return pkgerrors.New(pkgerrors.CodePreconditionFailed, "order changed concurrently")
	}
	r.orders[next.ID] = cloneOrder(next)
	r.updates++
	return nil
}

func (r *memRepo) takeHook() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	hook := r.beforeUpdate
	r.beforeUpdate = nil
	return hook
}

func (r *memRepo) ListByBuyer(context.Context, uuid.UUID, pagination.Params, ListFilters) (*OrderList, error) {
	return &OrderList{}, nil
}

func (r *memRepo) ListBySeller(context.Context, uuid.UUID, pagination.Params, ListFilters) (*OrderList, error) {
	return &OrderList{}, nil
}

func (r *memRepo) ListByStatus(context.Context, enums.OrderStatus, pagination.Params) (*OrderList, error) {
	return &OrderList{}, nil
}

func (r *memRepo) FindStalePayments(context.Context, time.Time, *StaleCursor, int) ([]models.Order, error) {
	return nil, nil
}

func (r *memRepo) FindCancelledBefore(context.Context, time.Time, int) ([]models.Order, error) {
	return nil, nil
}

func (r *memRepo) DeleteCancelled(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}

// forceWrite replaces the stored order as if another handler committed it.
func (r *memRepo) forceWrite(mutate func(o *models.Order)) func() {
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for id, o := range r.orders {
			next := cloneOrder(o)
			mutate(next)
			next.Version = o.Version + 1
			r.orders[id] = next
		}
	}
}
