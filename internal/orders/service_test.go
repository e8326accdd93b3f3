package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/peermarket-backend/pkg/db/dbtest"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type serviceHarness struct {
	svc     Service
	repo    Repository
	gateway *fakeGateway
	outbox  *recordingOutbox
	payouts *recordingPayouts
	users   *recordingUsers
	clock   *testClock
}

func newHarness(t *testing.T) *serviceHarness {
	t.Helper()
	client, conn := dbtest.Client(t)
	h := &serviceHarness{
		repo:    NewRepository(conn),
		gateway: newFakeGateway(),
		outbox:  &recordingOutbox{},
		payouts: newRecordingPayouts(),
		users:   &recordingUsers{},
		clock:   &testClock{now: testNow},
	}
	svc, err := NewService(h.repo, client, h.outbox, h.gateway, h.payouts, h.users, Options{Now: h.clock.Now})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *serviceHarness) checkout(t *testing.T, digital ...bool) *models.Order {
	t.Helper()
	if len(digital) == 0 {
		digital = []bool{true}
	}
	items := make([]LineItemInput, 0, len(digital))
	for _, d := range digital {
		items = append(items, LineItemInput{ProductID: uuid.New(), Quantity: 1, UnitPriceCents: 1999 / int64(len(digital)), IsDigital: d})
	}
	out, err := h.svc.CreateOrder(context.Background(), CreateOrderInput{Actor: buyerActor(), SellerID: testSeller, Items: items})
	require.NoError(t, err)
	return out.Order
}

func (h *serviceHarness) reload(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	o, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func timelineTypes(o *models.Order) []enums.TimelineEventType {
	var out []enums.TimelineEventType
	for _, e := range o.Timeline.Entries() {
		out = append(out, e.Type)
	}
	return out
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, stubTxRunner{}, &recordingOutbox{}, newFakeGateway(), newRecordingPayouts(), &recordingUsers{}, Options{})
	assert.Error(t, err)
	_, err = NewService(newMemRepo(), stubTxRunner{}, &recordingOutbox{}, nil, newRecordingPayouts(), &recordingUsers{}, Options{})
	assert.Error(t, err)
}

func TestCreateOrderValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateOrder(ctx, CreateOrderInput{Actor: buyerActor(), SellerID: testSeller})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.svc.CreateOrder(ctx, CreateOrderInput{Actor: buyerActor(), SellerID: testBuyer, Items: []LineItemInput{{ProductID: uuid.New(), Quantity: 1, UnitPriceCents: 10}}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.svc.CreateOrder(ctx, CreateOrderInput{Actor: buyerActor(), SellerID: testSeller, Items: []LineItemInput{{ProductID: uuid.New(), Quantity: 0, UnitPriceCents: 10}}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.svc.CreateOrder(ctx, CreateOrderInput{Actor: sellerActor(), SellerID: testBuyer, Items: []LineItemInput{{ProductID: uuid.New(), Quantity: 1, UnitPriceCents: 10}}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
}

func TestCreateOrderRejectsOutOfRangeTotals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string][]LineItemInput{
		"wrapping product": {{ProductID: uuid.New(), Quantity: (1 << 62) + 1, UnitPriceCents: 4}},
		"unit price cap":   {{ProductID: uuid.New(), Quantity: 1, UnitPriceCents: MaxUnitPriceCents + 1}},
		"order total cap":  {{ProductID: uuid.New(), Quantity: 2, UnitPriceCents: MaxUnitPriceCents}},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := h.svc.CreateOrder(ctx, CreateOrderInput{Actor: buyerActor(), SellerID: testSeller, Items: items})
			assert.Nil(t, out)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}
	assert.Empty(t, h.outbox.types())

	out, err := h.svc.CreateOrder(ctx, CreateOrderInput{Actor: buyerActor(), SellerID: testSeller, Items: []LineItemInput{
		{ProductID: uuid.New(), Quantity: 1, UnitPriceCents: MaxOrderTotalCents},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(MaxOrderTotalCents), out.Order.TotalCents)
}

func TestDigitalOrderScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order := h.checkout(t, true)
	assert.Equal(t, enums.OrderStatusRequested, order.Status)
	assert.Equal(t, int64(1999), order.TotalCents)
	assert.Equal(t, "usd", order.Currency)

	h.clock.Advance(time.Minute)
	approved, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	assert.False(t, approved.Replayed)
	assert.Equal(t, enums.OrderStatusApproved, approved.Order.Status)
	assert.Equal(t, enums.LineItemStatusApproved, approved.Order.Products[0].Status)

	h.clock.Advance(time.Minute)
	payment, err := h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.NoError(t, err)
	assert.Equal(t, "pi_abc", payment.PaymentIntentID)
	assert.Equal(t, "pi_abc_secret", payment.ClientSecret)
	assert.Equal(t, enums.PaymentStatusPending, payment.Order.PaymentStatus)

	before := h.reload(t, order.ID)
	h.clock.Advance(time.Minute)
	paid, err := h.svc.MarkPaid(ctx, MarkPaidInput{OrderID: order.ID, GatewayEventID: "evt_1", PaymentIntentID: "pi_abc"})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompleted, paid.Order.Status)

	after := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, after.Status)
	assert.Equal(t, enums.PaymentStatusSucceeded, after.PaymentStatus)
	assert.True(t, before.Timeline.IsPrefixOf(after.Timeline))
	added := after.Timeline.Since(before.Timeline.Len())
	require.Len(t, added, 2)
	assert.Equal(t, enums.TimelinePaymentMarked, added[0].Type)
	assert.Equal(t, enums.TimelineCompleted, added[1].Type)
	assert.True(t, added[0].At.Equal(after.UpdatedAt))
	assert.Equal(t, enums.LineItemStatusCompleted, after.Products[0].Status)
	assert.Equal(t, 1, h.payouts.transfers[order.ID])

	assert.Equal(t, []enums.OutboxEventType{
		enums.EventOrderCreated,
		enums.EventOrderTransitioned,
		enums.EventOrderTransitioned,
	}, h.outbox.types())
}

func TestMarkPaidIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	_, err = h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.NoError(t, err)

	first, err := h.svc.MarkPaid(ctx, MarkPaidInput{OrderID: order.ID, GatewayEventID: "evt_1"})
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := h.svc.MarkPaid(ctx, MarkPaidInput{OrderID: order.ID, GatewayEventID: "evt_2"})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.Timeline.Len(), second.Order.Timeline.Len())
	assert.Equal(t, 1, h.payouts.transfers[order.ID])
}

func TestMarkPaidByBuyerRequiresGatewayForDigital(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)

	_, err = h.svc.MarkPaid(ctx, MarkPaidInput{OrderID: order.ID, Actor: buyerActor()})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition))
	assert.Equal(t, enums.OrderStatusApproved, h.reload(t, order.ID).Status)
}

func TestPhysicalOrderNeedsFulfillment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, false)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)

	_, err = h.svc.CreatePayment(ctx, order.ID, buyerActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotDigital))

	paid, err := h.svc.MarkPaid(ctx, MarkPaidInput{OrderID: order.ID, Actor: buyerActor()})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, paid.Order.Status)
	assert.Zero(t, h.payouts.transfers[order.ID])

	_, err = h.svc.ConfirmFulfillment(ctx, order.ID, buyerActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	done, err := h.svc.ConfirmFulfillment(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompleted, done.Order.Status)
	types := timelineTypes(done.Order)
	assert.Equal(t, []enums.TimelineEventType{enums.TimelineFulfillmentConfirmed, enums.TimelineCompleted}, types[len(types)-2:])
	assert.Equal(t, 1, h.payouts.transfers[order.ID])

	again, err := h.svc.ConfirmFulfillment(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

func TestCreatePaymentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)

	first, err := h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.NoError(t, err)
	second, err := h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.NoError(t, err)

	assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, h.gateway.createIntentCalls)
}

func TestCreatePaymentPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)

	_, err := h.svc.CreatePayment(ctx, order.ID, buyerActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotApproved))

	_, err = h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)

	_, err = h.svc.CreatePayment(ctx, order.ID, otherActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	_, err = h.svc.CreatePayment(ctx, uuid.New(), buyerActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	assert.Zero(t, h.gateway.createIntentCalls)
}

func TestCreatePaymentGatewayFailureLeavesOrderUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	before := h.reload(t, order.ID)

	h.gateway.intentErr = pkgerrors.New(pkgerrors.CodeGatewayUnavailable, "timeout")
	_, err = h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayUnavailable))

	after := h.reload(t, order.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Nil(t, after.PaymentIntentID)
	assert.Equal(t, before.Timeline.Len(), after.Timeline.Len())

	h.gateway.intentErr = nil
	out, err := h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.NoError(t, err)
	assert.Equal(t, "pi_abc", out.PaymentIntentID)
}

func completedDigitalOrder(t *testing.T, h *serviceHarness) *models.Order {
	t.Helper()
	ctx := context.Background()
	order := h.checkout(t, true)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	_, err = h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.NoError(t, err)
	out, err := h.svc.MarkPaid(ctx, MarkPaidInput{OrderID: order.ID, GatewayEventID: "evt_paid"})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusCompleted, out.Order.Status)
	return out.Order
}

func TestRefundScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := completedDigitalOrder(t, h)

	refund, err := h.svc.Refund(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	assert.Equal(t, "re_1", refund.RefundID)

	stored := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, stored.Status)
	for _, item := range stored.Products {
		assert.Equal(t, enums.LineItemStatusRefunded, item.Status)
	}
	last, _ := stored.Timeline.Last()
	assert.Equal(t, enums.TimelineRefundInitiated, last.Type)

	_, err = h.svc.Refund(ctx, order.ID, sellerActor())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAlreadyRefunded))
	assert.Equal(t, 1, h.gateway.createRefundCalls)

	settled, err := h.svc.ConfirmRefund(ctx, ConfirmRefundInput{OrderID: order.ID, GatewayEventID: "evt_refund"})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusRefunded, settled.Order.Status)
	assert.Equal(t, enums.PaymentStatusRefunded, settled.Order.PaymentStatus)
	assert.Equal(t, 1, h.payouts.reversals[order.ID])

	replay, err := h.svc.ConfirmRefund(ctx, ConfirmRefundInput{OrderID: order.ID, GatewayEventID: "evt_refund"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	_, err = h.svc.Refund(ctx, order.ID, adminActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeAlreadyRefunded))
}

func TestRefundPendingReplaysLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := completedDigitalOrder(t, h)
	h.gateway.refundStatus = "pending"

	first, err := h.svc.Refund(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := h.svc.Refund(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.RefundID, second.RefundID)
	assert.Len(t, h.gateway.refundKeys, 1)
}

func TestRefundAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := completedDigitalOrder(t, h)

	_, err := h.svc.Refund(ctx, order.ID, buyerActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
	_, err = h.svc.Refund(ctx, order.ID, otherActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
	assert.Zero(t, h.gateway.listRefundCalls)
}

func TestRefundGatewayFailurePropagates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := completedDigitalOrder(t, h)
	h.gateway.listErr = pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, errors.New("503"), "list refunds")

	_, err := h.svc.Refund(ctx, order.ID, sellerActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayUnavailable))
	assert.Zero(t, h.gateway.createRefundCalls)
	assert.Equal(t, order.Version, h.reload(t, order.ID).Version)
}

func TestRejectAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rejected := h.checkout(t, true)
	out, err := h.svc.Reject(ctx, rejected.ID, sellerActor(), "out of stock")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusRejected, out.Order.Status)
	last, _ := out.Order.Timeline.Last()
	assert.Equal(t, "out of stock", last.Meta["reason"])

	_, err = h.svc.Approve(ctx, rejected.ID, sellerActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition))

	cancelled := h.checkout(t, true)
	_, err = h.svc.Approve(ctx, cancelled.ID, sellerActor())
	require.NoError(t, err)
	out, err = h.svc.Cancel(ctx, cancelled.ID, buyerActor(), "")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, out.Order.Status)
	assert.Equal(t, enums.LineItemStatusCancelled, out.Order.Products[0].Status)

	again, err := h.svc.Cancel(ctx, cancelled.ID, buyerActor(), "")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

func TestCancelAfterPaymentFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := completedDigitalOrder(t, h)

	_, err := h.svc.Cancel(ctx, order.ID, buyerActor(), "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition))
}

func TestMarkPaymentFailedAndReaper(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	_, err = h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.NoError(t, err)

	failed, err := h.svc.MarkPaymentFailed(ctx, PaymentFailedInput{OrderID: order.ID, GatewayEventID: "evt_fail", Reason: "card_declined"})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusFailed, failed.Order.PaymentStatus)
	assert.Equal(t, enums.OrderStatusApproved, failed.Order.Status)

	dup, err := h.svc.MarkPaymentFailed(ctx, PaymentFailedInput{OrderID: order.ID, GatewayEventID: "evt_fail"})
	require.NoError(t, err)
	assert.True(t, dup.Replayed)

	h.clock.Advance(179 * time.Minute)
	_, err = h.svc.ReapStalePayment(ctx, order.ID, 180*time.Minute)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition))

	h.clock.Advance(2 * time.Minute)
	reaped, err := h.svc.ReapStalePayment(ctx, order.ID, 180*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, reaped.Order.Status)
	last, _ := reaped.Order.Timeline.Last()
	assert.Equal(t, enums.TimelineStatusCancelled, last.Type)
	assert.Equal(t, ReasonFailedPaymentTimeout, last.Meta["reason"])
	assert.Equal(t, "system", last.Actor)
	for _, item := range reaped.Order.Products {
		assert.Equal(t, enums.LineItemStatusCancelled, item.Status)
	}
}

func TestLateCaptureOnCancelledOrderIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	_, err = h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, order.ID, buyerActor(), "changed my mind")
	require.NoError(t, err)
	before := h.reload(t, order.ID)

	out, err := h.svc.MarkPaid(ctx, MarkPaidInput{OrderID: order.ID, GatewayEventID: "evt_late", PaymentIntentID: "pi_abc"})
	require.NoError(t, err)
	assert.False(t, out.Replayed)

	after := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusCancelled, after.Status)
	assert.Equal(t, enums.PaymentStatusSucceeded, after.PaymentStatus)
	assert.Equal(t, before.Version+1, after.Version)
	assert.True(t, after.Timeline.HasGatewayEvent("evt_late"))
	last, _ := after.Timeline.Last()
	assert.Equal(t, enums.TimelinePaymentMarked, last.Type)
	assert.Equal(t, true, last.Meta["late_capture"])
	assert.Equal(t, "pi_abc", last.Meta["payment_intent_id"])
	assert.Equal(t, enums.EventLateCapture, h.outbox.types()[len(h.outbox.types())-1])
	assert.Zero(t, h.payouts.transfers[order.ID])

	dup, err := h.svc.MarkPaid(ctx, MarkPaidInput{OrderID: order.ID, GatewayEventID: "evt_late", PaymentIntentID: "pi_abc"})
	require.NoError(t, err)
	assert.True(t, dup.Replayed)
	assert.Equal(t, after.Version, h.reload(t, order.ID).Version)
}

func TestLateCaptureAfterReaperCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	_, err = h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.NoError(t, err)
	_, err = h.svc.MarkPaymentFailed(ctx, PaymentFailedInput{OrderID: order.ID, GatewayEventID: "evt_declined"})
	require.NoError(t, err)
	h.clock.Advance(181 * time.Minute)
	_, err = h.svc.ReapStalePayment(ctx, order.ID, 180*time.Minute)
	require.NoError(t, err)

	_, err = h.svc.MarkPaid(ctx, MarkPaidInput{OrderID: order.ID, GatewayEventID: "evt_retry"})
	require.NoError(t, err)
	after := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusCancelled, after.Status)
	assert.Equal(t, enums.PaymentStatusSucceeded, after.PaymentStatus)
}

func TestMarkPaidByUserOnCancelledOrderStaysRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, false)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, order.ID, buyerActor(), "")
	require.NoError(t, err)

	_, err = h.svc.MarkPaid(ctx, MarkPaidInput{OrderID: order.ID, Actor: adminActor()})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition))
	assert.Equal(t, enums.PaymentStatusNone, h.reload(t, order.ID).PaymentStatus)
}

func TestMarkPaymentFailedAfterSuccessIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := completedDigitalOrder(t, h)

	out, err := h.svc.MarkPaymentFailed(ctx, PaymentFailedInput{OrderID: order.ID, GatewayEventID: "evt_late"})
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, enums.PaymentStatusSucceeded, h.reload(t, order.ID).PaymentStatus)
}

func TestGetOrderVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)

	_, err := h.svc.GetOrder(ctx, order.ID, buyerActor())
	require.NoError(t, err)
	_, err = h.svc.GetOrder(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	_, err = h.svc.GetOrder(ctx, order.ID, adminActor())
	require.NoError(t, err)
	_, err = h.svc.GetOrder(ctx, order.ID, otherActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
}

func TestListOrdersScopes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.checkout(t, true)
	h.checkout(t, false)

	list, err := h.svc.ListOrders(ctx, ListOrdersInput{Actor: buyerActor(), Scope: ListScopeBuyer})
	require.NoError(t, err)
	assert.Len(t, list.Items, 2)

	list, err = h.svc.ListOrders(ctx, ListOrdersInput{Actor: sellerActor(), Scope: ListScopeSeller})
	require.NoError(t, err)
	assert.Len(t, list.Items, 2)

	requested := enums.OrderStatusRequested
	_, err = h.svc.ListOrders(ctx, ListOrdersInput{Actor: buyerActor(), Scope: ListScopeStatus, Status: &requested})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	list, err = h.svc.ListOrders(ctx, ListOrdersInput{Actor: adminActor(), Scope: ListScopeStatus, Status: &requested})
	require.NoError(t, err)
	assert.Len(t, list.Items, 2)
}

func TestArchiveOrderNotifiesUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)

	require.NoError(t, h.svc.ArchiveOrder(ctx, order.ID, buyerActor()))
	assert.Equal(t, []uuid.UUID{order.ID}, h.users.archived[testBuyer])

	err := h.svc.ArchiveOrder(ctx, order.ID, otherActor())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
	assert.Equal(t, order.Version, h.reload(t, order.ID).Version)
}

func TestResolveOrderID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.checkout(t, true)
	_, err := h.svc.Approve(ctx, order.ID, sellerActor())
	require.NoError(t, err)
	_, err = h.svc.CreatePayment(ctx, order.ID, buyerActor())
	require.NoError(t, err)

	id, err := h.svc.ResolveOrderID(ctx, "pi_abc")
	require.NoError(t, err)
	assert.Equal(t, order.ID, id)

	_, err = h.svc.ResolveOrderID(ctx, "pi_missing")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
