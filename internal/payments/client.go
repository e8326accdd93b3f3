package payments

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
)

const defaultTimeout = 10 * time.Second

const (
	opCreatePaymentIntent = "create_payment_intent"
	opListRefunds         = "list_refunds"
	opCreateRefund        = "create_refund"
	opAccountStatus       = "get_connected_account_status"
	opCreateTransfer      = "create_transfer"
	opReverseTransfer     = "reverse_transfer"
)

// CallObserver receives one notification per gateway call.
type CallObserver interface {
	GatewayCall(operation string, err error)
}

// Client decorates a Gateway so that every call runs under a deadline and
// every failure surfaces as GATEWAY_UNAVAILABLE.
type Client struct {
	next     Gateway
	timeout  time.Duration
	observer CallObserver
}

var _ Gateway = (*Client)(nil)

// NewClient wraps next. A non-positive timeout falls back to ten seconds.
func NewClient(next Gateway, timeout time.Duration, observer CallObserver) (*Client, error) {
	if next == nil {
		return nil, errors.New("payment gateway required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{next: next, timeout: timeout, observer: observer}, nil
}

func (c *Client) CreatePaymentIntent(ctx context.Context, req CreateIntentRequest) (PaymentIntent, error) {
	if req.AmountCents <= 0 {
		return PaymentIntent{}, pkgerrors.New(pkgerrors.CodeValidation, "payment amount must be positive")
	}
	var out PaymentIntent
	err := c.call(ctx, opCreatePaymentIntent, func(ctx context.Context) error {
		var err error
		out, err = c.next.CreatePaymentIntent(ctx, req)
		return err
	})
	return out, err
}

func (c *Client) ListRefunds(ctx context.Context, paymentIntentID string) ([]Refund, error) {
	var out []Refund
	err := c.call(ctx, opListRefunds, func(ctx context.Context) error {
		var err error
		out, err = c.next.ListRefunds(ctx, paymentIntentID)
		return err
	})
	return out, err
}

func (c *Client) CreateRefund(ctx context.Context, paymentIntentID string, metadata map[string]string, idempotencyKey string) (Refund, error) {
	var out Refund
	err := c.call(ctx, opCreateRefund, func(ctx context.Context) error {
		var err error
		out, err = c.next.CreateRefund(ctx, paymentIntentID, metadata, idempotencyKey)
		return err
	})
	return out, err
}

func (c *Client) GetConnectedAccountStatus(ctx context.Context, accountID string) (AccountStatus, error) {
	var out AccountStatus
	err := c.call(ctx, opAccountStatus, func(ctx context.Context) error {
		var err error
		out, err = c.next.GetConnectedAccountStatus(ctx, accountID)
		return err
	})
	return out, err
}

func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	var out Transfer
	err := c.call(ctx, opCreateTransfer, func(ctx context.Context) error {
		var err error
		out, err = c.next.CreateTransfer(ctx, req)
		return err
	})
	return out, err
}

func (c *Client) ReverseTransfer(ctx context.Context, transferID, idempotencyKey string) (Transfer, error) {
	var out Transfer
	err := c.call(ctx, opReverseTransfer, func(ctx context.Context) error {
		var err error
		out, err = c.next.ReverseTransfer(ctx, transferID, idempotencyKey)
		return err
	})
	return out, err
}

func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(callCtx)
	if c.observer != nil {
		c.observer.GatewayCall(op, err)
	}
	if err == nil {
		return nil
	}
	if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeGatewayUnavailable {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, op+" failed")
}
