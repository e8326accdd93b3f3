package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/peermarket-backend/internal/payments"
	"github.com/angelmondragon/peermarket-backend/pkg/config"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client is the Stripe-backed payments.Gateway. The API key is bound to the
// client instance; the package-level stripe.Key is never touched.
type Client struct {
	api           *stripe.Client
	environment   string
	signingSecret string
}

var _ payments.Gateway = (*Client)(nil)

// NewClient validates the configured secrets against the environment and
// builds an API client.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.Secret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		api:           stripe.NewClient(apiKey),
		environment:   env,
		signingSecret: signingSecret,
	}, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// ConstructEvent verifies the Stripe-Signature header against the payload.
func (c *Client) ConstructEvent(payload []byte, header string) (*stripe.Event, error) {
	if c == nil || c.signingSecret == "" {
		return nil, errSecretRequired
	}
	return ConstructEvent(payload, header, c.signingSecret)
}

// ConstructEvent verifies and decodes a signed webhook payload.
func ConstructEvent(payload []byte, header, secret string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, header, secret)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (c *Client) CreatePaymentIntent(ctx context.Context, req payments.CreateIntentRequest) (payments.PaymentIntent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: copyMetadata(req.Metadata),
	}
	if group := req.Metadata["order_id"]; group != "" {
		params.TransferGroup = stripe.String(group)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := c.api.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return payments.PaymentIntent{}, err
	}
	return payments.PaymentIntent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (c *Client) ListRefunds(ctx context.Context, paymentIntentID string) ([]payments.Refund, error) {
	params := &stripe.RefundListParams{PaymentIntent: stripe.String(paymentIntentID)}
	var out []payments.Refund
	for refund, err := range c.api.V1Refunds.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		out = append(out, toRefund(refund))
	}
	return out, nil
}

func (c *Client) CreateRefund(ctx context.Context, paymentIntentID string, metadata map[string]string, idempotencyKey string) (payments.Refund, error) {
	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Metadata:      copyMetadata(metadata),
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	refund, err := c.api.V1Refunds.Create(ctx, params)
	if err != nil {
		return payments.Refund{}, err
	}
	return toRefund(refund), nil
}

func (c *Client) GetConnectedAccountStatus(ctx context.Context, accountID string) (payments.AccountStatus, error) {
	account, err := c.api.V1Accounts.GetByID(ctx, accountID, &stripe.AccountRetrieveParams{})
	if err != nil {
		return payments.AccountStatus{}, err
	}
	return payments.AccountStatus{
		DetailsSubmitted: account.DetailsSubmitted,
		PayoutsEnabled:   account.PayoutsEnabled,
	}, nil
}

func (c *Client) CreateTransfer(ctx context.Context, req payments.TransferRequest) (payments.Transfer, error) {
	params := &stripe.TransferCreateParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.DestinationAccount),
		Metadata:    copyMetadata(req.Metadata),
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	transfer, err := c.api.V1Transfers.Create(ctx, params)
	if err != nil {
		return payments.Transfer{}, err
	}
	return payments.Transfer{ID: transfer.ID}, nil
}

func (c *Client) ReverseTransfer(ctx context.Context, transferID, idempotencyKey string) (payments.Transfer, error) {
	params := &stripe.TransferReversalCreateParams{ID: stripe.String(transferID)}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	reversal, err := c.api.V1TransferReversals.Create(ctx, params)
	if err != nil {
		return payments.Transfer{}, err
	}
	return payments.Transfer{ID: reversal.ID}, nil
}

func toRefund(r *stripe.Refund) payments.Refund {
	if r == nil {
		return payments.Refund{}
	}
	return payments.Refund{
		ID:          r.ID,
		Status:      refundStatus(r.Status),
		AmountCents: r.Amount,
	}
}

func refundStatus(status stripe.RefundStatus) payments.RefundStatus {
	switch status {
	case stripe.RefundStatusSucceeded:
		return payments.RefundStatusSucceeded
	case stripe.RefundStatusFailed:
		return payments.RefundStatusFailed
	case stripe.RefundStatusCanceled:
		return payments.RefundStatusCanceled
	default:
		return payments.RefundStatusPending
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
