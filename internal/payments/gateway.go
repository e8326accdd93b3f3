// Package payments defines the contract the order engine needs from an
// external payment processor, plus a decorator that bounds every call.
package payments

import (
	"context"
)

// RefundStatus mirrors the processor's refund lifecycle.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
	RefundStatusCanceled  RefundStatus = "canceled"
)

type CreateIntentRequest struct {
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

type PaymentIntent struct {
	ID           string
	ClientSecret string
}

type Refund struct {
	ID          string
	Status      RefundStatus
	AmountCents int64
}

// Succeeded reports whether money has been (or is being) returned.
func (r Refund) Succeeded() bool {
	return r.Status == RefundStatusSucceeded
}

type AccountStatus struct {
	DetailsSubmitted bool
	PayoutsEnabled   bool
}

type TransferRequest struct {
	AmountCents        int64
	Currency           string
	DestinationAccount string
	TransferGroup      string
	Metadata           map[string]string
	IdempotencyKey     string
}

type Transfer struct {
	ID string
}

// Gateway is the external payment processor. Implementations may be slow,
// may fail, and may deliver duplicates; callers pass idempotency keys.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req CreateIntentRequest) (PaymentIntent, error)
	ListRefunds(ctx context.Context, paymentIntentID string) ([]Refund, error)
	CreateRefund(ctx context.Context, paymentIntentID string, metadata map[string]string, idempotencyKey string) (Refund, error)
	GetConnectedAccountStatus(ctx context.Context, accountID string) (AccountStatus, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error)
	ReverseTransfer(ctx context.Context, transferID, idempotencyKey string) (Transfer, error)
}

// HasSucceededRefund reports whether any refund in the list already succeeded.
func HasSucceededRefund(refunds []Refund) bool {
	for _, r := range refunds {
		if r.Succeeded() {
			return true
		}
	}
	return false
}
