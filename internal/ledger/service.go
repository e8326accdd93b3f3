// Package ledger records what each seller is owed per order and later
// moves that money through the gateway's connected accounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/peermarket-backend/internal/payments"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox/payloads"
)

const (
	bpsDenominator       = 10000
	defaultDispatchLimit = 100
	maxDispatchAttempts  = 5
	dispatchOutcomeLabel = "payout"
)

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type accountLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// ServiceParams wires the payout ledger.
type ServiceParams struct {
	Repository     Repository
	Outbox         outboxPublisher
	Gateway        payments.Gateway
	Accounts       accountLookup
	Logger         *logger.Logger
	PlatformFeeBps int
	Now            func() time.Time
}

// Service records payout intents inside order transactions and dispatches
// them to the gateway out of band.
type Service struct {
	repo     Repository
	outbox   outboxPublisher
	gateway  payments.Gateway
	accounts accountLookup
	logg     *logger.Logger
	feeBps   int
	now      func() time.Time
}

// DispatchSummary reports one ExecutePending sweep.
type DispatchSummary struct {
	Examined int
	Executed int
	Skipped  int
	Deferred int
	Failed   int
}

type dispatchOutcome int

const (
	outcomeExecuted dispatchOutcome = iota
	outcomeSkipped
	outcomeDeferred
	outcomeFailed
)

func NewService(params ServiceParams) (*Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("payout repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Accounts == nil {
		return nil, fmt.Errorf("account lookup required")
	}
	if params.PlatformFeeBps < 0 || params.PlatformFeeBps > bpsDenominator {
		return nil, fmt.Errorf("platform fee bps must be within [0, %d]", bpsDenominator)
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:     params.Repository,
		outbox:   params.Outbox,
		gateway:  params.Gateway,
		accounts: params.Accounts,
		logg:     params.Logger,
		feeBps:   params.PlatformFeeBps,
		now:      now,
	}, nil
}

// SplitFee returns the platform fee and the seller's net for a gross amount.
// The fee is rounded half away from zero to whole cents.
func SplitFee(grossCents int64, feeBps int) (fee, net int64) {
	fee = decimal.NewFromInt(grossCents).
		Mul(decimal.NewFromInt(int64(feeBps))).
		Div(decimal.NewFromInt(bpsDenominator)).
		Round(0).
		IntPart()
	return fee, grossCents - fee
}

// RecordTransfer appends the seller's payout for a completed order. A second
// call for the same order returns ALREADY_PROCESSED.
func (s *Service) RecordTransfer(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.PayoutEntry, error) {
	if order == nil || order.ID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	fee, net := SplitFee(order.TotalCents, s.feeBps)
	entry := &models.PayoutEntry{
		ID:          uuid.New(),
		OrderID:     order.ID,
		SellerID:    order.SellerID,
		Type:        enums.PayoutEntryTransfer,
		Status:      enums.PayoutStatusPending,
		GrossCents:  order.TotalCents,
		FeeCents:    fee,
		AmountCents: net,
		Currency:    order.Currency,
	}
	return s.record(ctx, tx, entry)
}

// RecordReversal appends the claw-back for a refunded order, mirroring the
// transfer amount.
func (s *Service) RecordReversal(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.PayoutEntry, error) {
	if order == nil || order.ID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	fee, net := SplitFee(order.TotalCents, s.feeBps)
	transfer, err := s.repo.WithTx(tx).FindByOrderAndType(ctx, order.ID, enums.PayoutEntryTransfer)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transfer entry")
	}
	if transfer != nil {
		fee, net = transfer.FeeCents, transfer.AmountCents
	}
	entry := &models.PayoutEntry{
		ID:          uuid.New(),
		OrderID:     order.ID,
		SellerID:    order.SellerID,
		Type:        enums.PayoutEntryReversal,
		Status:      enums.PayoutStatusPending,
		GrossCents:  order.TotalCents,
		FeeCents:    fee,
		AmountCents: net,
		Currency:    order.Currency,
	}
	return s.record(ctx, tx, entry)
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, entry *models.PayoutEntry) (*models.PayoutEntry, error) {
	inserted, err := s.repo.WithTx(tx).Insert(ctx, entry)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert payout entry")
	}
	if !inserted {
		return nil, pkgerrors.Newf(pkgerrors.CodeAlreadyProcessed, "%s already recorded for order", entry.Type)
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPayoutRecorded,
		AggregateType: enums.AggregatePayoutEntry,
		AggregateID:   entry.ID,
		Version:       1,
		Actor:         &outbox.ActorRef{Role: string(enums.ActorRoleSystem)},
		OccurredAt:    s.now().UTC(),
		Data: payloads.PayoutRecordedEvent{
			EntryID:     entry.ID,
			OrderID:     entry.OrderID,
			SellerID:    entry.SellerID,
			Type:        entry.Type,
			AmountCents: entry.AmountCents,
			FeeCents:    entry.FeeCents,
			Currency:    entry.Currency,
		},
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payout event")
	}
	return entry, nil
}

// ListByOrder returns every payout entry for an order, transfer first.
func (s *Service) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.PayoutEntry, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	entries, err := s.repo.ListByOrderID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payout entries")
	}
	return entries, nil
}

// ExecutePending dispatches up to limit pending entries. Entries whose seller
// cannot receive funds yet stay pending; per-entry failures are combined and
// the sweep continues.
func (s *Service) ExecutePending(ctx context.Context, limit int) (DispatchSummary, error) {
	if limit <= 0 {
		limit = defaultDispatchLimit
	}
	var summary DispatchSummary
	entries, err := s.repo.ListPending(ctx, limit)
	if err != nil {
		return summary, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending payouts")
	}

	var errs error
	for i := range entries {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		entry := entries[i]
		summary.Examined++
		outcome, err := s.dispatch(ctx, &entry)
		switch outcome {
		case outcomeExecuted:
			summary.Executed++
		case outcomeSkipped:
			summary.Skipped++
		case outcomeDeferred:
			summary.Deferred++
		case outcomeFailed:
			summary.Failed++
		}
		if err != nil {
			s.logEntry(ctx, &entry, outcome, err)
			if outcome == outcomeFailed {
				errs = multierr.Append(errs, fmt.Errorf("payout %s: %w", entry.ID, err))
			}
		}
	}
	return summary, errs
}

func (s *Service) dispatch(ctx context.Context, entry *models.PayoutEntry) (dispatchOutcome, error) {
	switch entry.Type {
	case enums.PayoutEntryTransfer:
		return s.dispatchTransfer(ctx, entry)
	case enums.PayoutEntryReversal:
		return s.dispatchReversal(ctx, entry)
	default:
		err := fmt.Errorf("unknown payout entry type %q", entry.Type)
		return s.fail(ctx, entry, err)
	}
}

func (s *Service) dispatchTransfer(ctx context.Context, entry *models.PayoutEntry) (dispatchOutcome, error) {
	reversal, err := s.repo.FindByOrderAndType(ctx, entry.OrderID, enums.PayoutEntryReversal)
	if err != nil {
		return outcomeDeferred, err
	}
	if reversal != nil {
		// Refunded before the seller was paid; nothing to move either way.
		return s.skip(ctx, entry, errors.New("order refunded before payout"))
	}
	if entry.AmountCents <= 0 {
		return s.skip(ctx, entry, errors.New("nothing to transfer after fees"))
	}

	destination, ready, err := s.destinationFor(ctx, entry.SellerID)
	if err != nil {
		return outcomeDeferred, err
	}
	if !ready {
		return outcomeDeferred, nil
	}

	transfer, err := s.gateway.CreateTransfer(ctx, payments.TransferRequest{
		AmountCents:        entry.AmountCents,
		Currency:           entry.Currency,
		DestinationAccount: destination,
		TransferGroup:      entry.OrderID.String(),
		Metadata: map[string]string{
			"order_id": entry.OrderID.String(),
			"entry_id": entry.ID.String(),
		},
		IdempotencyKey: idempotencyKey(entry),
	})
	if err != nil {
		return s.retryOrFail(ctx, entry, err)
	}
	if err := s.repo.MarkExecuted(ctx, entry.ID, transfer.ID, s.now().UTC()); err != nil {
		return outcomeDeferred, err
	}
	return outcomeExecuted, nil
}

func (s *Service) dispatchReversal(ctx context.Context, entry *models.PayoutEntry) (dispatchOutcome, error) {
	transfer, err := s.repo.FindByOrderAndType(ctx, entry.OrderID, enums.PayoutEntryTransfer)
	if err != nil {
		return outcomeDeferred, err
	}
	switch {
	case transfer == nil, transfer.Status == enums.PayoutStatusSkipped, transfer.Status == enums.PayoutStatusFailed:
		return s.skip(ctx, entry, errors.New("no executed transfer to reverse"))
	case transfer.Status == enums.PayoutStatusPending:
		// The transfer's own dispatch will skip it now that a reversal exists.
		return outcomeDeferred, nil
	case transfer.GatewayRef == nil || *transfer.GatewayRef == "":
		return s.fail(ctx, entry, errors.New("executed transfer has no gateway reference"))
	}

	reversal, err := s.gateway.ReverseTransfer(ctx, *transfer.GatewayRef, idempotencyKey(entry))
	if err != nil {
		return s.retryOrFail(ctx, entry, err)
	}
	if err := s.repo.MarkExecuted(ctx, entry.ID, reversal.ID, s.now().UTC()); err != nil {
		return outcomeDeferred, err
	}
	return outcomeExecuted, nil
}

// destinationFor reports the seller's connected account once it can receive
// transfers.
func (s *Service) destinationFor(ctx context.Context, sellerID uuid.UUID) (string, bool, error) {
	seller, err := s.accounts.Get(ctx, sellerID)
	if err != nil {
		return "", false, err
	}
	if seller.ConnectedAccountID == nil || strings.TrimSpace(*seller.ConnectedAccountID) == "" {
		return "", false, nil
	}
	account := strings.TrimSpace(*seller.ConnectedAccountID)
	status, err := s.gateway.GetConnectedAccountStatus(ctx, account)
	if err != nil {
		return "", false, err
	}
	if !status.DetailsSubmitted {
		return "", false, nil
	}
	return account, true, nil
}

func (s *Service) retryOrFail(ctx context.Context, entry *models.PayoutEntry, cause error) (dispatchOutcome, error) {
	typed := pkgerrors.As(cause)
	if typed != nil && typed.Retryable() && entry.AttemptCount+1 < maxDispatchAttempts {
		if err := s.repo.RecordAttempt(ctx, entry.ID, cause); err != nil {
			return outcomeDeferred, multierr.Append(cause, err)
		}
		return outcomeDeferred, cause
	}
	return s.fail(ctx, entry, cause)
}

func (s *Service) fail(ctx context.Context, entry *models.PayoutEntry, cause error) (dispatchOutcome, error) {
	if err := s.repo.MarkStatus(ctx, entry.ID, enums.PayoutStatusFailed, cause); err != nil {
		return outcomeDeferred, multierr.Append(cause, err)
	}
	return outcomeFailed, cause
}

func (s *Service) skip(ctx context.Context, entry *models.PayoutEntry, reason error) (dispatchOutcome, error) {
	if err := s.repo.MarkStatus(ctx, entry.ID, enums.PayoutStatusSkipped, reason); err != nil {
		return outcomeDeferred, err
	}
	return outcomeSkipped, nil
}

func idempotencyKey(entry *models.PayoutEntry) string {
	return entry.OrderID.String() + ":" + string(entry.Type)
}

func (s *Service) logEntry(ctx context.Context, entry *models.PayoutEntry, outcome dispatchOutcome, err error) {
	if s.logg == nil {
		return
	}
	ctx = s.logg.WithOrderID(ctx, entry.OrderID.String())
	ctx = s.logg.WithFields(ctx, map[string]any{
		"entry_id":   entry.ID.String(),
		"entry_type": entry.Type,
		"attempt":    entry.AttemptCount + 1,
	})
	if outcome == outcomeFailed {
		s.logg.Error(ctx, dispatchOutcomeLabel+".dispatch.failed", err)
		return
	}
	s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), dispatchOutcomeLabel+".dispatch.deferred")
}
