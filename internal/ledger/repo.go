package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
)

const maxErrorLen = 1024

// Repository manages persistence for seller payout entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	// Insert returns false when an entry of the same order and type exists.
	Insert(ctx context.Context, entry *models.PayoutEntry) (bool, error)
	FindByOrderAndType(ctx context.Context, orderID uuid.UUID, entryType enums.PayoutEntryType) (*models.PayoutEntry, error)
	ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.PayoutEntry, error)
	ListPending(ctx context.Context, limit int) ([]models.PayoutEntry, error)
	MarkExecuted(ctx context.Context, id uuid.UUID, gatewayRef string, at time.Time) error
	MarkStatus(ctx context.Context, id uuid.UUID, status enums.PayoutEntryStatus, reason error) error
	RecordAttempt(ctx context.Context, id uuid.UUID, cause error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a payout repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Insert uses ON CONFLICT DO NOTHING so a duplicate never aborts the
// surrounding transaction.
func (r *repository) Insert(ctx context.Context, entry *models.PayoutEntry) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "type"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) FindByOrderAndType(ctx context.Context, orderID uuid.UUID, entryType enums.PayoutEntryType) (*models.PayoutEntry, error) {
	var entry models.PayoutEntry
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND type = ?", orderID, entryType).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repository) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.PayoutEntry, error) {
	entries := []models.PayoutEntry{}
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Order("type DESC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ListPending returns the oldest pending entries; transfers sort before
// reversals recorded at the same instant.
func (r *repository) ListPending(ctx context.Context, limit int) ([]models.PayoutEntry, error) {
	var entries []models.PayoutEntry
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.PayoutStatusPending).
		Order("created_at ASC").
		Order("type DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) MarkExecuted(ctx context.Context, id uuid.UUID, gatewayRef string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.PayoutEntry{}).
		Where("id = ? AND status = ?", id, enums.PayoutStatusPending).
		Updates(map[string]any{
			"status":        enums.PayoutStatusExecuted,
			"gateway_ref":   gatewayRef,
			"executed_at":   at,
			"last_error":    nil,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		}).Error
}

func (r *repository) MarkStatus(ctx context.Context, id uuid.UUID, status enums.PayoutEntryStatus, reason error) error {
	return r.db.WithContext(ctx).
		Model(&models.PayoutEntry{}).
		Where("id = ? AND status = ?", id, enums.PayoutStatusPending).
		Updates(map[string]any{
			"status":     status,
			"last_error": truncateError(reason),
		}).Error
}

func (r *repository) RecordAttempt(ctx context.Context, id uuid.UUID, cause error) error {
	return r.db.WithContext(ctx).
		Model(&models.PayoutEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    truncateError(cause),
			"attempt_count": gorm.Expr("attempt_count + 1"),
		}).Error
}

func truncateError(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return &msg
}
