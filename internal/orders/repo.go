package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/pagination"
)

// mutableColumns are rewritten together on every transition so a status
// change and its timeline entries land in one statement.
var mutableColumns = []string{
	"status",
	"payment_status",
	"payment_intent_id",
	"products",
	"timeline",
	"version",
	"updated_at",
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Version == 0 {
		order.Version = 1
	}
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("payment_intent_id = ?", paymentIntentID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ConditionalUpdate writes next only if the stored row still satisfies pre.
// Zero matched rows yield PRECONDITION_FAILED; the caller re-reads and decides.
func (r *repository) ConditionalUpdate(ctx context.Context, next *models.Order, pre Precondition) error {
	if next == nil || next.ID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	query := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Select(mutableColumns).
		Where("id = ? AND version = ?", next.ID, pre.Version)
	if pre.Status != "" {
		query = query.Where("status = ?", pre.Status)
	}
	if pre.PaymentIntentUnset {
		query = query.Where("payment_intent_id IS NULL")
	}

	res := query.Updates(next)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update order")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodePreconditionFailed, "order changed concurrently").
			WithDetails(map[string]any{"order_id": next.ID, "expected_version": pre.Version})
	}
	return nil
}

func (r *repository) ListByBuyer(ctx context.Context, buyerID uuid.UUID, params pagination.Params, filters ListFilters) (*OrderList, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{}).Where("buyer_id = ?", buyerID)
	return r.list(query, params, filters)
}

func (r *repository) ListBySeller(ctx context.Context, sellerID uuid.UUID, params pagination.Params, filters ListFilters) (*OrderList, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{}).Where("seller_id = ?", sellerID)
	return r.list(query, params, filters)
}

func (r *repository) ListByStatus(ctx context.Context, status enums.OrderStatus, params pagination.Params) (*OrderList, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{})
	return r.list(query, params, ListFilters{Status: &status})
}

func (r *repository) list(query *gorm.DB, params pagination.Params, filters ListFilters) (*OrderList, error) {
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var rows []models.Order
	err = query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	page := pagination.BuildPage(rows, params.Limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})
	if page.Items == nil {
		page.Items = []models.Order{}
	}
	return &page, nil
}

// FindStalePayments returns approved orders whose payment failed and that
// have not been touched since cutoff, oldest first, keyed by (updated_at, id)
// and starting after the cursor when one is given.
func (r *repository) FindStalePayments(ctx context.Context, cutoff time.Time, after *StaleCursor, limit int) ([]models.Order, error) {
	var rows []models.Order
	q := r.db.WithContext(ctx).
		Where("status = ? AND payment_status = ? AND updated_at < ?",
			enums.OrderStatusApproved, enums.PaymentStatusFailed, cutoff.UTC())
	if after != nil {
		at := after.UpdatedAt.UTC()
		q = q.Where("(updated_at > ? OR (updated_at = ? AND id > ?))", at, at, after.ID)
	}
	err := q.Order("updated_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) FindCancelledBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", enums.OrderStatusCancelled, cutoff.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteCancelled hard-deletes an order only while it is still cancelled.
func (r *repository) DeleteCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, enums.OrderStatusCancelled).
		Delete(&models.Order{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
