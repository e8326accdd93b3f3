package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	"github.com/angelmondragon/peermarket-backend/pkg/pagination"
)

// Repository is the Order Store. Every mutation after Create goes through
// ConditionalUpdate.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Order, error)
	ConditionalUpdate(ctx context.Context, next *models.Order, pre Precondition) error
	ListByBuyer(ctx context.Context, buyerID uuid.UUID, params pagination.Params, filters ListFilters) (*OrderList, error)
	ListBySeller(ctx context.Context, sellerID uuid.UUID, params pagination.Params, filters ListFilters) (*OrderList, error)
	ListByStatus(ctx context.Context, status enums.OrderStatus, params pagination.Params) (*OrderList, error)
	FindStalePayments(ctx context.Context, cutoff time.Time, after *StaleCursor, limit int) ([]models.Order, error)
	FindCancelledBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	DeleteCancelled(ctx context.Context, id uuid.UUID) (bool, error)
}

// StaleCursor resumes a stale-payment scan after the last order examined.
type StaleCursor struct {
	UpdatedAt time.Time
	ID        uuid.UUID
}

// CursorAfter positions a scan just past order.
func CursorAfter(order models.Order) *StaleCursor {
	return &StaleCursor{UpdatedAt: order.UpdatedAt, ID: order.ID}
}

// Precondition guards a conditional write. Version must always match; the
// other fields add extra predicates when set.
type Precondition struct {
	Version            int64
	Status             enums.OrderStatus
	PaymentIntentUnset bool
}

// ListFilters narrows buyer and seller listings.
type ListFilters struct {
	Status *enums.OrderStatus
}

// OrderList is one page of orders.
type OrderList = pagination.Page[models.Order]
