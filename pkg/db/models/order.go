package models

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/peermarket-backend/internal/timeline"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
)

// Order is the central marketplace entity. Products and timeline live in the
// same row so a status change and its timeline entries commit in one write.
type Order struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID         uuid.UUID           `gorm:"column:buyer_id;type:uuid;not null"`
	SellerID        uuid.UUID           `gorm:"column:seller_id;type:uuid;not null"`
	Products        LineItems           `gorm:"column:products;type:jsonb;serializer:json;not null"`
	Status          enums.OrderStatus   `gorm:"column:status;type:order_status;not null;default:'requested'"`
	PaymentStatus   enums.PaymentStatus `gorm:"column:payment_status;type:payment_status;not null;default:'none'"`
	PaymentIntentID *string             `gorm:"column:payment_intent_id;uniqueIndex:idx_orders_payment_intent_id"`
	TotalCents      int64               `gorm:"column:total_cents;not null"`
	Currency        string              `gorm:"column:currency;not null;default:'usd'"`
	Timeline        timeline.Timeline   `gorm:"column:timeline;type:jsonb;serializer:json;not null"`
	Version         int64               `gorm:"column:version;not null;default:1"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (Order) TableName() string {
	return "orders"
}

// LineItem is a product snapshot captured at checkout.
type LineItem struct {
	ProductID      uuid.UUID            `json:"productId"`
	Quantity       int                  `json:"quantity"`
	UnitPriceCents int64                `json:"unitPrice"`
	IsDigital      bool                 `json:"isDigital"`
	Status         enums.LineItemStatus `json:"lineStatus"`
}

// ErrAmountOverflow is returned when a line or order total does not fit in int64 cents.
var ErrAmountOverflow = errors.New("amount overflows int64 cents")

// SubtotalCents is quantity times unit price.
func (li LineItem) SubtotalCents() (int64, error) {
	if li.Quantity < 0 || li.UnitPriceCents < 0 {
		return 0, errors.New("negative quantity or unit price")
	}
	if li.UnitPriceCents != 0 && int64(li.Quantity) > math.MaxInt64/li.UnitPriceCents {
		return 0, ErrAmountOverflow
	}
	return int64(li.Quantity) * li.UnitPriceCents, nil
}

type LineItems []LineItem

// AllDigital reports whether every line is delivered digitally.
func (items LineItems) AllDigital() bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if !item.IsDigital {
			return false
		}
	}
	return true
}

// AllPhysical reports whether every line needs a fulfillment step.
func (items LineItems) AllPhysical() bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if item.IsDigital {
			return false
		}
	}
	return true
}

// AnyDigital reports whether at least one line requires upfront payment.
func (items LineItems) AnyDigital() bool {
	for _, item := range items {
		if item.IsDigital {
			return true
		}
	}
	return false
}

// TotalCents sums every line's subtotal.
func (items LineItems) TotalCents() (int64, error) {
	var total int64
	for _, item := range items {
		sub, err := item.SubtotalCents()
		if err != nil {
			return 0, err
		}
		if sub > math.MaxInt64-total {
			return 0, ErrAmountOverflow
		}
		total += sub
	}
	return total, nil
}

// WithStatus returns a copy with every line set to status.
func (items LineItems) WithStatus(status enums.LineItemStatus) LineItems {
	out := make(LineItems, len(items))
	for i, item := range items {
		item.Status = status
		out[i] = item
	}
	return out
}
