package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/peermarket-backend/pkg/enums"
)

// PayoutEntry is one append-only seller payout intent, unique per order and type.
type PayoutEntry struct {
	ID           uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	OrderID      uuid.UUID               `gorm:"column:order_id;type:uuid;not null;uniqueIndex:payout_entries_order_type_key"`
	SellerID     uuid.UUID               `gorm:"column:seller_id;type:uuid;not null"`
	Type         enums.PayoutEntryType   `gorm:"column:type;type:payout_entry_type;not null;uniqueIndex:payout_entries_order_type_key"`
	Status       enums.PayoutEntryStatus `gorm:"column:status;type:payout_entry_status;not null;default:'pending'"`
	GrossCents   int64                   `gorm:"column:gross_cents;not null"`
	FeeCents     int64                   `gorm:"column:fee_cents;not null"`
	AmountCents  int64                   `gorm:"column:amount_cents;not null"`
	Currency     string                  `gorm:"column:currency;not null"`
	GatewayRef   *string                 `gorm:"column:gateway_ref"`
	AttemptCount int                     `gorm:"column:attempt_count;not null;default:0"`
	LastError    *string                 `gorm:"column:last_error"`
	ExecutedAt   *time.Time              `gorm:"column:executed_at"`
	CreatedAt    time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (PayoutEntry) TableName() string {
	return "payout_entries"
}
