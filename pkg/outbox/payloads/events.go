package payloads

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/peermarket-backend/pkg/enums"
)

// OrderCreatedEvent is emitted when a buyer checks out.
type OrderCreatedEvent struct {
	OrderID    uuid.UUID `json:"order_id"`
	BuyerID    uuid.UUID `json:"buyer_id"`
	SellerID   uuid.UUID `json:"seller_id"`
	TotalCents int64     `json:"total_cents"`
	Currency   string    `json:"currency"`
	AllDigital bool      `json:"all_digital"`
}

// OrderTransitionedEvent is emitted for every committed status change.
type OrderTransitionedEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	BuyerID       uuid.UUID           `json:"buyer_id"`
	SellerID      uuid.UUID           `json:"seller_id"`
	Event         enums.OrderEvent    `json:"event"`
	From          enums.OrderStatus   `json:"from"`
	To            enums.OrderStatus   `json:"to"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
	Version       int64               `json:"version"`
}

// RefundInitiatedEvent is emitted once the gateway accepted a refund.
type RefundInitiatedEvent struct {
	OrderID         uuid.UUID `json:"order_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	RefundID        string    `json:"refund_id"`
}

// PayoutRecordedEvent is emitted when the seller ledger gains an entry.
type PayoutRecordedEvent struct {
	EntryID     uuid.UUID             `json:"entry_id"`
	OrderID     uuid.UUID             `json:"order_id"`
	SellerID    uuid.UUID             `json:"seller_id"`
	Type        enums.PayoutEntryType `json:"type"`
	AmountCents int64                 `json:"amount_cents"`
	FeeCents    int64                 `json:"fee_cents"`
	Currency    string                `json:"currency"`
}

// LateCaptureEvent is emitted when the gateway reports a successful charge
// for an order that was already cancelled. The order status is unchanged.
type LateCaptureEvent struct {
	OrderID         uuid.UUID         `json:"order_id"`
	BuyerID         uuid.UUID         `json:"buyer_id"`
	SellerID        uuid.UUID         `json:"seller_id"`
	Status          enums.OrderStatus `json:"status"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
	GatewayEventID  string            `json:"gateway_event_id,omitempty"`
	AmountCents     int64             `json:"amount_cents"`
	Currency        string            `json:"currency"`
}
