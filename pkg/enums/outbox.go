package enums

import "fmt"

// OutboxAggregateType names the aggregate an outbox row belongs to.
type OutboxAggregateType string

const (
	AggregateOrder       OutboxAggregateType = "order"
	AggregatePayoutEntry OutboxAggregateType = "payout_entry"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateOrder,
	AggregatePayoutEntry,
}

// IsValid reports whether the value is a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType is the domain event published for downstream consumers.
type OutboxEventType string

const (
	EventOrderCreated      OutboxEventType = "order_created"
	EventOrderTransitioned OutboxEventType = "order_transitioned"
	EventRefundInitiated   OutboxEventType = "refund_initiated"
	EventPayoutRecorded    OutboxEventType = "payout_recorded"
	// EventLateCapture flags a charge captured after its order closed; the
	// buyer is owed a refund.
	EventLateCapture       OutboxEventType = "payment_captured_after_close"
)

var validOutboxEventTypes = []OutboxEventType{
	EventOrderCreated,
	EventOrderTransitioned,
	EventRefundInitiated,
	EventPayoutRecorded,
	EventLateCapture,
}

// IsValid reports whether the value is a known outbox event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
