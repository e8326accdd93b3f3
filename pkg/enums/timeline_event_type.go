package enums

import "fmt"

// TimelineEventType labels an entry in an order's append-only timeline.
type TimelineEventType string

const (
	TimelineOrderCreated         TimelineEventType = "order_created"
	TimelineStatusApproved       TimelineEventType = "status_approved"
	TimelineStatusRejected       TimelineEventType = "status_rejected"
	TimelineStatusCancelled      TimelineEventType = "status_cancelled"
	TimelinePaymentIntentCreated TimelineEventType = "payment_intent_created"
	TimelinePaymentMarked        TimelineEventType = "payment_marked"
	TimelinePaymentFailed        TimelineEventType = "payment_failed"
	TimelineCompleted            TimelineEventType = "completed"
	TimelineFulfillmentConfirmed TimelineEventType = "fulfillment_confirmed"
	TimelineRefundInitiated      TimelineEventType = "refund_initiated"
	TimelineRefundSettled        TimelineEventType = "refund_settled"
)

var validTimelineEventTypes = []TimelineEventType{
	TimelineOrderCreated,
	TimelineStatusApproved,
	TimelineStatusRejected,
	TimelineStatusCancelled,
	TimelinePaymentIntentCreated,
	TimelinePaymentMarked,
	TimelinePaymentFailed,
	TimelineCompleted,
	TimelineFulfillmentConfirmed,
	TimelineRefundInitiated,
	TimelineRefundSettled,
}

// String implements fmt.Stringer.
func (t TimelineEventType) String() string {
	return string(t)
}

// IsValid reports whether the value is a known TimelineEventType.
func (t TimelineEventType) IsValid() bool {
	for _, candidate := range validTimelineEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTimelineEventType converts raw input into a TimelineEventType.
func ParseTimelineEventType(value string) (TimelineEventType, error) {
	for _, candidate := range validTimelineEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid timeline event type %q", value)
}
