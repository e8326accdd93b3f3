package enums

import "fmt"

// LineItemStatus mirrors OrderStatus per line and may lag it during refunds.
type LineItemStatus string

const (
	LineItemStatusRequested LineItemStatus = "requested"
	LineItemStatusApproved  LineItemStatus = "approved"
	LineItemStatusPaid      LineItemStatus = "paid"
	LineItemStatusCompleted LineItemStatus = "completed"
	LineItemStatusCancelled LineItemStatus = "cancelled"
	LineItemStatusRejected  LineItemStatus = "rejected"
	LineItemStatusRefunded  LineItemStatus = "refunded"
)

var validLineItemStatuses = []LineItemStatus{
	LineItemStatusRequested,
	LineItemStatusApproved,
	LineItemStatusPaid,
	LineItemStatusCompleted,
	LineItemStatusCancelled,
	LineItemStatusRejected,
	LineItemStatusRefunded,
}

// String implements fmt.Stringer.
func (s LineItemStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known LineItemStatus.
func (s LineItemStatus) IsValid() bool {
	for _, candidate := range validLineItemStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// LineItemStatusFor returns the line status mirroring an order status.
func LineItemStatusFor(status OrderStatus) LineItemStatus {
	return LineItemStatus(status)
}

// ParseLineItemStatus converts raw input into a LineItemStatus.
func ParseLineItemStatus(value string) (LineItemStatus, error) {
	for _, candidate := range validLineItemStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid line item status %q", value)
}
