package enums

import "fmt"

// OrderEvent names a requested edge in the order state machine.
type OrderEvent string

const (
	OrderEventSellerApprove        OrderEvent = "seller_approve"
	OrderEventSellerReject         OrderEvent = "seller_reject"
	OrderEventBuyerCancel          OrderEvent = "buyer_cancel"
	OrderEventCreatePayment        OrderEvent = "create_payment"
	OrderEventPaymentSucceeded     OrderEvent = "payment_succeeded"
	OrderEventAutoComplete         OrderEvent = "auto_complete"
	OrderEventFulfillmentConfirmed OrderEvent = "fulfillment_confirmed"
	OrderEventRefundRequest        OrderEvent = "refund_request"
	OrderEventRefundSettled        OrderEvent = "refund_settled"
	OrderEventPaymentFailedTimeout OrderEvent = "payment_failed_timeout"
)

var validOrderEvents = []OrderEvent{
	OrderEventSellerApprove,
	OrderEventSellerReject,
	OrderEventBuyerCancel,
	OrderEventCreatePayment,
	OrderEventPaymentSucceeded,
	OrderEventAutoComplete,
	OrderEventFulfillmentConfirmed,
	OrderEventRefundRequest,
	OrderEventRefundSettled,
	OrderEventPaymentFailedTimeout,
}

// String implements fmt.Stringer.
func (e OrderEvent) String() string {
	return string(e)
}

// IsValid reports whether the value is a known OrderEvent.
func (e OrderEvent) IsValid() bool {
	for _, candidate := range validOrderEvents {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOrderEvent converts raw input into an OrderEvent.
func ParseOrderEvent(value string) (OrderEvent, error) {
	for _, candidate := range validOrderEvents {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order event %q", value)
}
