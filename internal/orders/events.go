package orders

import "github.com/angelmondragon/peermarket-backend/pkg/outbox/payloads"

// Event payloads live with the outbox so the publisher can decode them.
type (
	OrderCreatedEvent      = payloads.OrderCreatedEvent
	OrderTransitionedEvent = payloads.OrderTransitionedEvent
	RefundInitiatedEvent   = payloads.RefundInitiatedEvent
	LateCaptureEvent       = payloads.LateCaptureEvent
)
