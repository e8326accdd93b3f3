package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/peermarket-backend/pkg/config"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox/payloads"
)

// EventDescriptor binds an outbox event type to its aggregate, topic and
// payload decoder.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string

	decode func(json.RawMessage) (payload any, orderID uuid.UUID, err error)
}

// ResolvedEvent is a decoded outbox row ready for publishing. OrderID is the
// order the event belongs to, whatever its aggregate.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
	OrderID    uuid.UUID
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError marks rows the relay must stop retrying.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func NewNonRetryableError(err error) error {
	return NonRetryableError{Err: err}
}

// describe builds a descriptor decoding into *T; orderOf extracts the order id.
func describe[T any](eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, topic string, orderOf func(*T) uuid.UUID) EventDescriptor {
	return EventDescriptor{
		EventType:     eventType,
		AggregateType: aggregate,
		Topic:         topic,
		decode: func(data json.RawMessage) (any, uuid.UUID, error) {
			payload := new(T)
			if err := json.Unmarshal(data, payload); err != nil {
				return nil, uuid.Nil, err
			}
			return payload, orderOf(payload), nil
		},
	}
}

// NewEventRegistry registers every order and payout event on the orders topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.OrdersTopic == "" {
		return nil, errors.New("orders topic is required")
	}
	topic := cfg.OrdersTopic

	reg := &EventRegistry{entries: map[enums.OutboxEventType]EventDescriptor{}}
	reg.register(describe(enums.EventOrderCreated, enums.AggregateOrder, topic,
		func(p *payloads.OrderCreatedEvent) uuid.UUID { return p.OrderID }))
	reg.register(describe(enums.EventOrderTransitioned, enums.AggregateOrder, topic,
		func(p *payloads.OrderTransitionedEvent) uuid.UUID { return p.OrderID }))
	reg.register(describe(enums.EventRefundInitiated, enums.AggregateOrder, topic,
		func(p *payloads.RefundInitiatedEvent) uuid.UUID { return p.OrderID }))
	reg.register(describe(enums.EventLateCapture, enums.AggregateOrder, topic,
		func(p *payloads.LateCaptureEvent) uuid.UUID { return p.OrderID }))
	reg.register(describe(enums.EventPayoutRecorded, enums.AggregatePayoutEntry, topic,
		func(p *payloads.PayoutRecordedEvent) uuid.UUID { return p.OrderID }))
	return reg, nil
}

func (r *EventRegistry) register(desc EventDescriptor) {
	r.entries[desc.EventType] = desc
}

// Resolve validates the row against its descriptor and decodes the payload.
// Every failure is non-retryable: the row will never decode differently.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	switch {
	case !ok:
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	case desc.AggregateType != event.AggregateType:
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	case event.AggregateID == uuid.Nil:
		return nil, NewNonRetryableError(errors.New("missing aggregate_id"))
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}
	if err := envelope.Validate(); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("%s: %w", event.EventType, err))
	}

	payload, orderID, err := desc.decode(envelope.Data)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	if orderID == uuid.Nil && event.AggregateType == enums.AggregateOrder {
		orderID = event.AggregateID
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
		OrderID:    orderID,
	}, nil
}
