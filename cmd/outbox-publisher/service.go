package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/peermarket-backend/pkg/config"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
	"github.com/angelmondragon/peermarket-backend/pkg/metrics"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 500 * time.Millisecond
	defaultMaxAttempts    = 10
	publishTimeout        = 15 * time.Second
	maxIdleBackoff        = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
	terminalUnresolvable  = "unresolvable"
	terminalMaxAttempts   = "max_attempts"
	terminalNonRetryable  = "non_retryable"
	attributeSchemaPrefix = "v"
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type publisherFactory func(topic string) publisher

type relayObserver interface {
	IncEvent(eventType, outcome string)
	ObserveBatch(time.Duration)
}

// RelayParams wires the relay's collaborators.
type RelayParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	Registry         registryResolver
	PublisherFactory publisherFactory
	Observer         relayObserver
}

// Relay moves committed order events from outbox_events onto Pub/Sub.
// Events of one order carry that order id as ordering key; once an event
// fails, later events of the same order wait for the next batch.
type Relay struct {
	logg         *logger.Logger
	db           dbClient
	repo         outboxRepository
	pubsub       pubSubClient
	registry     registryResolver
	publisherFor publisherFactory
	observer     relayObserver
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

// batchResult summarises one drain pass.
type batchResult struct {
	fetched   int
	published int
	failed    int
	terminal  int
	held      int
}

func (b batchResult) idle() bool {
	return b.fetched == 0
}

func NewRelay(params RelayParams) (*Relay, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.PubSub == nil:
		return nil, errors.New("pubsub client is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	}

	factory := params.PublisherFactory
	if factory == nil {
		factory = func(topic string) publisher {
			if p := params.PubSub.Publisher(topic); p != nil {
				return gcpPublisher{p}
			}
			return nil
		}
	}

	observer := params.Observer
	if observer == nil {
		observer = metrics.NewOutboxMetrics(nil)
	}

	cfg := params.Config.Outbox
	r := &Relay{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		pubsub:       params.PubSub,
		registry:     params.Registry,
		publisherFor: factory,
		observer:     observer,
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	return r, nil
}

// Run drains the outbox until ctx is cancelled. Empty polls and failed
// batches back off exponentially up to maxIdleBackoff.
func (r *Relay) Run(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{
		"database": r.db.Ping,
		"pubsub":   r.pubsub.Ping,
	} {
		if err := ping(ctx); err != nil {
			r.logg.Error(ctx, name+" ping failed", err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}

	misses := 0
	for {
		if err := ctx.Err(); err != nil {
			r.logg.Info(ctx, "outbox relay stopping")
			return err
		}

		result, err := r.drain(ctx)
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox relay batch failed", err)
			misses++
		case result.idle():
			misses++
		default:
			misses = 0
			r.logg.Debug(r.logg.WithFields(ctx, map[string]any{
				"fetched":   result.fetched,
				"published": result.published,
				"failed":    result.failed,
				"terminal":  result.terminal,
				"held":      result.held,
			}), "outbox batch drained")
			continue
		}

		if err := sleepCtx(ctx, r.delay(misses)); err != nil {
			return err
		}
	}
}

// drain publishes one locked batch inside a single transaction so row
// state updates commit together with the batch lock release.
func (r *Relay) drain(ctx context.Context) (batchResult, error) {
	started := time.Now()
	defer func() { r.observer.ObserveBatch(time.Since(started)) }()

	var result batchResult
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := r.repo.FetchUnpublishedForPublish(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return err
		}
		result = batchResult{fetched: len(events)}

		held := map[string]struct{}{}
		for _, event := range events {
			resolved, err := r.registry.Resolve(event)
			if err != nil {
				if markErr := r.terminate(ctx, tx, event, terminalUnresolvable, err); markErr != nil {
					return markErr
				}
				result.terminal++
				continue
			}

			key := orderingKey(event, resolved)
			if _, blocked := held[key]; blocked {
				result.held++
				continue
			}

			pubErr := r.publish(ctx, event, resolved, key)
			if pubErr == nil {
				if err := r.repo.MarkPublishedTx(tx, event.ID); err != nil {
					return fmt.Errorf("mark published %s: %w", event.ID, err)
				}
				r.observer.IncEvent(string(event.EventType), metrics.OutboxPublished)
				result.published++
				continue
			}

			held[key] = struct{}{}
			var nonRetryable registry.NonRetryableError
			switch {
			case errors.As(pubErr, &nonRetryable):
				if err := r.terminate(ctx, tx, event, terminalNonRetryable, pubErr); err != nil {
					return err
				}
				result.terminal++
			case event.AttemptCount+1 >= r.maxAttempts:
				if err := r.terminate(ctx, tx, event, terminalMaxAttempts, fmt.Errorf("max publish attempts reached: %w", pubErr)); err != nil {
					return err
				}
				result.terminal++
			default:
				r.logg.Warn(r.eventContext(ctx, event, key, pubErr), "outbox publish failed, will retry")
				if err := r.repo.MarkFailedTx(tx, event.ID, pubErr); err != nil {
					return fmt.Errorf("mark failed %s: %w", event.ID, err)
				}
				r.observer.IncEvent(string(event.EventType), metrics.OutboxRetried)
				result.failed++
			}
		}
		return nil
	})
	return result, err
}

func (r *Relay) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent, key string) error {
	topic := resolved.Descriptor.Topic
	pub := r.publisherFor(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %s", topic))
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	res := pub.Publish(publishCtx, &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: key,
		Attributes:  messageAttributes(event, resolved, key),
	})
	if res == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned no result for topic %s", topic))
	}
	if _, err := res.Get(publishCtx); err != nil {
		// An ordering key stays paused after a failure until resumed.
		pub.ResumePublish(key)
		return err
	}
	return nil
}

func (r *Relay) terminate(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason string, cause error) error {
	logCtx := r.logg.WithField(r.eventContext(ctx, event, "", cause), "terminal_reason", reason)
	r.logg.Warn(logCtx, "outbox event dropped from relay")
	if err := r.repo.MarkTerminalTx(tx, event.ID, cause, r.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	r.observer.IncEvent(string(event.EventType), metrics.OutboxTerminal)
	return nil
}

func (r *Relay) eventContext(ctx context.Context, event models.OutboxEvent, key string, cause error) context.Context {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt_count":  event.AttemptCount + 1,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	ctx = r.logg.WithFields(ctx, fields)
	if key != "" {
		ctx = r.logg.WithOrderID(ctx, key)
	}
	return ctx
}

func (r *Relay) delay(misses int) time.Duration {
	d := r.pollInterval
	for i := 1; i < misses && d < maxIdleBackoff; i++ {
		d *= 2
	}
	if d > maxIdleBackoff {
		d = maxIdleBackoff
	}
	return d + rand.N(jitterWindow)
}

// orderingKey returns the order id an event belongs to, so payout entries
// follow their order's own stream.
func orderingKey(event models.OutboxEvent, resolved *registry.ResolvedEvent) string {
	if resolved.OrderID != uuid.Nil {
		return resolved.OrderID.String()
	}
	return event.AggregateID.String()
}

func messageAttributes(event models.OutboxEvent, resolved *registry.ResolvedEvent, key string) map[string]string {
	attrs := map[string]string{
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"order_id":       key,
		"created_at":     event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if env := resolved.Envelope; env.EventID != "" {
		attrs["event_id"] = env.EventID
		attrs["occurred_at"] = env.OccurredAt.UTC().Format(time.RFC3339Nano)
		attrs["schema_version"] = attributeSchemaPrefix + strconv.Itoa(env.Version)
	}
	return attrs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.Publisher.Publish(ctx, msg)
}
