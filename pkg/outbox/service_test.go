package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/peermarket-backend/pkg/db/dbtest"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox/payloads"
)

func TestEmitWritesEnvelope(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	orderID := uuid.New()
	userID := uuid.New()

	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderTransitioned,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &ActorRef{UserID: userID, Role: "seller"},
			Data:          payloads.OrderTransitionedEvent{OrderID: orderID, To: enums.OrderStatusApproved},
		})
	})
	require.NoError(t, err)

	rows, err := repo.ListByAggregate(context.Background(), orderID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotEqual(t, uuid.Nil, rows[0].ID)
	assert.Equal(t, enums.EventOrderTransitioned, rows[0].EventType)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	require.NotNil(t, envelope.Actor)
	assert.Equal(t, userID, envelope.Actor.UserID)

	var data payloads.OrderTransitionedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, enums.OrderStatusApproved, data.To)
}

func TestEmitRollsBackWithTransaction(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	orderID := uuid.New()

	_ = conn.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Data:          payloads.OrderCreatedEvent{OrderID: orderID},
		}))
		return assert.AnError
	})

	rows, err := repo.ListByAggregate(context.Background(), orderID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEmitRequiresTransaction(t *testing.T) {
	svc := NewService(NewRepository(nil), nil)
	err := svc.Emit(context.Background(), nil, DomainEvent{EventType: enums.EventOrderCreated})
	assert.Error(t, err)
}

func TestEmitRejectsUnpublishableEvents(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(NewRepository(conn), nil)
	orderID := uuid.New()

	cases := map[string]DomainEvent{
		"unknown event type": {EventType: "order_shipped", AggregateType: enums.AggregateOrder, AggregateID: orderID, Data: map[string]string{}},
		"unknown aggregate":  {EventType: enums.EventOrderCreated, AggregateType: "cart", AggregateID: orderID, Data: map[string]string{}},
		"missing aggregate":  {EventType: enums.EventOrderCreated, AggregateType: enums.AggregateOrder, Data: map[string]string{}},
		"nil data":           {EventType: enums.EventOrderCreated, AggregateType: enums.AggregateOrder, AggregateID: orderID},
		"future version":     {EventType: enums.EventOrderCreated, AggregateType: enums.AggregateOrder, AggregateID: orderID, Data: map[string]string{}, Version: EnvelopeVersion + 1},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			err := conn.Transaction(func(tx *gorm.DB) error {
				return svc.Emit(context.Background(), tx, event)
			})
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}

	rows, err := NewRepository(conn).ListByAggregate(context.Background(), orderID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)

	published := models.OutboxEvent{ID: uuid.New(), EventType: enums.EventOrderCreated, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`), CreatedAt: old}
	pending := models.OutboxEvent{ID: uuid.New(), EventType: enums.EventOrderCreated, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`), CreatedAt: old.Add(time.Second)}
	require.NoError(t, repo.Insert(conn, published))
	require.NoError(t, repo.Insert(conn, pending))

	rows, err := repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, published.ID, rows[0].ID)

	require.NoError(t, conn.Model(&models.OutboxEvent{}).Where("id = ?", published.ID).Update("published_at", old).Error)
	require.NoError(t, repo.MarkFailedTx(conn, pending.ID, assert.AnError))

	rows, err = repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].AttemptCount)
	require.NotNil(t, rows[0].LastError)

	require.NoError(t, repo.MarkTerminalTx(conn, pending.ID, assert.AnError, 3))
	rows, err = repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, rows)

	dayAgo := time.Now().UTC().Add(-24 * time.Hour)
	counts, err := repo.PurgeBefore(ctx, conn, dayAgo, dayAgo, 3)
	require.NoError(t, err)
	assert.Equal(t, PurgeCounts{Published: 1}, counts)

	counts, err = repo.PurgeBefore(ctx, conn, dayAgo, time.Now().UTC().Add(time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, PurgeCounts{DeadLettered: 1}, counts)
}
