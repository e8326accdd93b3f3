package users

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/peermarket-backend/pkg/db/dbtest"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
)

func newTestService(t *testing.T) (*Service, *Repository) {
	t.Helper()
	client, conn := dbtest.Client(t)
	repo := NewRepository(conn)
	svc, err := NewService(repo, client)
	require.NoError(t, err)
	return svc, repo
}

func seedUser(t *testing.T, repo *Repository, role enums.ActorRole, account *string) *models.User {
	t.Helper()
	user := &models.User{ID: uuid.New(), Role: role, ConnectedAccountID: account}
	require.NoError(t, repo.Create(context.Background(), user))
	return user
}

func TestGetReturnsUser(t *testing.T) {
	svc, repo := newTestService(t)
	account := "acct_123"
	seller := seedUser(t, repo, enums.ActorRoleSeller, &account)

	got, err := svc.Get(context.Background(), seller.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ActorRoleSeller, got.Role)
	require.NotNil(t, got.ConnectedAccountID)
	assert.Equal(t, "acct_123", *got.ConnectedAccountID)
	assert.Empty(t, got.ArchivedOrderIDs)
}

func TestGetUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = svc.Get(context.Background(), uuid.Nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestArchiveOrderIsIdempotent(t *testing.T) {
	svc, repo := newTestService(t)
	buyer := seedUser(t, repo, enums.ActorRoleBuyer, nil)
	first, second := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, svc.ArchiveOrder(ctx, buyer.ID, first))
	require.NoError(t, svc.ArchiveOrder(ctx, buyer.ID, first))
	require.NoError(t, svc.ArchiveOrder(ctx, buyer.ID, second))

	got, err := svc.Get(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first, second}, got.ArchivedOrderIDs)
}

func TestArchiveOrderUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.ArchiveOrder(context.Background(), uuid.New(), uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
