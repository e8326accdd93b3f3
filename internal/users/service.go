// Package users is the orders domain's view of the identity store: a
// read-only account lookup plus per-user archive flags.
package users

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service implements the account lookup used by payouts and the archive
// hook used by orders.
type Service struct {
	repo *Repository
	tx   txRunner
}

func NewService(repo *Repository, tx txRunner) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("users repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &Service{repo: repo, tx: tx}, nil
}

// Get returns the user or NOT_FOUND.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	return user, nil
}

// ArchiveOrder adds orderID to the user's archived set. Archiving twice is a
// no-op.
func (s *Service) ArchiveOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	if userID == uuid.Nil || orderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id and order id required")
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		user, err := repo.FindByIDForUpdate(ctx, userID)
		if err != nil {
			if isNotFound(err) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
		}
		if slices.Contains(user.ArchivedOrderIDs, orderID) {
			return nil
		}
		archived := append(slices.Clone(user.ArchivedOrderIDs), orderID)
		if err := repo.UpdateArchivedOrderIDs(ctx, userID, archived); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "archive order")
		}
		return nil
	})
}
