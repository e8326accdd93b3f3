package users

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
)

// Repository exposes the user persistence the orders domain needs.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a users repo bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository scoped to tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// Create inserts a user row. Identity owns users; this exists for seeding.
func (r *Repository) Create(ctx context.Context, user *models.User) error {
	if user.ArchivedOrderIDs == nil {
		user.ArchivedOrderIDs = []uuid.UUID{}
	}
	return r.db.WithContext(ctx).Create(user).Error
}

// FindByID loads a user by their UUID.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByIDForUpdate locks the user row on postgres for a read-modify-write.
func (r *Repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.User, error) {
	q := r.db.WithContext(ctx)
	if q.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var user models.User
	if err := q.First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateArchivedOrderIDs overwrites the user's archived order set.
func (r *Repository) UpdateArchivedOrderIDs(ctx context.Context, id uuid.UUID, orderIDs []uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&models.User{ID: id}).
		Select("archived_order_ids", "updated_at").
		Updates(&models.User{ArchivedOrderIDs: orderIDs})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
