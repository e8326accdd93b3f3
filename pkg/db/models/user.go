package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/peermarket-backend/pkg/enums"
)

// User is owned by the identity service; orders only read it and record
// personal archive flags.
type User struct {
	ID                 uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Role               enums.ActorRole `gorm:"column:role;type:text;not null"`
	ConnectedAccountID *string         `gorm:"column:connected_account_id"`
	ArchivedOrderIDs   []uuid.UUID     `gorm:"column:archived_order_ids;type:jsonb;serializer:json;not null"`
	CreatedAt          time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
