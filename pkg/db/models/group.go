package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/televip/televip-backend/pkg/enums"
)

// Group is a paid chat destination whose access is sold by a creator.
type Group struct {
	ID         uuid.UUID      `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CreatorID  uuid.UUID      `gorm:"column:creator_id;type:uuid;not null;index"`
	ChatID     int64          `gorm:"column:chat_id;not null;unique"`
	Title      string         `gorm:"column:title;not null"`
	ChatType   enums.ChatType `gorm:"column:chat_type;not null;default:'group'"`
	InviteLink *string        `gorm:"column:invite_link"`
	// Whitelist holds telegram user ids admitted without a subscription,
	// in the order they were added.
	Whitelist pq.StringArray `gorm:"column:whitelist;type:text[]"`
	IsActive  bool           `gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}
