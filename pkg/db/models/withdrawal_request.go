package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/televip/televip-backend/pkg/enums"
)

// WithdrawalRequest is a creator's payout request against their balance.
type WithdrawalRequest struct {
	ID          uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CreatorID   uuid.UUID              `gorm:"column:creator_id;type:uuid;not null;index"`
	Amount      decimal.Decimal        `gorm:"column:amount;type:numeric(12,2);not null"`
	Status      enums.WithdrawalStatus `gorm:"column:status;not null;default:'pending'"`
	Destination string                 `gorm:"column:destination;not null"`
	ReviewedBy  *string                `gorm:"column:reviewed_by"`
	ReviewedAt  *time.Time             `gorm:"column:reviewed_at"`
	Note        *string                `gorm:"column:note"`
	CreatedAt   time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}
