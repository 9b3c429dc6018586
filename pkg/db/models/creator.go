package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Creator owns paid groups and accrues earnings from subscriber payments.
type Creator struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	TelegramID     int64           `gorm:"column:telegram_id;not null;unique"`
	Username       *string         `gorm:"column:username"`
	StripeCustomer *string         `gorm:"column:stripe_customer_id"`
	Balance        decimal.Decimal `gorm:"column:balance;type:numeric(12,2);not null;default:0"`
	TotalEarned    decimal.Decimal `gorm:"column:total_earned;type:numeric(12,2);not null;default:0"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
