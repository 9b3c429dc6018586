package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/televip/televip-backend/pkg/enums"
)

// Subscription tracks a subscriber's paid access to a group across
// recurring billing cycles.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriberTelegramID int64                    `gorm:"column:subscriber_telegram_id;not null;index"`
	GroupID              uuid.UUID                `gorm:"column:group_id;type:uuid;not null;index"`
	PlanID               uuid.UUID                `gorm:"column:plan_id;type:uuid;not null"`
	StripeSubscriptionID *string                  `gorm:"column:stripe_subscription_id;unique"`
	StripeCustomerID     *string                  `gorm:"column:stripe_customer_id"`
	Status               enums.SubscriptionStatus `gorm:"column:status;not null;default:'pending'"`
	StartDate            *time.Time               `gorm:"column:start_date"`
	EndDate              *time.Time               `gorm:"column:end_date"`
	AutoRenew            bool                     `gorm:"column:auto_renew;not null;default:true"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	// IsLegacy marks manually managed rows imported before provider
	// billing; they are never auto-reconciled or granted grace.
	IsLegacy    bool       `gorm:"column:is_legacy;not null;default:false"`
	CancelledAt *time.Time `gorm:"column:cancelled_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`

	Plan  *PricingPlan `gorm:"foreignKey:PlanID"`
	Group *Group       `gorm:"foreignKey:GroupID"`
}

// ProviderManaged reports whether the billing provider drives this
// subscription's renewals.
func (s *Subscription) ProviderManaged() bool {
	return s.StripeSubscriptionID != nil && *s.StripeSubscriptionID != "" && !s.IsLegacy
}
