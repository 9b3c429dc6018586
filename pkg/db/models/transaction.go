package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/televip/televip-backend/pkg/enums"
)

// TransactionInvoiceConstraint is the unique index guarding one
// transaction per provider invoice. Inserts racing on the same invoice
// surface this constraint name in the driver error.
const TransactionInvoiceConstraint = "idx_transactions_stripe_invoice_id"

// Transaction records the money movement of a single billing cycle.
type Transaction struct {
	ID                    uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriptionID        uuid.UUID               `gorm:"column:subscription_id;type:uuid;not null;index"`
	CreatorID             uuid.UUID               `gorm:"column:creator_id;type:uuid;not null;index"`
	StripeInvoiceID       *string                 `gorm:"column:stripe_invoice_id;uniqueIndex:idx_transactions_stripe_invoice_id"`
	StripePaymentIntentID *string                 `gorm:"column:stripe_payment_intent_id"`
	BillingReason         enums.BillingReason     `gorm:"column:billing_reason;not null"`
	Amount                decimal.Decimal         `gorm:"column:amount;type:numeric(12,2);not null"`
	FixedFee              decimal.Decimal         `gorm:"column:fixed_fee;type:numeric(12,2);not null"`
	PercentageFee         decimal.Decimal         `gorm:"column:percentage_fee;type:numeric(12,2);not null"`
	TotalFee              decimal.Decimal         `gorm:"column:total_fee;type:numeric(12,2);not null"`
	NetAmount             decimal.Decimal         `gorm:"column:net_amount;type:numeric(12,2);not null"`
	Status                enums.TransactionStatus `gorm:"column:status;not null;default:'pending'"`
	PeriodStart           *time.Time              `gorm:"column:period_start"`
	PeriodEnd             *time.Time              `gorm:"column:period_end"`
	PaidAt                *time.Time              `gorm:"column:paid_at"`
	RefundedAt            *time.Time              `gorm:"column:refunded_at"`
	CreatedAt             time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}
