package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
)

// Repository handles billing persistence: the per-cycle transaction
// ledger plus read access to plans, groups and creators.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	UpdateTransaction(ctx context.Context, txn *models.Transaction) error
	FindTransactionByInvoiceID(ctx context.Context, stripeInvoiceID string) (*models.Transaction, error)
	FindRenewalTransactionSince(ctx context.Context, subscriptionID uuid.UUID, since time.Time) (*models.Transaction, error)
	FindLatestCompletedTransaction(ctx context.Context, subscriptionID uuid.UUID) (*models.Transaction, error)

	FindPlanByID(ctx context.Context, id uuid.UUID) (*models.PricingPlan, error)
	FindGroupByID(ctx context.Context, id uuid.UUID) (*models.Group, error)
	FindCreatorByID(ctx context.Context, id uuid.UUID) (*models.Creator, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a billing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	return r.db.WithContext(ctx).Save(txn).Error
}

func (r *repository) FindTransactionByInvoiceID(ctx context.Context, stripeInvoiceID string) (*models.Transaction, error) {
	if stripeInvoiceID == "" {
		return nil, nil
	}
	var txn models.Transaction
	if err := r.db.WithContext(ctx).
		Where("stripe_invoice_id = ?", stripeInvoiceID).
		First(&txn).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// FindRenewalTransactionSince returns the most recent completed renewal
// transaction paid after the given instant, if any. Settlement time is
// what matters here: a replayed row's created_at says when we recorded
// it, not when the cycle was paid.
func (r *repository) FindRenewalTransactionSince(ctx context.Context, subscriptionID uuid.UUID, since time.Time) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Where("billing_reason = ?", enums.BillingReasonRenewal).
		Where("status = ?", enums.TransactionStatusCompleted).
		Where("paid_at >= ?", since).
		Order("paid_at DESC").
		First(&txn).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repository) FindLatestCompletedTransaction(ctx context.Context, subscriptionID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Where("status = ?", enums.TransactionStatusCompleted).
		Order("created_at DESC").
		First(&txn).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repository) FindPlanByID(ctx context.Context, id uuid.UUID) (*models.PricingPlan, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var plan models.PricingPlan
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&plan).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) FindGroupByID(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var group models.Group
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&group).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &group, nil
}

func (r *repository) FindCreatorByID(ctx context.Context, id uuid.UUID) (*models.Creator, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var creator models.Creator
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&creator).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &creator, nil
}
