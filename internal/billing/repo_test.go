package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
)

func setupBillingTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	transactions := `
CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  subscription_id TEXT NOT NULL,
  creator_id TEXT NOT NULL,
  stripe_invoice_id TEXT UNIQUE,
  stripe_payment_intent_id TEXT,
  billing_reason TEXT NOT NULL,
  amount TEXT NOT NULL,
  fixed_fee TEXT NOT NULL,
  percentage_fee TEXT NOT NULL,
  total_fee TEXT NOT NULL,
  net_amount TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  period_start DATETIME,
  period_end DATETIME,
  paid_at DATETIME,
  refunded_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`
	require.NoError(t, db.Exec(transactions).Error)
	return db
}

func newTestTransaction(t *testing.T, db *gorm.DB, subID uuid.UUID, reason enums.BillingReason, createdAt time.Time, paidAt *time.Time) *models.Transaction {
	t.Helper()

	invoiceID := "in_" + uuid.NewString()
	zero := decimal.Zero.Round(2)
	txn := &models.Transaction{
		ID:              uuid.New(),
		SubscriptionID:  subID,
		CreatorID:       uuid.New(),
		StripeInvoiceID: &invoiceID,
		BillingReason:   reason,
		Amount:          decimal.RequireFromString("100.00"),
		FixedFee:        zero,
		PercentageFee:   zero,
		TotalFee:        zero,
		NetAmount:       decimal.RequireFromString("100.00"),
		Status:          enums.TransactionStatusCompleted,
		PaidAt:          paidAt,
		CreatedAt:       createdAt,
	}
	require.NoError(t, db.Create(txn).Error)
	return txn
}

func TestBillingRepoFindTransactionByInvoiceID(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	txn := newTestTransaction(t, db, uuid.New(), enums.BillingReasonInitial, now, &now)

	got, err := repo.FindTransactionByInvoiceID(ctx, *txn.StripeInvoiceID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, txn.ID, got.ID)

	got, err = repo.FindTransactionByInvoiceID(ctx, "in_missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBillingRepoFindRenewalTransactionSinceUsesPaidAt(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	subID := uuid.New()
	now := time.Now().UTC()
	since := now.Add(-time.Hour)

	// Settled inside the current cycle, regardless of when the row was
	// recorded.
	settled := now.Add(-30 * time.Minute)
	current := newTestTransaction(t, db, subID, enums.BillingReasonRenewal, now.Add(-3*time.Hour), &settled)

	// Backfilled row written after the cycle ended but paid well before
	// it: must not count as the current cycle's renewal.
	oldPayment := now.Add(-48 * time.Hour)
	newTestTransaction(t, db, subID, enums.BillingReasonRenewal, now, &oldPayment)

	got, err := repo.FindRenewalTransactionSince(ctx, subID, since)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, current.ID, got.ID)
}

func TestBillingRepoFindRenewalTransactionSinceNone(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	subID := uuid.New()
	now := time.Now().UTC()
	oldPayment := now.Add(-48 * time.Hour)
	newTestTransaction(t, db, subID, enums.BillingReasonRenewal, now, &oldPayment)

	got, err := repo.FindRenewalTransactionSince(ctx, subID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBillingRepoFindLatestCompletedTransaction(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	subID := uuid.New()
	now := time.Now().UTC()
	earlier := now.Add(-24 * time.Hour)
	newTestTransaction(t, db, subID, enums.BillingReasonInitial, earlier, &earlier)
	latest := newTestTransaction(t, db, subID, enums.BillingReasonRenewal, now, &now)

	got, err := repo.FindLatestCompletedTransaction(ctx, subID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, latest.ID, got.ID)
}
