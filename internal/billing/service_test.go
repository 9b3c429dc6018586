package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/televip/televip-backend/internal/fees"
	"github.com/televip/televip-backend/internal/ledger"
	"github.com/televip/televip-backend/internal/subscriptions"
	"github.com/televip/televip-backend/pkg/config"
	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeBillingRepo struct {
	txnsByInvoice map[string]*models.Transaction
	plans         map[uuid.UUID]*models.PricingPlan
	groups        map[uuid.UUID]*models.Group
	creators      map[uuid.UUID]*models.Creator
	failCreate    bool
}

func newFakeBillingRepo() *fakeBillingRepo {
	return &fakeBillingRepo{
		txnsByInvoice: map[string]*models.Transaction{},
		plans:         map[uuid.UUID]*models.PricingPlan{},
		groups:        map[uuid.UUID]*models.Group{},
		creators:      map[uuid.UUID]*models.Creator{},
	}
}

func (f *fakeBillingRepo) WithTx(tx *gorm.DB) Repository { return f }

func (f *fakeBillingRepo) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	if f.failCreate {
		return fmt.Errorf("duplicate key value violates unique constraint %q", models.TransactionInvoiceConstraint)
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.CreatedAt = time.Now().UTC()
	if txn.StripeInvoiceID != nil {
		if _, exists := f.txnsByInvoice[*txn.StripeInvoiceID]; exists {
			return fmt.Errorf("duplicate key value violates unique constraint %q", models.TransactionInvoiceConstraint)
		}
		f.txnsByInvoice[*txn.StripeInvoiceID] = txn
	}
	return nil
}

func (f *fakeBillingRepo) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	if txn.StripeInvoiceID != nil {
		f.txnsByInvoice[*txn.StripeInvoiceID] = txn
	}
	return nil
}

func (f *fakeBillingRepo) FindTransactionByInvoiceID(ctx context.Context, id string) (*models.Transaction, error) {
	return f.txnsByInvoice[id], nil
}

func (f *fakeBillingRepo) FindRenewalTransactionSince(ctx context.Context, subID uuid.UUID, since time.Time) (*models.Transaction, error) {
	for _, txn := range f.txnsByInvoice {
		if txn.SubscriptionID == subID &&
			txn.BillingReason == enums.BillingReasonRenewal &&
			txn.Status == enums.TransactionStatusCompleted &&
			txn.PaidAt != nil && !txn.PaidAt.Before(since) {
			return txn, nil
		}
	}
	return nil, nil
}

func (f *fakeBillingRepo) FindLatestCompletedTransaction(ctx context.Context, subID uuid.UUID) (*models.Transaction, error) {
	var latest *models.Transaction
	for _, txn := range f.txnsByInvoice {
		if txn.SubscriptionID != subID || txn.Status != enums.TransactionStatusCompleted {
			continue
		}
		if latest == nil || txn.CreatedAt.After(latest.CreatedAt) {
			latest = txn
		}
	}
	return latest, nil
}

func (f *fakeBillingRepo) FindPlanByID(ctx context.Context, id uuid.UUID) (*models.PricingPlan, error) {
	return f.plans[id], nil
}

func (f *fakeBillingRepo) FindGroupByID(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	return f.groups[id], nil
}

func (f *fakeBillingRepo) FindCreatorByID(ctx context.Context, id uuid.UUID) (*models.Creator, error) {
	return f.creators[id], nil
}

type fakeSubRepo struct {
	byID       map[uuid.UUID]*models.Subscription
	byStripeID map[string]*models.Subscription
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{
		byID:       map[uuid.UUID]*models.Subscription{},
		byStripeID: map[string]*models.Subscription{},
	}
}

func (f *fakeSubRepo) WithTx(tx *gorm.DB) subscriptions.Repository { return f }

func (f *fakeSubRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return f.byID[id], nil
}

func (f *fakeSubRepo) FindByStripeID(ctx context.Context, id string) (*models.Subscription, error) {
	return f.byStripeID[id], nil
}

func (f *fakeSubRepo) Create(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	f.store(sub)
	return nil
}

func (f *fakeSubRepo) Update(ctx context.Context, sub *models.Subscription) error {
	f.store(sub)
	return nil
}

func (f *fakeSubRepo) store(sub *models.Subscription) {
	f.byID[sub.ID] = sub
	if sub.StripeSubscriptionID != nil {
		f.byStripeID[*sub.StripeSubscriptionID] = sub
	}
}

func (f *fakeSubRepo) ListForReconciliation(ctx context.Context, limit int) ([]models.Subscription, error) {
	return nil, nil
}

func (f *fakeSubRepo) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]models.Subscription, error) {
	return nil, nil
}

type fakeLedgerRepo struct {
	creators map[uuid.UUID]*models.Creator
}

func (f *fakeLedgerRepo) WithTx(tx *gorm.DB) ledger.Repository { return f }

func (f *fakeLedgerRepo) FindCreatorByID(ctx context.Context, id uuid.UUID) (*models.Creator, error) {
	return f.creators[id], nil
}

func (f *fakeLedgerRepo) FindCreatorForUpdate(ctx context.Context, id uuid.UUID) (*models.Creator, error) {
	return f.creators[id], nil
}

func (f *fakeLedgerRepo) UpdateCreator(ctx context.Context, creator *models.Creator) error {
	f.creators[creator.ID] = creator
	return nil
}

func (f *fakeLedgerRepo) FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return nil, nil
}

func (f *fakeLedgerRepo) FindWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return nil, nil
}

func (f *fakeLedgerRepo) CreateWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error {
	return nil
}

func (f *fakeLedgerRepo) UpdateWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error {
	return nil
}

func (f *fakeLedgerRepo) ListWithdrawalsByStatus(ctx context.Context, status enums.WithdrawalStatus, limit int) ([]models.WithdrawalRequest, error) {
	return nil, nil
}

type recordingNotifier struct {
	received  int
	failed    int
	expired   int
	cancelled int
}

func (n *recordingNotifier) PaymentReceived(ctx context.Context, sub *models.Subscription, txn *models.Transaction) error {
	n.received++
	return nil
}

func (n *recordingNotifier) PaymentFailed(ctx context.Context, sub *models.Subscription) error {
	n.failed++
	return nil
}

func (n *recordingNotifier) SubscriptionExpired(ctx context.Context, sub *models.Subscription) error {
	n.expired++
	return nil
}

func (n *recordingNotifier) SubscriptionCancelled(ctx context.Context, sub *models.Subscription) error {
	n.cancelled++
	return nil
}

type fixture struct {
	svc      Service
	repo     *fakeBillingRepo
	subRepo  *fakeSubRepo
	ledger   *fakeLedgerRepo
	notifier *recordingNotifier
	sub      *models.Subscription
	creator  *models.Creator
	plan     *models.PricingPlan
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T, status enums.SubscriptionStatus) *fixture {
	t.Helper()

	repo := newFakeBillingRepo()
	subRepo := newFakeSubRepo()
	ledgerRepo := &fakeLedgerRepo{creators: map[uuid.UUID]*models.Creator{}}
	notifier := &recordingNotifier{}

	creator := &models.Creator{
		ID:          uuid.New(),
		TelegramID:  1111,
		Balance:     decimal.RequireFromString("10.00"),
		TotalEarned: decimal.RequireFromString("10.00"),
	}
	repo.creators[creator.ID] = creator
	ledgerRepo.creators[creator.ID] = creator

	group := &models.Group{ID: uuid.New(), CreatorID: creator.ID, ChatID: -100200, Title: "VIP signals"}
	repo.groups[group.ID] = group

	plan := &models.PricingPlan{
		ID:           uuid.New(),
		GroupID:      group.ID,
		Name:         "monthly",
		Price:        decimal.RequireFromString("100.00"),
		DurationDays: 30,
	}
	repo.plans[plan.ID] = plan

	sub := &models.Subscription{
		ID:                   uuid.New(),
		SubscriberTelegramID: 2222,
		GroupID:              group.ID,
		PlanID:               plan.ID,
		StripeSubscriptionID: strPtr("sub_abc"),
		Status:               status,
		Plan:                 plan,
		Group:                group,
	}
	subRepo.store(sub)

	calc, err := fees.NewCalculator(config.BillingConfig{FixedFee: "0.99", PercentageRate: "0.0999"})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Repo:              repo,
		SubscriptionRepo:  subRepo,
		LedgerRepo:        ledgerRepo,
		Calculator:        calc,
		TransactionRunner: fakeTxRunner{},
		Notifier:          notifier,
	})
	require.NoError(t, err)

	return &fixture{
		svc:      svc,
		repo:     repo,
		subRepo:  subRepo,
		ledger:   ledgerRepo,
		notifier: notifier,
		sub:      sub,
		creator:  creator,
		plan:     plan,
	}
}

func TestApplyInvoicePaidInitialActivates(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusPending)

	result, err := fx.svc.ApplyInvoicePaid(context.Background(), PaidInvoice{
		StripeInvoiceID:      "in_100",
		StripeSubscriptionID: "sub_abc",
		ProviderReason:       "subscription_create",
		AmountPaid:           decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.False(t, result.Skipped)

	assert.Equal(t, enums.SubscriptionStatusActive, fx.sub.Status)
	require.NotNil(t, fx.sub.EndDate)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 30), *fx.sub.EndDate, time.Minute)

	txn := result.Transaction
	assert.Equal(t, "100.00", txn.Amount.StringFixed(2))
	assert.Equal(t, "0.99", txn.FixedFee.StringFixed(2))
	assert.Equal(t, "9.99", txn.PercentageFee.StringFixed(2))
	assert.Equal(t, "10.98", txn.TotalFee.StringFixed(2))
	assert.Equal(t, "89.02", txn.NetAmount.StringFixed(2))
	assert.Equal(t, enums.TransactionStatusCompleted, txn.Status)
	assert.Equal(t, enums.BillingReasonInitial, txn.BillingReason)
	require.NotNil(t, txn.PaidAt)

	assert.Equal(t, "99.02", fx.creator.Balance.StringFixed(2))
	assert.Equal(t, "99.02", fx.creator.TotalEarned.StringFixed(2))
	assert.Equal(t, 1, fx.notifier.received)
}

func TestApplyInvoicePaidRenewalExtends(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusActive)
	start := time.Now().UTC().AddDate(0, 0, -30)
	end := time.Now().UTC()
	fx.sub.StartDate = &start
	fx.sub.EndDate = &end

	periodStart := end
	periodEnd := end.AddDate(0, 0, 30)
	result, err := fx.svc.ApplyInvoicePaid(context.Background(), PaidInvoice{
		StripeInvoiceID:      "in_101",
		StripeSubscriptionID: "sub_abc",
		ProviderReason:       "subscription_cycle",
		AmountPaid:           decimal.RequireFromString("100.00"),
		PeriodStart:          &periodStart,
		PeriodEnd:            &periodEnd,
	})
	require.NoError(t, err)
	require.False(t, result.Duplicate)

	assert.Equal(t, enums.SubscriptionStatusActive, fx.sub.Status)
	assert.Equal(t, periodEnd.UTC(), fx.sub.EndDate.UTC())
	assert.Equal(t, enums.BillingReasonRenewal, result.Transaction.BillingReason)
	// Original start date survives renewals.
	assert.Equal(t, start, *fx.sub.StartDate)
}

func TestApplyInvoicePaidOutOfOrderRenewalStillCredits(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusActive)
	start := time.Now().UTC().AddDate(0, 0, -20)
	end := time.Now().UTC().AddDate(0, 0, 40)
	fx.sub.StartDate = &start
	fx.sub.EndDate = &end

	// A delivery for an already-superseded cycle: its period ends before
	// the stored window.
	periodStart := time.Now().UTC().AddDate(0, 0, -20)
	periodEnd := time.Now().UTC().AddDate(0, 0, 10)
	result, err := fx.svc.ApplyInvoicePaid(context.Background(), PaidInvoice{
		StripeInvoiceID:      "in_old_cycle",
		StripeSubscriptionID: "sub_abc",
		ProviderReason:       "subscription_cycle",
		AmountPaid:           decimal.RequireFromString("100.00"),
		PeriodStart:          &periodStart,
		PeriodEnd:            &periodEnd,
	})
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.False(t, result.Skipped)

	// The money lands even though the window does not move back.
	require.NotNil(t, result.Transaction)
	assert.Equal(t, "99.02", fx.creator.Balance.StringFixed(2))
	assert.Equal(t, end, *fx.sub.EndDate)
	assert.Equal(t, 1, fx.notifier.received)
}

func TestApplyInvoicePaidDuplicateInvoiceIsNoOp(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusPending)

	input := PaidInvoice{
		StripeInvoiceID:      "in_102",
		StripeSubscriptionID: "sub_abc",
		ProviderReason:       "subscription_create",
		AmountPaid:           decimal.RequireFromString("100.00"),
	}

	first, err := fx.svc.ApplyInvoicePaid(context.Background(), input)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := fx.svc.ApplyInvoicePaid(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	// Credited exactly once.
	assert.Equal(t, "99.02", fx.creator.Balance.StringFixed(2))
	assert.Equal(t, 1, fx.notifier.received)
}

func TestApplyInvoicePaidUniqueViolationTreatedAsDuplicate(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusPending)
	fx.repo.failCreate = true

	result, err := fx.svc.ApplyInvoicePaid(context.Background(), PaidInvoice{
		StripeInvoiceID:      "in_103",
		StripeSubscriptionID: "sub_abc",
		ProviderReason:       "subscription_create",
		AmountPaid:           decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	// The losing insert must not credit.
	assert.Equal(t, "10.00", fx.creator.Balance.StringFixed(2))
}

func TestApplyInvoicePaidSkipsUnknownReason(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusActive)

	result, err := fx.svc.ApplyInvoicePaid(context.Background(), PaidInvoice{
		StripeInvoiceID:      "in_104",
		StripeSubscriptionID: "sub_abc",
		ProviderReason:       "manual",
		AmountPaid:           decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "10.00", fx.creator.Balance.StringFixed(2))
}

func TestApplyInvoicePaidUnknownSubscription(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusActive)

	_, err := fx.svc.ApplyInvoicePaid(context.Background(), PaidInvoice{
		StripeInvoiceID:      "in_105",
		StripeSubscriptionID: "sub_missing",
		ProviderReason:       "subscription_create",
		AmountPaid:           decimal.RequireFromString("100.00"),
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestApplyInvoicePaidRenewalOnExpiredReactivates(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusExpired)
	start := time.Now().UTC().AddDate(0, -2, 0)
	end := time.Now().UTC().AddDate(0, 0, -5)
	fx.sub.StartDate = &start
	fx.sub.EndDate = &end

	result, err := fx.svc.ApplyInvoicePaid(context.Background(), PaidInvoice{
		StripeInvoiceID:      "in_106",
		StripeSubscriptionID: "sub_abc",
		ProviderReason:       "subscription_cycle",
		AmountPaid:           decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	require.False(t, result.Skipped)

	assert.Equal(t, enums.SubscriptionStatusActive, fx.sub.Status)
	require.NotNil(t, fx.sub.EndDate)
	assert.True(t, fx.sub.EndDate.After(time.Now().UTC()))
}

func TestApplyInvoicePaymentFailedRecordsAndNotifies(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusActive)

	result, err := fx.svc.ApplyInvoicePaymentFailed(context.Background(), FailedInvoice{
		StripeInvoiceID:      "in_200",
		StripeSubscriptionID: "sub_abc",
		AmountDue:            decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	require.False(t, result.Skipped)

	assert.Equal(t, enums.TransactionStatusFailed, result.Transaction.Status)
	assert.True(t, result.Transaction.NetAmount.IsZero())
	// Status untouched: the provider keeps retrying.
	assert.Equal(t, enums.SubscriptionStatusActive, fx.sub.Status)
	assert.Equal(t, "10.00", fx.creator.Balance.StringFixed(2))
	assert.Equal(t, 1, fx.notifier.failed)
}

func TestApplyInvoicePaymentFailedAfterSuccessIsDuplicate(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusPending)

	_, err := fx.svc.ApplyInvoicePaid(context.Background(), PaidInvoice{
		StripeInvoiceID:      "in_201",
		StripeSubscriptionID: "sub_abc",
		ProviderReason:       "subscription_create",
		AmountPaid:           decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)

	result, err := fx.svc.ApplyInvoicePaymentFailed(context.Background(), FailedInvoice{
		StripeInvoiceID:      "in_201",
		StripeSubscriptionID: "sub_abc",
		AmountDue:            decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, 0, fx.notifier.failed)
}

func TestMarkDisputedClawsBack(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusPending)

	_, err := fx.svc.ApplyInvoicePaid(context.Background(), PaidInvoice{
		StripeInvoiceID:      "in_300",
		StripeSubscriptionID: "sub_abc",
		ProviderReason:       "subscription_create",
		AmountPaid:           decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	require.Equal(t, "99.02", fx.creator.Balance.StringFixed(2))

	result, err := fx.svc.MarkDisputed(context.Background(), "in_300", "pi_300")
	require.NoError(t, err)
	require.False(t, result.Skipped)

	assert.Equal(t, enums.TransactionStatusRefunded, result.Transaction.Status)
	require.NotNil(t, result.Transaction.RefundedAt)
	require.NotNil(t, result.Transaction.StripePaymentIntentID)
	assert.Equal(t, "pi_300", *result.Transaction.StripePaymentIntentID)
	assert.Equal(t, "10.00", fx.creator.Balance.StringFixed(2))
	assert.Equal(t, enums.SubscriptionStatusCancelled, fx.sub.Status)
	assert.Equal(t, 1, fx.notifier.cancelled)

	// Redelivery is a no-op.
	again, err := fx.svc.MarkDisputed(context.Background(), "in_300", "pi_300")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, "10.00", fx.creator.Balance.StringFixed(2))
}

func TestMarkDisputedUnknownInvoiceSkips(t *testing.T) {
	fx := newFixture(t, enums.SubscriptionStatusActive)

	result, err := fx.svc.MarkDisputed(context.Background(), "in_unknown", "pi_x")
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}
