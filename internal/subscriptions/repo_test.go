package subscriptions

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

func setupSubscriptionsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	groups := `
CREATE TABLE IF NOT EXISTS groups (
  id TEXT PRIMARY KEY,
  creator_id TEXT NOT NULL,
  chat_id INTEGER NOT NULL,
  title TEXT NOT NULL,
  chat_type TEXT NOT NULL DEFAULT 'group',
  invite_link TEXT,
  whitelist TEXT,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);`
	pricingPlans := `
CREATE TABLE IF NOT EXISTS pricing_plans (
  id TEXT PRIMARY KEY,
  group_id TEXT NOT NULL,
  name TEXT NOT NULL,
  price TEXT NOT NULL,
  duration_days INTEGER NOT NULL,
  stripe_price_id TEXT,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);`
	subscriptions := `
CREATE TABLE IF NOT EXISTS subscriptions (
  id TEXT PRIMARY KEY,
  subscriber_telegram_id INTEGER NOT NULL,
  group_id TEXT NOT NULL,
  plan_id TEXT NOT NULL,
  stripe_subscription_id TEXT UNIQUE,
  stripe_customer_id TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  start_date DATETIME,
  end_date DATETIME,
  auto_renew INTEGER NOT NULL DEFAULT 1,
  cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
  is_legacy INTEGER NOT NULL DEFAULT 0,
  cancelled_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`
	require.NoError(t, db.Exec(groups).Error)
	require.NoError(t, db.Exec(pricingPlans).Error)
	require.NoError(t, db.Exec(subscriptions).Error)
	return db
}

func newTestGroup(t *testing.T, db *gorm.DB) *models.Group {
	t.Helper()

	group := &models.Group{
		ID:        uuid.New(),
		CreatorID: uuid.New(),
		ChatID:    time.Now().UnixNano(),
		Title:     "VIP Signals",
		ChatType:  enums.ChatTypeGroup,
		IsActive:  true,
	}
	require.NoError(t, db.Create(group).Error)
	return group
}

func newTestPlan(t *testing.T, db *gorm.DB, groupID uuid.UUID) *models.PricingPlan {
	t.Helper()

	plan := &models.PricingPlan{
		ID:           uuid.New(),
		GroupID:      groupID,
		Name:         "monthly",
		Price:        decimal.RequireFromString("29.90"),
		DurationDays: 30,
		IsActive:     true,
	}
	require.NoError(t, db.Create(plan).Error)
	return plan
}

func newTestSubscription(t *testing.T, db *gorm.DB, group *models.Group, plan *models.PricingPlan, status enums.SubscriptionStatus, endDate *time.Time) *models.Subscription {
	t.Helper()

	stripeID := "sub_" + uuid.NewString()
	sub := &models.Subscription{
		ID:                   uuid.New(),
		SubscriberTelegramID: 777000111,
		GroupID:              group.ID,
		PlanID:               plan.ID,
		StripeSubscriptionID: &stripeID,
		Status:               status,
		AutoRenew:            true,
		EndDate:              endDate,
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func TestSubscriptionRepoFindByID(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	group := newTestGroup(t, db)
	plan := newTestPlan(t, db, group.ID)
	end := time.Now().UTC().Add(20 * 24 * time.Hour)
	sub := newTestSubscription(t, db, group, plan, enums.SubscriptionStatusActive, &end)

	got, err := repo.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sub.ID, got.ID)
	require.NotNil(t, got.Plan)
	assert.Equal(t, 30, got.Plan.DurationDays)
	require.NotNil(t, got.Group)
	assert.Equal(t, group.Title, got.Group.Title)
}

func TestSubscriptionRepoFindByIDMissing(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)

	got, err := repo.FindByID(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = repo.FindByID(context.Background(), uuid.Nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSubscriptionRepoFindByStripeID(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	group := newTestGroup(t, db)
	plan := newTestPlan(t, db, group.ID)
	sub := newTestSubscription(t, db, group, plan, enums.SubscriptionStatusActive, nil)

	got, err := repo.FindByStripeID(ctx, *sub.StripeSubscriptionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sub.ID, got.ID)

	got, err = repo.FindByStripeID(ctx, "sub_unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSubscriptionRepoListForReconciliation(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	group := newTestGroup(t, db)
	plan := newTestPlan(t, db, group.ID)

	past := time.Now().UTC().Add(-48 * time.Hour)
	future := time.Now().UTC().Add(48 * time.Hour)

	stale := newTestSubscription(t, db, group, plan, enums.SubscriptionStatusActive, &past)
	nilEnd := newTestSubscription(t, db, group, plan, enums.SubscriptionStatusActive, nil)
	newTestSubscription(t, db, group, plan, enums.SubscriptionStatusActive, &future)
	newTestSubscription(t, db, group, plan, enums.SubscriptionStatusExpired, &past)

	got, err := repo.ListForReconciliation(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := []uuid.UUID{got[0].ID, got[1].ID}
	assert.Contains(t, ids, stale.ID)
	assert.Contains(t, ids, nilEnd.ID)
}

func TestSubscriptionRepoListExpired(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	group := newTestGroup(t, db)
	plan := newTestPlan(t, db, group.ID)

	now := time.Now().UTC()
	past := now.Add(-5 * 24 * time.Hour)
	future := now.Add(24 * time.Hour)

	overdue := newTestSubscription(t, db, group, plan, enums.SubscriptionStatusActive, &past)
	newTestSubscription(t, db, group, plan, enums.SubscriptionStatusActive, &future)
	newTestSubscription(t, db, group, plan, enums.SubscriptionStatusExpired, &past)

	got, err := repo.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, overdue.ID, got[0].ID)
}

func TestSubscriptionRepoListForReconciliationSkipsLegacy(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	group := newTestGroup(t, db)
	plan := newTestPlan(t, db, group.ID)

	past := time.Now().UTC().Add(-48 * time.Hour)
	legacy := newTestSubscription(t, db, group, plan, enums.SubscriptionStatusActive, &past)
	legacy.IsLegacy = true
	require.NoError(t, repo.Update(ctx, legacy))

	got, err := repo.ListForReconciliation(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSubscriptionRepoUpdate(t *testing.T) {
	db := setupSubscriptionsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	group := newTestGroup(t, db)
	plan := newTestPlan(t, db, group.ID)
	sub := newTestSubscription(t, db, group, plan, enums.SubscriptionStatusPending, nil)

	start := time.Now().UTC()
	end := start.Add(30 * 24 * time.Hour)
	sub.Status = enums.SubscriptionStatusActive
	sub.StartDate = &start
	sub.EndDate = &end
	require.NoError(t, repo.Update(ctx, sub))

	got, err := repo.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, enums.SubscriptionStatusActive, got.Status)
	require.NotNil(t, got.EndDate)
	assert.WithinDuration(t, end, *got.EndDate, time.Second)
}
