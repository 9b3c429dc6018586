package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
)

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeSubStore struct {
	byID       map[uuid.UUID]*models.Subscription
	byStripeID map[string]*models.Subscription
	expired    []models.Subscription
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{
		byID:       map[uuid.UUID]*models.Subscription{},
		byStripeID: map[string]*models.Subscription{},
	}
}

func (f *fakeSubStore) WithTx(tx *gorm.DB) Repository { return f }

func (f *fakeSubStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return f.byID[id], nil
}

func (f *fakeSubStore) FindByStripeID(ctx context.Context, id string) (*models.Subscription, error) {
	return f.byStripeID[id], nil
}

func (f *fakeSubStore) Create(ctx context.Context, sub *models.Subscription) error {
	f.add(sub)
	return nil
}

func (f *fakeSubStore) Update(ctx context.Context, sub *models.Subscription) error {
	f.add(sub)
	return nil
}

func (f *fakeSubStore) add(sub *models.Subscription) {
	f.byID[sub.ID] = sub
	if sub.StripeSubscriptionID != nil {
		f.byStripeID[*sub.StripeSubscriptionID] = sub
	}
}

func (f *fakeSubStore) ListForReconciliation(ctx context.Context, limit int) ([]models.Subscription, error) {
	return nil, nil
}

func (f *fakeSubStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]models.Subscription, error) {
	return f.expired, nil
}

type stubGateway struct {
	cancelled []string
	cancelErr error
}

func (g *stubGateway) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return nil, nil
}

func (g *stubGateway) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	return nil, nil
}

func (g *stubGateway) CancelSubscriptionAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error) {
	g.cancelled = append(g.cancelled, id)
	return nil, g.cancelErr
}

func (g *stubGateway) FindInvoiceIDByPaymentIntent(ctx context.Context, id string) (string, error) {
	return "", nil
}

func (g *stubGateway) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", nil
}

type recordingNotifier struct {
	cancelled []uuid.UUID
	expired   []uuid.UUID
}

func (n *recordingNotifier) PaymentReceived(ctx context.Context, sub *models.Subscription, txn *models.Transaction) error {
	return nil
}

func (n *recordingNotifier) PaymentFailed(ctx context.Context, sub *models.Subscription) error {
	return nil
}

func (n *recordingNotifier) SubscriptionExpired(ctx context.Context, sub *models.Subscription) error {
	n.expired = append(n.expired, sub.ID)
	return nil
}

func (n *recordingNotifier) SubscriptionCancelled(ctx context.Context, sub *models.Subscription) error {
	n.cancelled = append(n.cancelled, sub.ID)
	return nil
}

type svcFixture struct {
	svc      Service
	store    *fakeSubStore
	gateway  *stubGateway
	notifier *recordingNotifier
	now      time.Time
}

func newSvcFixture(t *testing.T) *svcFixture {
	t.Helper()
	f := &svcFixture{
		store:    newFakeSubStore(),
		gateway:  &stubGateway{},
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	svc, err := NewService(ServiceParams{
		Repo:              f.store,
		TransactionRunner: stubTxRunner{},
		Gateway:           f.gateway,
		Evaluator:         newEvaluator(&fakeTxnFinder{}),
		Notifier:          f.notifier,
		SweepGraceWindow:  72 * time.Hour,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *svcFixture) seed(status enums.SubscriptionStatus, endOffset time.Duration, providerManaged bool) *models.Subscription {
	end := f.now.Add(endOffset)
	sub := &models.Subscription{
		ID:        uuid.New(),
		GroupID:   uuid.New(),
		PlanID:    uuid.New(),
		Status:    status,
		AutoRenew: true,
		EndDate:   &end,
	}
	if providerManaged {
		stripeID := "sub_" + uuid.NewString()[:8]
		sub.StripeSubscriptionID = &stripeID
	}
	f.store.add(sub)
	return sub
}

func TestRequestCancellationDefersToPeriodEnd(t *testing.T) {
	f := newSvcFixture(t)
	sub := f.seed(enums.SubscriptionStatusActive, 10*24*time.Hour, true)

	got, err := f.svc.RequestCancellation(context.Background(), sub.ID)
	require.NoError(t, err)

	// Access is kept until the paid period runs out.
	assert.Equal(t, enums.SubscriptionStatusActive, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.False(t, got.AutoRenew)
	require.Len(t, f.gateway.cancelled, 1)
	assert.Equal(t, *sub.StripeSubscriptionID, f.gateway.cancelled[0])
	assert.Empty(t, f.notifier.cancelled)
}

func TestRequestCancellationClosesPendingImmediately(t *testing.T) {
	f := newSvcFixture(t)
	sub := f.seed(enums.SubscriptionStatusPending, 0, false)

	got, err := f.svc.RequestCancellation(context.Background(), sub.ID)
	require.NoError(t, err)

	assert.Equal(t, enums.SubscriptionStatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.Empty(t, f.gateway.cancelled)
	assert.Equal(t, []uuid.UUID{sub.ID}, f.notifier.cancelled)
}

func TestRequestCancellationIdempotent(t *testing.T) {
	f := newSvcFixture(t)
	sub := f.seed(enums.SubscriptionStatusActive, 10*24*time.Hour, true)
	sub.CancelAtPeriodEnd = true
	sub.AutoRenew = false

	got, err := f.svc.RequestCancellation(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Empty(t, f.gateway.cancelled)
}

func TestRequestCancellationUnknownSubscription(t *testing.T) {
	f := newSvcFixture(t)

	_, err := f.svc.RequestCancellation(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestFinalizeProviderCancellationHonorsRequestedCancel(t *testing.T) {
	f := newSvcFixture(t)
	sub := f.seed(enums.SubscriptionStatusActive, -time.Hour, true)
	sub.CancelAtPeriodEnd = true

	got, err := f.svc.FinalizeProviderCancellation(context.Background(), *sub.StripeSubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusCancelled, got.Status)
	assert.Equal(t, []uuid.UUID{sub.ID}, f.notifier.cancelled)
}

func TestFinalizeProviderCancellationExpiresForcedDeletion(t *testing.T) {
	f := newSvcFixture(t)
	sub := f.seed(enums.SubscriptionStatusActive, -time.Hour, true)

	got, err := f.svc.FinalizeProviderCancellation(context.Background(), *sub.StripeSubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusExpired, got.Status)
	assert.False(t, got.AutoRenew)
	assert.Equal(t, []uuid.UUID{sub.ID}, f.notifier.expired)
}

func TestFinalizeProviderCancellationUnknownIsNoop(t *testing.T) {
	f := newSvcFixture(t)

	got, err := f.svc.FinalizeProviderCancellation(context.Background(), "sub_unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFinalizeProviderCancellationTerminalIsNoop(t *testing.T) {
	f := newSvcFixture(t)
	sub := f.seed(enums.SubscriptionStatusCancelled, -time.Hour, true)

	got, err := f.svc.FinalizeProviderCancellation(context.Background(), *sub.StripeSubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Empty(t, f.notifier.cancelled)
	assert.Empty(t, f.notifier.expired)
}

func TestExpireOverdueSweepPolicy(t *testing.T) {
	f := newSvcFixture(t)

	// Cancelling rows terminalize as cancelled the moment the period passes.
	cancelling := f.seed(enums.SubscriptionStatusActive, -time.Hour, true)
	cancelling.CancelAtPeriodEnd = true
	cancelling.AutoRenew = false

	// A renewal may still be retried by the provider inside the sweep grace.
	inGrace := f.seed(enums.SubscriptionStatusActive, -24*time.Hour, true)

	// Past the sweep grace the row expires even with auto renew on.
	beyondGrace := f.seed(enums.SubscriptionStatusActive, -4*24*time.Hour, true)

	// A manually granted subscription gets no grace at all.
	manual := f.seed(enums.SubscriptionStatusActive, -time.Hour, false)

	f.store.expired = []models.Subscription{*cancelling, *inGrace, *beyondGrace, *manual}

	swept, err := f.svc.ExpireOverdue(context.Background(), f.now, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, swept)

	assert.Equal(t, enums.SubscriptionStatusCancelled, f.store.byID[cancelling.ID].Status)
	assert.Equal(t, enums.SubscriptionStatusActive, f.store.byID[inGrace.ID].Status)
	assert.Equal(t, enums.SubscriptionStatusExpired, f.store.byID[beyondGrace.ID].Status)
	assert.Equal(t, enums.SubscriptionStatusExpired, f.store.byID[manual.ID].Status)

	assert.Equal(t, []uuid.UUID{cancelling.ID}, f.notifier.cancelled)
	assert.ElementsMatch(t, []uuid.UUID{beyondGrace.ID, manual.ID}, f.notifier.expired)
}

func TestAttachProviderSubscription(t *testing.T) {
	f := newSvcFixture(t)
	sub := f.seed(enums.SubscriptionStatusPending, 0, false)

	got, err := f.svc.AttachProviderSubscription(context.Background(), sub.ID, "sub_abc", "cus_abc")
	require.NoError(t, err)
	require.NotNil(t, got.StripeSubscriptionID)
	assert.Equal(t, "sub_abc", *got.StripeSubscriptionID)
	require.NotNil(t, got.StripeCustomerID)
	assert.Equal(t, "cus_abc", *got.StripeCustomerID)

	// Redelivery with the same id is a no-op.
	_, err = f.svc.AttachProviderSubscription(context.Background(), sub.ID, "sub_abc", "cus_abc")
	require.NoError(t, err)

	// A different id is a hard conflict.
	_, err = f.svc.AttachProviderSubscription(context.Background(), sub.ID, "sub_other", "")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
}

func TestGetStatusReadModel(t *testing.T) {
	f := newSvcFixture(t)
	sub := f.seed(enums.SubscriptionStatusActive, 12*time.Hour, true)

	view, err := f.svc.GetStatus(context.Background(), sub.ID, f.now)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, view.SubscriptionID)
	assert.True(t, view.EffectivelyActive)
	assert.False(t, view.Renewing)

	_, err = f.svc.GetStatus(context.Background(), uuid.New(), f.now)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
