package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/televip/televip-backend/internal/billing"
	"github.com/televip/televip-backend/internal/subscriptions"
	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
	"github.com/televip/televip-backend/pkg/logger"
	stripegw "github.com/televip/televip-backend/pkg/stripe"
)

const defaultBatchLimit = 250

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// EngineParams configures the self-healing engine.
type EngineParams struct {
	SubscriptionRepo  subscriptions.Repository
	BillingRepo       billing.Repository
	Billing           billing.Service
	Gateway           stripegw.Gateway
	TransactionRunner txRunner
	Logger            *logger.Logger
	Now               func() time.Time
}

// Engine repairs subscriptions whose local window drifted behind the
// provider, usually because a webhook delivery was lost. It walks a
// fallback chain from cheapest to most speculative: the local
// transaction ledger, the provider subscription object, the provider's
// latest invoice, and finally the plan duration.
type Engine struct {
	subRepo     subscriptions.Repository
	billingRepo billing.Repository
	billing     billing.Service
	gateway     stripegw.Gateway
	txRunner    txRunner
	logg        *logger.Logger
	now         func() time.Time
}

// NewEngine builds a reconcile engine with the required dependencies.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.SubscriptionRepo == nil {
		return nil, fmt.Errorf("subscription repo required")
	}
	if params.BillingRepo == nil {
		return nil, fmt.Errorf("billing repo required")
	}
	if params.Billing == nil {
		return nil, fmt.Errorf("billing service required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("stripe gateway required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		subRepo:     params.SubscriptionRepo,
		billingRepo: params.BillingRepo,
		billing:     params.Billing,
		gateway:     params.Gateway,
		txRunner:    params.TransactionRunner,
		logg:        params.Logger,
		now:         now,
	}, nil
}

// ReconcileSubscription repairs one subscription. It returns true when
// a repair was applied and false when the row was already consistent.
func (e *Engine) ReconcileSubscription(ctx context.Context, id uuid.UUID) (bool, error) {
	sub, err := e.subRepo.FindByID(ctx, id)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return false, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return e.reconcile(ctx, sub)
}

// ReconcileBatch runs the engine over every active subscription whose
// end date is missing or behind the clock. Per-row failures are
// aggregated so one bad row cannot stall the rest of the batch.
func (e *Engine) ReconcileBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	subs, err := e.subRepo.ListForReconciliation(ctx, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list reconciliation candidates")
	}

	var errs error
	healed := 0
	for i := range subs {
		fixed, err := e.reconcile(ctx, &subs[i])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconcile %s: %w", subs[i].ID, err))
			continue
		}
		if fixed {
			healed++
		}
	}
	if e.logg != nil {
		reportCtx := e.logg.WithFields(ctx, map[string]any{
			"candidates": len(subs),
			"healed":     healed,
		})
		e.logg.Info(reportCtx, "reconcile batch complete")
	}
	return healed, errs
}

func (e *Engine) reconcile(ctx context.Context, sub *models.Subscription) (bool, error) {
	now := e.now().UTC()
	logCtx := ctx
	if e.logg != nil {
		logCtx = e.logg.WithSubscriptionID(ctx, sub.ID.String())
	}

	// Cancelled rows have no outbound transitions; expired rows stay
	// eligible because a found payment reactivates them.
	if sub.Status == enums.SubscriptionStatusCancelled {
		return false, nil
	}
	if sub.IsLegacy {
		// Manually managed; never touched by automation.
		return false, nil
	}
	if sub.Status == enums.SubscriptionStatusActive && sub.EndDate != nil && sub.EndDate.After(now) {
		return false, nil
	}

	// Cheapest source first: a completed transaction covering the
	// current moment means the payment landed but the window update
	// was lost.
	latest, err := e.billingRepo.FindLatestCompletedTransaction(logCtx, sub.ID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load latest transaction")
	}
	if latest != nil && latest.PeriodEnd != nil && latest.PeriodEnd.After(now) {
		start := now
		if latest.PeriodStart != nil {
			start = latest.PeriodStart.UTC()
		}
		return e.extend(logCtx, sub.ID, start, latest.PeriodEnd.UTC(), "local ledger")
	}

	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID == "" {
		// Never linked to the provider; nothing left to consult.
		return false, nil
	}

	provider, err := e.gateway.GetSubscription(logCtx, *sub.StripeSubscriptionID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch provider subscription")
	}
	if provider == nil || providerClosed(provider.Status) {
		// Closure belongs to the deletion webhook, which knows whether
		// the subscriber asked for it. A misreport here must not
		// terminalize the row.
		if e.logg != nil {
			e.logg.Info(logCtx, "provider reports subscription inactive; leaving row untouched")
		}
		return false, nil
	}

	// The provider may hold a settled invoice we never saw. Replaying
	// it through the ledger moves money and access together instead of
	// silently granting time.
	replayed, err := e.replayLatestInvoice(logCtx, provider)
	if err != nil {
		return false, err
	}
	if replayed {
		return true, nil
	}

	if start, end, ok := providerPeriod(provider); ok && end.After(now) {
		return e.extend(logCtx, sub.ID, start, end, "provider period")
	}

	// Last resort: the provider still considers the subscription
	// collectible but reports no usable window. Grant one plan length
	// from now so the subscriber is not cut off mid-retry.
	if providerCollectible(provider.Status) {
		plan := sub.Plan
		if plan == nil {
			loaded, err := e.billingRepo.FindPlanByID(logCtx, sub.PlanID)
			if err != nil {
				return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
			}
			plan = loaded
		}
		if plan == nil {
			return false, pkgerrors.New(pkgerrors.CodeDataInconsistency, "subscription plan missing")
		}
		return e.extend(logCtx, sub.ID, now, now.AddDate(0, 0, plan.DurationDays), "plan duration")
	}
	return false, nil
}

// replayLatestInvoice fetches the provider's latest invoice and, when
// it settled without a matching local transaction, runs it through the
// normal paid-invoice path.
func (e *Engine) replayLatestInvoice(ctx context.Context, provider *stripe.Subscription) (bool, error) {
	if provider.LatestInvoice == nil || provider.LatestInvoice.ID == "" {
		return false, nil
	}
	existing, err := e.billingRepo.FindTransactionByInvoiceID(ctx, provider.LatestInvoice.ID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check invoice transaction")
	}
	if existing != nil {
		return false, nil
	}

	inv, err := e.gateway.GetInvoice(ctx, provider.LatestInvoice.ID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch provider invoice")
	}
	if inv == nil || inv.Status != stripe.InvoiceStatusPaid {
		return false, nil
	}

	payload, err := billing.PaidInvoiceFromProvider(inv)
	if err != nil {
		return false, err
	}
	if payload.StripeSubscriptionID == "" {
		payload.StripeSubscriptionID = provider.ID
	}
	result, err := e.billing.ApplyInvoicePaid(ctx, payload)
	if err != nil {
		return false, err
	}
	if result.Duplicate || result.Skipped {
		return false, nil
	}
	if e.logg != nil {
		e.logg.Info(e.logg.WithField(ctx, "stripe_invoice_id", inv.ID), "replayed missed invoice")
	}
	return true, nil
}

// extend reloads the row inside a transaction and pushes its window
// forward. A concurrent webhook may have healed the row already, in
// which case nothing changes and no repair is reported.
func (e *Engine) extend(ctx context.Context, subID uuid.UUID, start, end time.Time, source string) (bool, error) {
	healed := false
	err := e.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := e.subRepo.WithTx(tx)
		stored, err := txRepo.FindByID(ctx, subID)
		if err != nil {
			return err
		}
		if stored == nil || stored.Status == enums.SubscriptionStatusCancelled {
			return nil
		}
		before := stored.EndDate
		if stored.Status == enums.SubscriptionStatusActive {
			if err := subscriptions.ExtendRenewal(stored, end); err != nil {
				return err
			}
		} else {
			if err := subscriptions.Activate(stored, start, end); err != nil {
				return err
			}
		}
		if before != nil && stored.EndDate != nil && stored.EndDate.Equal(*before) && stored.Status == enums.SubscriptionStatusActive {
			return nil
		}
		if err := txRepo.Update(ctx, stored); err != nil {
			return err
		}
		healed = true
		if e.logg != nil {
			fixCtx := e.logg.WithFields(ctx, map[string]any{
				"source":   source,
				"end_date": stored.EndDate,
			})
			e.logg.Info(fixCtx, "subscription window repaired")
		}
		return nil
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist repaired window")
	}
	return healed, nil
}

// providerPeriod reads the current cycle window off the subscription
// items, spanning the widest window when there are several.
func providerPeriod(provider *stripe.Subscription) (time.Time, time.Time, bool) {
	if provider == nil || provider.Items == nil {
		return time.Time{}, time.Time{}, false
	}
	var start, end int64
	for _, item := range provider.Items.Data {
		if item == nil {
			continue
		}
		if item.CurrentPeriodStart > 0 && (start == 0 || item.CurrentPeriodStart < start) {
			start = item.CurrentPeriodStart
		}
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if end == 0 {
		return time.Time{}, time.Time{}, false
	}
	if start == 0 {
		start = end
	}
	return time.Unix(start, 0).UTC(), time.Unix(end, 0).UTC(), true
}

func providerClosed(status stripe.SubscriptionStatus) bool {
	switch status {
	case stripe.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusIncompleteExpired,
		stripe.SubscriptionStatusUnpaid:
		return true
	}
	return false
}

func providerCollectible(status stripe.SubscriptionStatus) bool {
	switch status {
	case stripe.SubscriptionStatusActive,
		stripe.SubscriptionStatusTrialing,
		stripe.SubscriptionStatusPastDue:
		return true
	}
	return false
}
