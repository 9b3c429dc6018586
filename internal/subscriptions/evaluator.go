package subscriptions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/televip/televip-backend/pkg/config"
	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
)

type renewalTransactionFinder interface {
	FindRenewalTransactionSince(ctx context.Context, subscriptionID uuid.UUID, since time.Time) (*models.Transaction, error)
}

// Evaluator answers access questions about a subscription without
// mutating it. Read paths use it so a webhook that is a couple of hours
// late does not kick paying subscribers out of their groups.
type Evaluator struct {
	grace time.Duration
	txns  renewalTransactionFinder
}

// NewEvaluator builds an evaluator with the configured grace window.
func NewEvaluator(cfg config.BillingConfig, txns renewalTransactionFinder) *Evaluator {
	grace := cfg.ActivityGraceWindow
	if grace <= 0 {
		grace = 2 * time.Hour
	}
	return &Evaluator{grace: grace, txns: txns}
}

// IsEffectivelyActive reports whether the subscriber should keep access
// right now. Active status with a future end date is the plain case;
// a renewing subscription whose end date just passed also counts,
// because the provider may still be delivering the renewal webhook.
// Legacy rows and subscriptions cancelling at period end get no grace.
func (e *Evaluator) IsEffectivelyActive(sub *models.Subscription, now time.Time) bool {
	if sub == nil || sub.Status != enums.SubscriptionStatusActive {
		return false
	}
	if sub.EndDate == nil {
		return false
	}
	if now.Before(*sub.EndDate) {
		return true
	}
	return e.graceEligible(sub) && now.Before(sub.EndDate.Add(e.grace))
}

// IsInGraceWindow reports whether the subscription is past its end date
// but still inside the grace window.
func (e *Evaluator) IsInGraceWindow(sub *models.Subscription, now time.Time) bool {
	if sub == nil || sub.Status != enums.SubscriptionStatusActive || sub.EndDate == nil {
		return false
	}
	if !e.graceEligible(sub) {
		return false
	}
	return !now.Before(*sub.EndDate) && now.Before(sub.EndDate.Add(e.grace))
}

func (e *Evaluator) graceEligible(sub *models.Subscription) bool {
	return sub.ProviderManaged() && !sub.CancelAtPeriodEnd
}

// IsRenewing reports whether a renewal is presumed in flight: the
// subscription is riding the grace window and no completed renewal
// transaction has landed since the period ended. A completed renewal
// suppresses the signal because the end date extension is what's
// missing, not the payment.
func (e *Evaluator) IsRenewing(ctx context.Context, sub *models.Subscription, now time.Time) (bool, error) {
	if !e.IsInGraceWindow(sub, now) {
		return false, nil
	}
	if e.txns == nil {
		return true, nil
	}
	txn, err := e.txns.FindRenewalTransactionSince(ctx, sub.ID, *sub.EndDate)
	if err != nil {
		return false, err
	}
	return txn == nil, nil
}
