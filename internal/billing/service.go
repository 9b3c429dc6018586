package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/televip/televip-backend/internal/fees"
	"github.com/televip/televip-backend/internal/ledger"
	"github.com/televip/televip-backend/internal/notifications"
	"github.com/televip/televip-backend/internal/subscriptions"
	"github.com/televip/televip-backend/pkg/db"
	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
	"github.com/televip/televip-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service applies provider billing events to the local ledger. Every
// money movement happens in a single transaction so a crash can never
// leave a credited balance without its transaction row or vice versa.
type Service interface {
	ApplyInvoicePaid(ctx context.Context, input PaidInvoice) (*ApplyResult, error)
	ApplyInvoicePaymentFailed(ctx context.Context, input FailedInvoice) (*ApplyResult, error)
	MarkDisputed(ctx context.Context, stripeInvoiceID, stripePaymentIntentID string) (*ApplyResult, error)
}

// ServiceParams groups dependencies for the billing service.
type ServiceParams struct {
	Repo              Repository
	SubscriptionRepo  subscriptions.Repository
	LedgerRepo        ledger.Repository
	Calculator        *fees.Calculator
	TransactionRunner txRunner
	Notifier          notifications.Notifier
	Logger            *logger.Logger
}

// PaidInvoice is the normalized payload of a provider invoice that
// settled successfully.
type PaidInvoice struct {
	StripeInvoiceID      string
	StripeSubscriptionID string
	ProviderReason       string
	AmountPaid           decimal.Decimal
	PeriodStart          *time.Time
	PeriodEnd            *time.Time
	PaidAt               *time.Time
}

// FailedInvoice is the normalized payload of a failed payment attempt.
type FailedInvoice struct {
	StripeInvoiceID      string
	StripeSubscriptionID string
	AmountDue            decimal.Decimal
}

// ApplyResult reports what a billing event did.
type ApplyResult struct {
	Transaction  *models.Transaction
	Subscription *models.Subscription
	Duplicate    bool
	Skipped      bool
	SkipReason   string
}

type service struct {
	repo       Repository
	subRepo    subscriptions.Repository
	ledgerRepo ledger.Repository
	calculator *fees.Calculator
	txRunner   txRunner
	notifier   notifications.Notifier
	logg       *logger.Logger
}

// NewService builds a billing service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("billing repo required")
	}
	if params.SubscriptionRepo == nil {
		return nil, fmt.Errorf("subscription repo required")
	}
	if params.LedgerRepo == nil {
		return nil, fmt.Errorf("ledger repo required")
	}
	if params.Calculator == nil {
		return nil, fmt.Errorf("fee calculator required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{
		repo:       params.Repo,
		subRepo:    params.SubscriptionRepo,
		ledgerRepo: params.LedgerRepo,
		calculator: params.Calculator,
		txRunner:   params.TransactionRunner,
		notifier:   params.Notifier,
		logg:       params.Logger,
	}, nil
}

// ApplyInvoicePaid records the cycle transaction, credits the creator
// and extends the subscription, all in one transaction keyed on the
// invoice id. Redeliveries of the same invoice are no-ops.
func (s *service) ApplyInvoicePaid(ctx context.Context, input PaidInvoice) (*ApplyResult, error) {
	invoiceID := strings.TrimSpace(input.StripeInvoiceID)
	if invoiceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe invoice id is required")
	}
	if strings.TrimSpace(input.StripeSubscriptionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe subscription id is required")
	}

	reason, actionable := enums.ParseProviderBillingReason(input.ProviderReason)
	if !actionable {
		return &ApplyResult{Skipped: true, SkipReason: fmt.Sprintf("billing reason %q is not actionable", input.ProviderReason)}, nil
	}

	result := &ApplyResult{}
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		txSubRepo := s.subRepo.WithTx(tx)
		txLedger := s.ledgerRepo.WithTx(tx)

		sub, err := txSubRepo.FindByStripeID(ctx, input.StripeSubscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound,
				fmt.Sprintf("no subscription linked to %s", input.StripeSubscriptionID))
		}

		existing, err := txRepo.FindTransactionByInvoiceID(ctx, invoiceID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check invoice transaction")
		}
		if existing != nil {
			result.Transaction = existing
			result.Subscription = sub
			result.Duplicate = true
			return nil
		}

		group, err := txRepo.FindGroupByID(ctx, sub.GroupID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load group")
		}
		if group == nil {
			return pkgerrors.New(pkgerrors.CodeDataInconsistency, "subscription group missing")
		}

		periodStart, periodEnd, err := s.resolvePeriod(ctx, txRepo, sub, input)
		if err != nil {
			return err
		}

		breakdown := s.calculator.Calculate(input.AmountPaid)
		if breakdown.Net.IsNegative() && s.logg != nil {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"stripe_invoice_id": invoiceID,
				"gross":             breakdown.Gross.StringFixed(2),
				"net":               breakdown.Net.StringFixed(2),
			}), "invoice nets negative after platform fee")
		}

		paidAt := time.Now().UTC()
		if input.PaidAt != nil {
			paidAt = input.PaidAt.UTC()
		}
		txn := &models.Transaction{
			SubscriptionID:  sub.ID,
			CreatorID:       group.CreatorID,
			StripeInvoiceID: &invoiceID,
			BillingReason:   reason,
			Amount:          breakdown.Gross,
			FixedFee:        breakdown.FixedFee,
			PercentageFee:   breakdown.PercentageFee,
			TotalFee:        breakdown.TotalFee,
			NetAmount:       breakdown.Net,
			Status:          enums.TransactionStatusCompleted,
			PeriodStart:     &periodStart,
			PeriodEnd:       &periodEnd,
			PaidAt:          &paidAt,
		}
		if err := txRepo.CreateTransaction(ctx, txn); err != nil {
			// Lost the insert race on the invoice unique index: another
			// delivery already settled this cycle.
			if db.IsUniqueViolation(err, models.TransactionInvoiceConstraint) {
				result.Duplicate = true
				result.Subscription = sub
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create transaction")
		}

		creator, err := txLedger.FindCreatorForUpdate(ctx, group.CreatorID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load creator")
		}
		if creator == nil {
			return pkgerrors.New(pkgerrors.CodeDataInconsistency, "group creator missing")
		}
		creator.Balance = creator.Balance.Add(breakdown.Net)
		creator.TotalEarned = creator.TotalEarned.Add(breakdown.Net)
		if err := txLedger.UpdateCreator(ctx, creator); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "credit creator balance")
		}

		switch reason {
		case enums.BillingReasonInitial:
			if err := subscriptions.Activate(sub, periodStart, periodEnd); err != nil {
				return err
			}
		case enums.BillingReasonRenewal:
			if sub.Status == enums.SubscriptionStatusActive {
				if err := subscriptions.ExtendRenewal(sub, periodEnd); err != nil {
					return err
				}
			} else {
				// A renewal landing on an expired or pending row means we
				// missed earlier events. The payment is real, so access is
				// restored rather than bounced.
				if err := subscriptions.Activate(sub, periodStart, periodEnd); err != nil {
					return err
				}
			}
		}
		if err := txSubRepo.Update(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
		}

		result.Transaction = txn
		result.Subscription = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate && !result.Skipped && s.notifier != nil {
		if notifyErr := s.notifier.PaymentReceived(ctx, result.Subscription, result.Transaction); notifyErr != nil && s.logg != nil {
			s.logg.Warn(s.logg.WithSubscriptionID(ctx, result.Subscription.ID.String()), "payment notification failed")
		}
	}
	return result, nil
}

// resolvePeriod picks the cycle window: the invoice line period when the
// provider sent one, otherwise now plus the plan duration.
func (s *service) resolvePeriod(ctx context.Context, txRepo Repository, sub *models.Subscription, input PaidInvoice) (time.Time, time.Time, error) {
	if input.PeriodStart != nil && input.PeriodEnd != nil && input.PeriodEnd.After(*input.PeriodStart) {
		return input.PeriodStart.UTC(), input.PeriodEnd.UTC(), nil
	}

	plan := sub.Plan
	if plan == nil {
		loaded, err := txRepo.FindPlanByID(ctx, sub.PlanID)
		if err != nil {
			return time.Time{}, time.Time{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
		}
		plan = loaded
	}
	if plan == nil {
		return time.Time{}, time.Time{}, pkgerrors.New(pkgerrors.CodeDataInconsistency, "subscription plan missing")
	}

	start := time.Now().UTC()
	if input.PeriodStart != nil {
		start = input.PeriodStart.UTC()
	} else if sub.Status == enums.SubscriptionStatusActive && sub.EndDate != nil && sub.EndDate.After(start) {
		// Renewal without line data on a still-current subscription: the
		// new cycle begins where the old one ends.
		start = sub.EndDate.UTC()
	}
	return start, start.AddDate(0, 0, plan.DurationDays), nil
}

// ApplyInvoicePaymentFailed records a failed attempt and warns the
// subscriber. The subscription keeps its status; the provider retries
// on its own schedule and the expire sweep catches true losses later.
func (s *service) ApplyInvoicePaymentFailed(ctx context.Context, input FailedInvoice) (*ApplyResult, error) {
	invoiceID := strings.TrimSpace(input.StripeInvoiceID)
	if invoiceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe invoice id is required")
	}

	result := &ApplyResult{}
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		txSubRepo := s.subRepo.WithTx(tx)

		sub, err := txSubRepo.FindByStripeID(ctx, input.StripeSubscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
		if sub == nil {
			result.Skipped = true
			result.SkipReason = "no subscription linked to the failed invoice"
			return nil
		}

		existing, err := txRepo.FindTransactionByInvoiceID(ctx, invoiceID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check invoice transaction")
		}
		if existing != nil {
			// Either the payment later succeeded or we already recorded
			// this failure.
			result.Transaction = existing
			result.Subscription = sub
			result.Duplicate = true
			return nil
		}

		group, err := txRepo.FindGroupByID(ctx, sub.GroupID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load group")
		}
		if group == nil {
			return pkgerrors.New(pkgerrors.CodeDataInconsistency, "subscription group missing")
		}

		zero := decimal.Zero.Round(2)
		txn := &models.Transaction{
			SubscriptionID:  sub.ID,
			CreatorID:       group.CreatorID,
			StripeInvoiceID: &invoiceID,
			BillingReason:   enums.BillingReasonRenewal,
			Amount:          input.AmountDue,
			FixedFee:        zero,
			PercentageFee:   zero,
			TotalFee:        zero,
			NetAmount:       zero,
			Status:          enums.TransactionStatusFailed,
		}
		if err := txRepo.CreateTransaction(ctx, txn); err != nil {
			if db.IsUniqueViolation(err, models.TransactionInvoiceConstraint) {
				result.Duplicate = true
				result.Subscription = sub
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create failed transaction")
		}

		result.Transaction = txn
		result.Subscription = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate && !result.Skipped && s.notifier != nil {
		if notifyErr := s.notifier.PaymentFailed(ctx, result.Subscription); notifyErr != nil && s.logg != nil {
			s.logg.Warn(s.logg.WithSubscriptionID(ctx, result.Subscription.ID.String()), "payment failure notification failed")
		}
	}
	return result, nil
}

// MarkDisputed claws back a disputed cycle: the transaction flips to
// refunded, the creator's balance gives the net back, and the
// subscription closes.
func (s *service) MarkDisputed(ctx context.Context, stripeInvoiceID, stripePaymentIntentID string) (*ApplyResult, error) {
	invoiceID := strings.TrimSpace(stripeInvoiceID)
	if invoiceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe invoice id is required")
	}

	result := &ApplyResult{}
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		txSubRepo := s.subRepo.WithTx(tx)
		txLedger := s.ledgerRepo.WithTx(tx)

		txn, err := txRepo.FindTransactionByInvoiceID(ctx, invoiceID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
		}
		if txn == nil {
			result.Skipped = true
			result.SkipReason = "no transaction recorded for the disputed invoice"
			return nil
		}
		if txn.Status == enums.TransactionStatusRefunded {
			result.Transaction = txn
			result.Duplicate = true
			return nil
		}
		if txn.Status != enums.TransactionStatusCompleted {
			result.Skipped = true
			result.SkipReason = fmt.Sprintf("transaction is %s, nothing to claw back", txn.Status)
			return nil
		}

		creator, err := txLedger.FindCreatorForUpdate(ctx, txn.CreatorID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load creator")
		}
		if creator == nil {
			return pkgerrors.New(pkgerrors.CodeDataInconsistency, "transaction creator missing")
		}
		creator.Balance = creator.Balance.Sub(txn.NetAmount)
		creator.TotalEarned = creator.TotalEarned.Sub(txn.NetAmount)
		if err := txLedger.UpdateCreator(ctx, creator); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "debit creator balance")
		}

		txn.Status = enums.TransactionStatusRefunded
		refundedAt := time.Now().UTC()
		txn.RefundedAt = &refundedAt
		if intent := strings.TrimSpace(stripePaymentIntentID); intent != "" {
			txn.StripePaymentIntentID = &intent
		}
		if err := txRepo.UpdateTransaction(ctx, txn); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update transaction")
		}

		sub, err := txSubRepo.FindByID(ctx, txn.SubscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
		if sub != nil && !sub.Status.IsTerminal() {
			if err := subscriptions.Cancel(sub, time.Now().UTC()); err != nil {
				return err
			}
			if err := txSubRepo.Update(ctx, sub); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
			}
		}

		result.Transaction = txn
		result.Subscription = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate && !result.Skipped && result.Subscription != nil && s.notifier != nil {
		if notifyErr := s.notifier.SubscriptionCancelled(ctx, result.Subscription); notifyErr != nil && s.logg != nil {
			s.logg.Warn(s.logg.WithSubscriptionID(ctx, result.Subscription.ID.String()), "dispute notification failed")
		}
	}
	return result, nil
}
