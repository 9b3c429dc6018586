package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/televip/televip-backend/internal/notifications"
	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
	"github.com/televip/televip-backend/pkg/logger"
	pkgstripe "github.com/televip/televip-backend/pkg/stripe"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines the subscription lifecycle surface.
type Service interface {
	AttachProviderSubscription(ctx context.Context, subscriptionID uuid.UUID, stripeSubscriptionID, stripeCustomerID string) (*models.Subscription, error)
	RequestCancellation(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error)
	FinalizeProviderCancellation(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	ExpireOverdue(ctx context.Context, asOf time.Time, limit int) (int, error)
	GetStatus(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (*StatusView, error)
}

// ServiceParams groups dependencies for the subscription service.
type ServiceParams struct {
	Repo              Repository
	TransactionRunner txRunner
	Gateway           pkgstripe.Gateway
	Evaluator         *Evaluator
	Notifier          notifications.Notifier
	Logger            *logger.Logger
	SweepGraceWindow  time.Duration
}

// StatusView is the read model served to clients asking whether access
// is still granted.
type StatusView struct {
	SubscriptionID    uuid.UUID                `json:"subscription_id"`
	Status            enums.SubscriptionStatus `json:"status"`
	StartDate         *time.Time               `json:"start_date,omitempty"`
	EndDate           *time.Time               `json:"end_date,omitempty"`
	EffectivelyActive bool                     `json:"effectively_active"`
	Renewing          bool                     `json:"renewing"`
}

type service struct {
	repo       Repository
	txRunner   txRunner
	gateway    pkgstripe.Gateway
	evaluator  *Evaluator
	notifier   notifications.Notifier
	logg       *logger.Logger
	sweepGrace time.Duration
}

// NewService builds a subscription service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("subscription repo required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Evaluator == nil {
		return nil, fmt.Errorf("evaluator required")
	}
	sweepGrace := params.SweepGraceWindow
	if sweepGrace <= 0 {
		sweepGrace = 72 * time.Hour
	}
	return &service{
		repo:       params.Repo,
		txRunner:   params.TransactionRunner,
		gateway:    params.Gateway,
		evaluator:  params.Evaluator,
		notifier:   params.Notifier,
		logg:       params.Logger,
		sweepGrace: sweepGrace,
	}, nil
}

// AttachProviderSubscription links the provider's subscription and
// customer ids to a pending subscription once checkout completes.
// Re-delivery with the same ids is a no-op.
func (s *service) AttachProviderSubscription(ctx context.Context, subscriptionID uuid.UUID, stripeSubscriptionID, stripeCustomerID string) (*models.Subscription, error) {
	if subscriptionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	stripeSubscriptionID = strings.TrimSpace(stripeSubscriptionID)
	if stripeSubscriptionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe subscription id is required")
	}

	var updated *models.Subscription
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)

		sub, err := txRepo.FindByID(ctx, subscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}

		if sub.StripeSubscriptionID != nil && *sub.StripeSubscriptionID != "" {
			if *sub.StripeSubscriptionID == stripeSubscriptionID {
				updated = sub
				return nil
			}
			return pkgerrors.New(pkgerrors.CodeConflict,
				"subscription is already linked to a different provider subscription")
		}

		sub.StripeSubscriptionID = &stripeSubscriptionID
		if stripeCustomerID != "" {
			sub.StripeCustomerID = &stripeCustomerID
		}
		if err := txRepo.Update(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RequestCancellation stops future billing while honoring the paid
// period: access runs until end_date passes and the sweep terminalizes
// the row. A pending subscription has no paid period, so it closes
// immediately.
func (s *service) RequestCancellation(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error) {
	if subscriptionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}

	sub, err := s.repo.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if sub.Status.IsTerminal() || sub.CancelAtPeriodEnd {
		return sub, nil
	}

	if s.gateway != nil && sub.ProviderManaged() {
		if _, err := s.gateway.CancelSubscriptionAtPeriodEnd(ctx, *sub.StripeSubscriptionID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel provider subscription")
		}
	}

	var updated *models.Subscription
	var closed bool
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		stored, err := txRepo.FindByID(ctx, subscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
		if stored == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		if stored.Status.IsTerminal() {
			updated = stored
			return nil
		}
		if stored.Status == enums.SubscriptionStatusPending {
			if err := Cancel(stored, time.Now().UTC()); err != nil {
				return err
			}
			closed = true
		} else {
			stored.CancelAtPeriodEnd = true
			stored.AutoRenew = false
		}
		if err := txRepo.Update(ctx, stored); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
		}
		updated = stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	if closed {
		s.notifyCancelled(ctx, updated)
	}
	return updated, nil
}

// FinalizeProviderCancellation handles the provider's own deletion
// event. Unknown subscriptions and already-terminal states are no-ops
// so redeliveries stay harmless.
func (s *service) FinalizeProviderCancellation(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	stripeSubscriptionID = strings.TrimSpace(stripeSubscriptionID)
	if stripeSubscriptionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe subscription id is required")
	}

	var closed *models.Subscription
	var already bool
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		sub, err := txRepo.FindByStripeID(ctx, stripeSubscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
		if sub == nil {
			already = true
			return nil
		}
		if sub.Status.IsTerminal() {
			closed = sub
			already = true
			return nil
		}
		// A deletion the subscriber asked for ends as cancelled; one the
		// provider forced (payment loss) ends as expired. Pending rows
		// have no period to expire out of.
		if sub.CancelAtPeriodEnd || sub.Status == enums.SubscriptionStatusPending {
			if err := Cancel(sub, time.Now().UTC()); err != nil {
				return err
			}
		} else {
			if err := Expire(sub); err != nil {
				return err
			}
		}
		sub.AutoRenew = false
		if err := txRepo.Update(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
		}
		closed = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !already && closed != nil {
		if closed.Status == enums.SubscriptionStatusCancelled {
			s.notifyCancelled(ctx, closed)
		} else if s.notifier != nil {
			if notifyErr := s.notifier.SubscriptionExpired(ctx, closed); notifyErr != nil && s.logg != nil {
				s.logg.Warn(s.logg.WithSubscriptionID(ctx, closed.ID.String()), "expire notification failed")
			}
		}
	}
	return closed, nil
}

// ExpireOverdue sweeps active subscriptions whose paid period lapsed.
// Rows cancelling at period end terminalize as cancelled the moment the
// period passes. Provider-managed auto-renew rows get the sweep grace
// so a renewal still being retried by the provider is not cut off.
func (s *service) ExpireOverdue(ctx context.Context, asOf time.Time, limit int) (int, error) {
	subs, err := s.repo.ListExpired(ctx, asOf, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expired subscriptions")
	}

	swept := 0
	for i := range subs {
		sub := subs[i]
		err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
			txRepo := s.repo.WithTx(tx)
			stored, err := txRepo.FindByID(ctx, sub.ID)
			if err != nil {
				return err
			}
			if stored == nil || stored.Status != enums.SubscriptionStatusActive {
				return nil
			}
			if stored.EndDate == nil || stored.EndDate.After(asOf) {
				return nil
			}
			switch {
			case stored.CancelAtPeriodEnd:
				if err := Cancel(stored, asOf); err != nil {
					return err
				}
			case stored.ProviderManaged() && stored.AutoRenew && asOf.Sub(*stored.EndDate) < s.sweepGrace:
				// Renewal may still be in flight.
				return nil
			default:
				if err := Expire(stored); err != nil {
					return err
				}
			}
			if err := txRepo.Update(ctx, stored); err != nil {
				return err
			}
			if s.notifier != nil {
				var notifyErr error
				if stored.Status == enums.SubscriptionStatusCancelled {
					notifyErr = s.notifier.SubscriptionCancelled(ctx, stored)
				} else {
					notifyErr = s.notifier.SubscriptionExpired(ctx, stored)
				}
				if notifyErr != nil && s.logg != nil {
					s.logg.Warn(s.logg.WithSubscriptionID(ctx, stored.ID.String()), "sweep notification failed")
				}
			}
			swept++
			return nil
		})
		if err != nil {
			if s.logg != nil {
				s.logg.Error(s.logg.WithSubscriptionID(ctx, sub.ID.String()), "sweeping subscription", err)
			}
			continue
		}
	}
	return swept, nil
}

// GetStatus returns the access read model for one subscription.
func (s *service) GetStatus(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (*StatusView, error) {
	if subscriptionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}

	sub, err := s.repo.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}

	renewing, err := s.evaluator.IsRenewing(ctx, sub, now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "evaluate renewal state")
	}

	return &StatusView{
		SubscriptionID:    sub.ID,
		Status:            sub.Status,
		StartDate:         sub.StartDate,
		EndDate:           sub.EndDate,
		EffectivelyActive: s.evaluator.IsEffectivelyActive(sub, now),
		Renewing:          renewing,
	}, nil
}

func (s *service) notifyCancelled(ctx context.Context, sub *models.Subscription) {
	if s.notifier == nil || sub == nil {
		return
	}
	if err := s.notifier.SubscriptionCancelled(ctx, sub); err != nil && s.logg != nil {
		s.logg.Warn(s.logg.WithSubscriptionID(ctx, sub.ID.String()), "cancellation notification failed")
	}
}
