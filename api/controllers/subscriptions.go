package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/televip/televip-backend/api/responses"
	"github.com/televip/televip-backend/internal/subscriptions"
	"github.com/televip/televip-backend/pkg/db/models"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
	"github.com/televip/televip-backend/pkg/logger"
)

type subscriptionStatusService interface {
	GetStatus(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (*subscriptions.StatusView, error)
	RequestCancellation(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error)
}

type subscriptionHealer interface {
	ReconcileSubscription(ctx context.Context, id uuid.UUID) (bool, error)
}

// SubscriptionStatus serves the access read model. A repair pass runs
// first so a stale row caused by a lost webhook heals on read instead
// of bouncing a paying subscriber.
func SubscriptionStatus(svc subscriptionStatusService, healer subscriptionHealer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := uuid.Parse(chi.URLParam(r, "subscriptionID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "subscription id must be a uuid"))
			return
		}

		if healer != nil {
			if _, healErr := healer.ReconcileSubscription(ctx, id); healErr != nil && !pkgerrors.IsCode(healErr, pkgerrors.CodeNotFound) {
				// Serve the stored state; the cron pass retries later.
				if logg != nil {
					logg.Warn(logg.WithSubscriptionID(ctx, id.String()), "on-read reconcile failed")
				}
			}
		}

		view, err := svc.GetStatus(ctx, id, time.Now().UTC())
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// SubscriptionCancel asks the provider to stop billing and closes the
// local subscription.
func SubscriptionCancel(svc subscriptionStatusService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := uuid.Parse(chi.URLParam(r, "subscriptionID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "subscription id must be a uuid"))
			return
		}

		sub, err := svc.RequestCancellation(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"subscription_id": sub.ID,
			"status":          sub.Status,
			"cancelled_at":    sub.CancelledAt,
		})
	}
}
