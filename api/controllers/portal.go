package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/televip/televip-backend/api/responses"
	"github.com/televip/televip-backend/pkg/auth"
	"github.com/televip/televip-backend/pkg/config"
	"github.com/televip/televip-backend/pkg/db/models"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
	"github.com/televip/televip-backend/pkg/logger"
)

type portalSubscriptionFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
}

type portalGateway interface {
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// BillingPortalRedirect exchanges a signed deep-link token for the
// provider's self-service portal and redirects the subscriber there.
func BillingPortalRedirect(cfg config.PortalConfig, finder portalSubscriptionFinder, gateway portalGateway, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token := r.URL.Query().Get("token")
		if token == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "portal token is required"))
			return
		}

		claims, err := auth.ParsePortalToken(cfg, token)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid portal token"))
			return
		}

		sub, err := finder.FindByID(ctx, claims.SubscriptionID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription"))
			return
		}
		if sub == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found"))
			return
		}
		if sub.SubscriberTelegramID != claims.TelegramID {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "token does not match the subscriber"))
			return
		}
		if sub.StripeCustomerID == nil || *sub.StripeCustomerID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription has no billing profile yet"))
			return
		}

		url, err := gateway.CreateBillingPortalSession(ctx, *sub.StripeCustomerID, cfg.ReturnURL)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "open billing portal"))
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
	}
}
