package subscriptions

import (
	"time"

	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
)

// Activate moves the subscription into active with the given period.
// It covers both the first paid cycle and reactivation after a
// reconciliation pass finds a payment for an expired subscription.
func Activate(sub *models.Subscription, start, end time.Time) error {
	next, err := Transition(sub.Status, enums.SubscriptionStatusActive)
	if err != nil {
		return err
	}
	sub.Status = next
	if sub.StartDate == nil {
		sub.StartDate = &start
	}
	sub.EndDate = &end
	return nil
}

// ExtendRenewal applies a renewal cycle to an active subscription,
// keeping the later of the stored and delivered end dates. A stale
// delivery for an older cycle leaves the window alone so out-of-order
// webhooks can never shorten paid access.
func ExtendRenewal(sub *models.Subscription, newEnd time.Time) error {
	if sub.Status != enums.SubscriptionStatusActive {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "only active subscriptions renew")
	}
	if sub.EndDate == nil || newEnd.After(*sub.EndDate) {
		sub.EndDate = &newEnd
	}
	return nil
}

// Expire marks the subscription expired after its paid period lapsed.
func Expire(sub *models.Subscription) error {
	next, err := Transition(sub.Status, enums.SubscriptionStatusExpired)
	if err != nil {
		return err
	}
	sub.Status = next
	return nil
}

// Cancel terminally closes the subscription.
func Cancel(sub *models.Subscription, at time.Time) error {
	next, err := Transition(sub.Status, enums.SubscriptionStatusCancelled)
	if err != nil {
		return err
	}
	sub.Status = next
	sub.CancelledAt = &at
	return nil
}
