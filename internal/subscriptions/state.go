package subscriptions

import (
	"fmt"

	"github.com/televip/televip-backend/pkg/enums"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
)

// allowedTransitions captures the subscription lifecycle. Renewal is the
// one self-loop: an active subscription stays active while its end date
// moves forward. Expired subscriptions may return to active when a
// reconciliation pass discovers a payment that never reached us.
var allowedTransitions = map[enums.SubscriptionStatus][]enums.SubscriptionStatus{
	enums.SubscriptionStatusPending: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusCancelled,
	},
	enums.SubscriptionStatusActive: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusExpired,
		enums.SubscriptionStatusCancelled,
	},
	enums.SubscriptionStatusExpired: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusCancelled,
	},
	enums.SubscriptionStatusCancelled: {},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to enums.SubscriptionStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the target status, or a state
// conflict error naming both states.
func Transition(from, to enums.SubscriptionStatus) (enums.SubscriptionStatus, error) {
	if !to.IsValid() {
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid subscription status %q", to))
	}
	if !CanTransition(from, to) {
		return "", pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("subscription cannot move from %s to %s", from, to))
	}
	return to, nil
}
