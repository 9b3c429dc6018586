package notifications

import (
	"context"

	"github.com/televip/televip-backend/pkg/db/models"
)

// Notifier delivers subscriber- and creator-facing messages about
// billing lifecycle events. Delivery is best effort: callers log
// failures but never roll back money movements because a message
// could not be sent.
type Notifier interface {
	PaymentReceived(ctx context.Context, sub *models.Subscription, txn *models.Transaction) error
	PaymentFailed(ctx context.Context, sub *models.Subscription) error
	SubscriptionExpired(ctx context.Context, sub *models.Subscription) error
	SubscriptionCancelled(ctx context.Context, sub *models.Subscription) error
}
