package notifications

import (
	"context"

	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/logger"
)

// LogNotifier writes lifecycle notifications to the structured log.
// It stands in for the bot transport in environments where the bot
// token is not configured.
type LogNotifier struct {
	logg *logger.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(logg *logger.Logger) *LogNotifier {
	return &LogNotifier{logg: logg}
}

func (n *LogNotifier) PaymentReceived(ctx context.Context, sub *models.Subscription, txn *models.Transaction) error {
	n.emit(ctx, sub, "notification: payment received")
	return nil
}

func (n *LogNotifier) PaymentFailed(ctx context.Context, sub *models.Subscription) error {
	n.emit(ctx, sub, "notification: payment failed")
	return nil
}

func (n *LogNotifier) SubscriptionExpired(ctx context.Context, sub *models.Subscription) error {
	n.emit(ctx, sub, "notification: subscription expired")
	return nil
}

func (n *LogNotifier) SubscriptionCancelled(ctx context.Context, sub *models.Subscription) error {
	n.emit(ctx, sub, "notification: subscription cancelled")
	return nil
}

func (n *LogNotifier) emit(ctx context.Context, sub *models.Subscription, message string) {
	if n.logg == nil || sub == nil {
		return
	}
	ctx = n.logg.WithSubscriptionID(ctx, sub.ID.String())
	ctx = n.logg.WithField(ctx, "subscriber_telegram_id", sub.SubscriberTelegramID)
	n.logg.Info(ctx, message)
}
