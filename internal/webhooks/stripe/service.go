package stripewebhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/televip/televip-backend/internal/billing"
	"github.com/televip/televip-backend/internal/subscriptions"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
	"github.com/televip/televip-backend/pkg/logger"
	"github.com/televip/televip-backend/pkg/metrics"
	stripegw "github.com/televip/televip-backend/pkg/stripe"
)

// Outcome labels reported to metrics per handled event.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// ServiceParams groups dependencies for the webhook dispatcher.
type ServiceParams struct {
	Billing       billing.Service
	Subscriptions subscriptions.Service
	Gateway       stripegw.Gateway
	Guard         *IdempotencyGuard
	Metrics       *metrics.WebhookMetrics
	Logger        *logger.Logger
}

// Service routes provider events into the billing and subscription
// services. Handler failures clear the idempotency marker so the
// provider's retry gets a clean attempt.
type Service struct {
	billing billing.Service
	subs    subscriptions.Service
	gateway stripegw.Gateway
	guard   *IdempotencyGuard
	metrics *metrics.WebhookMetrics
	logg    *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Billing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing service required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription service required")
	}
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe gateway required")
	}
	if params.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard required")
	}
	return &Service{
		billing: params.Billing,
		subs:    params.Subscriptions,
		gateway: params.Gateway,
		guard:   params.Guard,
		metrics: params.Metrics,
		logg:    params.Logger,
	}, nil
}

func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	eventType := string(event.Type)
	logCtx := ctx
	if s.logg != nil {
		logCtx = s.logg.WithFields(ctx, map[string]any{
			"stripe_event_id": event.ID,
			"event_type":      eventType,
		})
	}

	seen, err := s.guard.CheckAndMark(logCtx, event.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "idempotency check")
	}
	if seen {
		s.record(eventType, outcomeDuplicate, 0)
		if s.logg != nil {
			s.logg.Info(logCtx, "event already handled; skipping")
		}
		return nil
	}

	started := time.Now()
	outcome, err := s.dispatch(logCtx, event)
	elapsed := time.Since(started)
	if err != nil {
		s.record(eventType, outcomeFailed, elapsed)
		if delErr := s.guard.Delete(logCtx, event.ID); delErr != nil && s.logg != nil {
			s.logg.Warn(logCtx, "clearing idempotency marker failed; redelivery will be dropped")
		}
		return err
	}
	s.record(eventType, outcome, elapsed)
	return nil
}

func (s *Service) record(eventType, outcome string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncEvent(eventType, outcome)
	if elapsed > 0 {
		s.metrics.ObserveHandleDuration(eventType, elapsed)
	}
}

func (s *Service) dispatch(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case stripe.EventTypeInvoicePaid:
		return s.handleInvoicePaid(ctx, event)
	case stripe.EventTypeInvoicePaymentFailed:
		return s.handleInvoicePaymentFailed(ctx, event)
	case stripe.EventTypeCheckoutSessionCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event)
	case stripe.EventTypeChargeDisputeCreated:
		return s.handleDisputeCreated(ctx, event)
	default:
		return outcomeSkipped, nil
	}
}

func (s *Service) handleInvoicePaid(ctx context.Context, event *stripe.Event) (string, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode invoice event")
	}
	payload, err := billing.PaidInvoiceFromProvider(&inv)
	if err != nil {
		return "", err
	}
	if payload.StripeSubscriptionID == "" {
		// One-off invoice with no subscription behind it.
		return outcomeSkipped, nil
	}
	result, err := s.billing.ApplyInvoicePaid(ctx, payload)
	if err != nil {
		return "", err
	}
	return outcomeFor(result), nil
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) (string, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode invoice event")
	}
	payload, err := billing.FailedInvoiceFromProvider(&inv)
	if err != nil {
		return "", err
	}
	if payload.StripeSubscriptionID == "" {
		return outcomeSkipped, nil
	}
	result, err := s.billing.ApplyInvoicePaymentFailed(ctx, payload)
	if err != nil {
		return "", err
	}
	return outcomeFor(result), nil
}

// handleCheckoutCompleted links the provider subscription created by a
// checkout session back to the local pending row. The session's client
// reference id carries the local subscription id.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) (string, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode checkout session event")
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		return outcomeSkipped, nil
	}
	subscriptionID, err := uuid.Parse(session.ClientReferenceID)
	if err != nil {
		// Not one of ours; retrying will not fix the reference.
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "client_reference_id", session.ClientReferenceID),
				"checkout session carries no usable subscription reference")
		}
		return outcomeSkipped, nil
	}
	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	if _, err := s.subs.AttachProviderSubscription(ctx, subscriptionID, session.Subscription.ID, customerID); err != nil {
		return "", err
	}
	return outcomeProcessed, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) (string, error) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode subscription event")
	}
	if stripeSub.ID == "" {
		return outcomeSkipped, nil
	}
	if _, err := s.subs.FinalizeProviderCancellation(ctx, stripeSub.ID); err != nil {
		return "", err
	}
	return outcomeProcessed, nil
}

// handleDisputeCreated claws back the disputed cycle. The dispute only
// references the payment intent, so the invoice is resolved through the
// provider's invoice-payment listing.
func (s *Service) handleDisputeCreated(ctx context.Context, event *stripe.Event) (string, error) {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode dispute event")
	}
	if dispute.PaymentIntent == nil || dispute.PaymentIntent.ID == "" {
		return outcomeSkipped, nil
	}
	invoiceID, err := s.gateway.FindInvoiceIDByPaymentIntent(ctx, dispute.PaymentIntent.ID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve disputed invoice")
	}
	if invoiceID == "" {
		// Dispute on a payment we never invoiced, e.g. a direct charge.
		return outcomeSkipped, nil
	}
	result, err := s.billing.MarkDisputed(ctx, invoiceID, dispute.PaymentIntent.ID)
	if err != nil {
		return "", err
	}
	return outcomeFor(result), nil
}

func outcomeFor(result *billing.ApplyResult) string {
	switch {
	case result == nil:
		return outcomeSkipped
	case result.Duplicate:
		return outcomeDuplicate
	case result.Skipped:
		return outcomeSkipped
	default:
		return outcomeProcessed
	}
}
