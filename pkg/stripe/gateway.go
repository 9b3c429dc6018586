package stripe

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v84"
	portalsession "github.com/stripe/stripe-go/v84/billingportal/session"
	"github.com/stripe/stripe-go/v84/invoice"
	"github.com/stripe/stripe-go/v84/invoicepayment"
	"github.com/stripe/stripe-go/v84/subscription"
)

const defaultCallTimeout = 10 * time.Second

// Gateway exposes the subset of provider operations the billing pipeline
// needs. Lookups return (nil, nil) when the object does not exist so
// callers can fall through to the next recovery source.
type Gateway interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error)
	CancelSubscriptionAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error)
	FindInvoiceIDByPaymentIntent(ctx context.Context, paymentIntentID string) (string, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

type gateway struct {
	client *Client
}

// NewGateway wraps the shared client with bounded-timeout calls.
func NewGateway(client *Client) Gateway {
	if client == nil {
		return nil
	}
	return &gateway{client: client}
}

func (g *gateway) timeout() time.Duration {
	if g.client != nil && g.client.callTimeout > 0 {
		return g.client.callTimeout
	}
	return defaultCallTimeout
}

func (g *gateway) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	sub, err := subscription.Get(id, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func (g *gateway) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	inv, err := invoice.Get(id, &stripe.InvoiceParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	return inv, nil
}

// CancelSubscriptionAtPeriodEnd stops future billing while letting the
// paid period run out; the provider sends its own deletion event once
// the period lapses.
func (g *gateway) CancelSubscriptionAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	return subscription.Update(id, params)
}

// CreateBillingPortalSession opens the provider's self-service portal
// for a customer and returns the one-time URL.
func (g *gateway) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	params := &stripe.BillingPortalSessionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
	}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}
	sess, err := portalsession.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

// FindInvoiceIDByPaymentIntent resolves the invoice a payment intent
// settled. Disputes reference the payment intent, not the invoice, so
// this bridges the two.
func (g *gateway) FindInvoiceIDByPaymentIntent(ctx context.Context, paymentIntentID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	params := &stripe.InvoicePaymentListParams{
		Payment: &stripe.InvoicePaymentListPaymentParams{
			PaymentIntent: stripe.String(paymentIntentID),
			Type:          stripe.String("payment_intent"),
		},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	iter := invoicepayment.List(params)
	for iter.Next() {
		payment := iter.InvoicePayment()
		if payment != nil && payment.Invoice != nil {
			return payment.Invoice.ID, nil
		}
	}
	if err := iter.Err(); err != nil && !isMissing(err) {
		return "", err
	}
	return "", nil
}

func isMissing(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeMissing || stripeErr.HTTPStatusCode == 404
	}
	return false
}
