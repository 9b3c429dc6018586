package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"

	pkgerrors "github.com/televip/televip-backend/pkg/errors"
)

// PaidInvoiceFromProvider normalizes a settled provider invoice into
// the ledger payload. Provider amounts arrive in minor units.
func PaidInvoiceFromProvider(inv *stripe.Invoice) (PaidInvoice, error) {
	if inv == nil || inv.ID == "" {
		return PaidInvoice{}, pkgerrors.New(pkgerrors.CodeValidation, "invoice is required")
	}
	start, end := invoiceLinePeriod(inv)
	var paidAt *time.Time
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		t := time.Unix(inv.StatusTransitions.PaidAt, 0).UTC()
		paidAt = &t
	}
	return PaidInvoice{
		StripeInvoiceID:      inv.ID,
		StripeSubscriptionID: InvoiceSubscriptionID(inv),
		ProviderReason:       string(inv.BillingReason),
		AmountPaid:           decimal.New(inv.AmountPaid, -2),
		PeriodStart:          start,
		PeriodEnd:            end,
		PaidAt:               paidAt,
	}, nil
}

// FailedInvoiceFromProvider normalizes a failed payment attempt.
func FailedInvoiceFromProvider(inv *stripe.Invoice) (FailedInvoice, error) {
	if inv == nil || inv.ID == "" {
		return FailedInvoice{}, pkgerrors.New(pkgerrors.CodeValidation, "invoice is required")
	}
	return FailedInvoice{
		StripeInvoiceID:      inv.ID,
		StripeSubscriptionID: InvoiceSubscriptionID(inv),
		AmountDue:            decimal.New(inv.AmountDue, -2),
	}, nil
}

// InvoiceSubscriptionID digs the owning subscription out of an invoice.
// Recent provider API versions carry it under the invoice parent, with
// a per-line fallback for partial payloads.
func InvoiceSubscriptionID(inv *stripe.Invoice) string {
	if inv == nil {
		return ""
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		if id := inv.Parent.SubscriptionDetails.Subscription.ID; id != "" {
			return id
		}
	}
	if inv.Lines == nil {
		return ""
	}
	for _, line := range inv.Lines.Data {
		if line == nil || line.Parent == nil || line.Parent.SubscriptionItemDetails == nil {
			continue
		}
		if id := strings.TrimSpace(line.Parent.SubscriptionItemDetails.Subscription); id != "" {
			return id
		}
	}
	return ""
}

// invoiceLinePeriod spans the service window across every line: the
// earliest start and the latest end.
func invoiceLinePeriod(inv *stripe.Invoice) (*time.Time, *time.Time) {
	if inv == nil || inv.Lines == nil {
		return nil, nil
	}
	var start, end *time.Time
	for _, line := range inv.Lines.Data {
		if line == nil || line.Period == nil {
			continue
		}
		if line.Period.Start > 0 {
			t := time.Unix(line.Period.Start, 0).UTC()
			if start == nil || t.Before(*start) {
				start = &t
			}
		}
		if line.Period.End > 0 {
			t := time.Unix(line.Period.End, 0).UTC()
			if end == nil || t.After(*end) {
				end = &t
			}
		}
	}
	return start, end
}
