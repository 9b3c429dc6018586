package enums

import "fmt"

// BillingReason classifies why an invoice was generated by the provider.
type BillingReason string

const (
	BillingReasonInitial BillingReason = "initial"
	BillingReasonRenewal BillingReason = "renewal"
)

// providerBillingReasons maps Stripe invoice billing_reason values onto
// our internal classification. Reasons outside this map are ignored by
// the payment pipeline.
var providerBillingReasons = map[string]BillingReason{
	"subscription_create": BillingReasonInitial,
	"subscription_cycle":  BillingReasonRenewal,
}

func (r BillingReason) String() string {
	return string(r)
}

func (r BillingReason) IsValid() bool {
	return r == BillingReasonInitial || r == BillingReasonRenewal
}

// ParseProviderBillingReason converts a provider billing_reason string.
// The boolean is false for reasons the pipeline does not act on.
func ParseProviderBillingReason(value string) (BillingReason, bool) {
	reason, ok := providerBillingReasons[value]
	return reason, ok
}

func ParseBillingReason(value string) (BillingReason, error) {
	switch BillingReason(value) {
	case BillingReasonInitial:
		return BillingReasonInitial, nil
	case BillingReasonRenewal:
		return BillingReasonRenewal, nil
	}
	return "", fmt.Errorf("invalid billing reason %q", value)
}
