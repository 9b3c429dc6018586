package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/televip/televip-backend/pkg/config"
)

// Breakdown is the platform fee split for a single gross payment.
// EffectiveRate is the realized total fee over gross, which exceeds the
// configured rate because of the fixed component.
type Breakdown struct {
	Gross         decimal.Decimal
	FixedFee      decimal.Decimal
	PercentageFee decimal.Decimal
	TotalFee      decimal.Decimal
	Net           decimal.Decimal
	EffectiveRate decimal.Decimal
}

// Calculator computes the platform cut for subscriber payments.
// The fee is a fixed component plus a percentage of the gross amount,
// each rounded to cents (half up) before netting.
type Calculator struct {
	fixedFee decimal.Decimal
	rate     decimal.Decimal
}

// NewCalculator parses the configured fee parameters.
func NewCalculator(cfg config.BillingConfig) (*Calculator, error) {
	fixed, err := decimal.NewFromString(cfg.FixedFee)
	if err != nil {
		return nil, fmt.Errorf("parsing fixed fee %q: %w", cfg.FixedFee, err)
	}
	rate, err := decimal.NewFromString(cfg.PercentageRate)
	if err != nil {
		return nil, fmt.Errorf("parsing percentage rate %q: %w", cfg.PercentageRate, err)
	}
	if fixed.IsNegative() {
		return nil, fmt.Errorf("fixed fee must not be negative")
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("percentage rate must be in [0, 1)")
	}
	return &Calculator{fixedFee: fixed, rate: rate}, nil
}

// Calculate splits gross into platform fee and creator net.
// Non-positive gross amounts yield an all-zero breakdown.
// Net may come out negative when gross is smaller than the fixed fee;
// callers decide how to treat that.
func (c *Calculator) Calculate(gross decimal.Decimal) Breakdown {
	if !gross.IsPositive() {
		zero := decimal.Zero.Round(2)
		return Breakdown{Gross: gross, FixedFee: zero, PercentageFee: zero, TotalFee: zero, Net: zero, EffectiveRate: decimal.Zero}
	}

	pct := gross.Mul(c.rate).Round(2)
	fixed := c.fixedFee.Round(2)
	total := fixed.Add(pct)
	net := gross.Sub(total).Round(2)

	return Breakdown{
		Gross:         gross,
		FixedFee:      fixed,
		PercentageFee: pct,
		TotalFee:      total,
		Net:           net,
		EffectiveRate: total.DivRound(gross, 4),
	}
}
