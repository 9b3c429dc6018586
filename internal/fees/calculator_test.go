package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/televip/televip-backend/pkg/config"
)

func newCalculator(t *testing.T) *Calculator {
	t.Helper()
	calc, err := NewCalculator(config.BillingConfig{
		FixedFee:       "0.99",
		PercentageRate: "0.0999",
	})
	require.NoError(t, err)
	return calc
}

func TestCalculateStandardAmount(t *testing.T) {
	calc := newCalculator(t)

	got := calc.Calculate(decimal.RequireFromString("100.00"))

	assert.Equal(t, "0.99", got.FixedFee.StringFixed(2))
	assert.Equal(t, "9.99", got.PercentageFee.StringFixed(2))
	assert.Equal(t, "10.98", got.TotalFee.StringFixed(2))
	assert.Equal(t, "89.02", got.Net.StringFixed(2))
	assert.Equal(t, "0.1098", got.EffectiveRate.StringFixed(4))
}

func TestCalculateRoundsHalfUp(t *testing.T) {
	calc := newCalculator(t)

	// 10.55 * 0.0999 = 1.054... -> 1.05; 33.35 * 0.0999 = 3.3317 -> 3.33
	got := calc.Calculate(decimal.RequireFromString("10.55"))
	assert.Equal(t, "1.05", got.PercentageFee.StringFixed(2))

	// 25.25 * 0.0999 = 2.522475 -> 2.52
	got = calc.Calculate(decimal.RequireFromString("25.25"))
	assert.Equal(t, "2.52", got.PercentageFee.StringFixed(2))

	// 9.96 * 0.0999 = 0.995004 -> 1.00 (.995 side rounds up at 2dp)
	got = calc.Calculate(decimal.RequireFromString("9.96"))
	assert.Equal(t, "1.00", got.PercentageFee.StringFixed(2))
}

func TestCalculateFeeSplitSumsToGross(t *testing.T) {
	calc := newCalculator(t)

	for _, raw := range []string{"0.01", "4.99", "9.99", "49.90", "100.00", "999.99"} {
		gross := decimal.RequireFromString(raw)
		got := calc.Calculate(gross)
		assert.True(t, got.TotalFee.Add(got.Net).Equal(gross),
			"fee %s + net %s != gross %s", got.TotalFee, got.Net, gross)
	}
}

func TestCalculateNonPositiveGross(t *testing.T) {
	calc := newCalculator(t)

	got := calc.Calculate(decimal.Zero)
	assert.True(t, got.TotalFee.IsZero())
	assert.True(t, got.Net.IsZero())
	assert.True(t, got.EffectiveRate.IsZero())

	got = calc.Calculate(decimal.RequireFromString("-5.00"))
	assert.True(t, got.TotalFee.IsZero())
	assert.True(t, got.Net.IsZero())
}

func TestCalculateSmallGrossMayNetNegative(t *testing.T) {
	calc := newCalculator(t)

	got := calc.Calculate(decimal.RequireFromString("0.50"))
	assert.True(t, got.Net.IsNegative())
	assert.Equal(t, "0.05", got.PercentageFee.StringFixed(2))
	assert.Equal(t, "-0.54", got.Net.StringFixed(2))
}

func TestNewCalculatorRejectsBadConfig(t *testing.T) {
	_, err := NewCalculator(config.BillingConfig{FixedFee: "abc", PercentageRate: "0.0999"})
	assert.Error(t, err)

	_, err = NewCalculator(config.BillingConfig{FixedFee: "0.99", PercentageRate: "1.5"})
	assert.Error(t, err)

	_, err = NewCalculator(config.BillingConfig{FixedFee: "-0.01", PercentageRate: "0.0999"})
	assert.Error(t, err)
}
