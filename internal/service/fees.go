package service

import "github.com/shopspring/decimal"

// FeePolicy computes the platform's cut of a gross amount. Policies must be
// pure; the engine clamps the result to [0, gross).
type FeePolicy func(gross decimal.Decimal) decimal.Decimal

// PercentPlusFixed is the standard card-style pricing: pct*gross + fixed,
// rounded to cents.
func PercentPlusFixed(pct, fixed decimal.Decimal) FeePolicy {
	return func(gross decimal.Decimal) decimal.Decimal {
		return gross.Mul(pct).Add(fixed).Round(2)
	}
}

// StandardChargeFee is the merchant charge pricing: 2.9% + $0.30.
var StandardChargeFee = PercentPlusFixed(
	decimal.RequireFromString("0.029"),
	decimal.RequireFromString("0.30"),
)

// ZeroFee applies to peer-to-peer movements.
func ZeroFee(decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}

// clampFee bounds a policy result so gross = fee + net always yields a
// positive net.
func clampFee(gross, fee decimal.Decimal) decimal.Decimal {
	if fee.IsNegative() {
		return decimal.Zero
	}
	if fee.GreaterThanOrEqual(gross) {
		return decimal.Zero
	}
	return fee
}
