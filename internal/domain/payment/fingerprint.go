// internal/domain/payment/fingerprint.go
package payment

import "github.com/shopspring/decimal"

// AmountPrecision is the number of decimal places every assigned amount is
// rounded to. It also defines the matching tolerance: one unit of this
// precision (1e-6 ETH).
const AmountPrecision = 6

// AssignAmount derives a member's unique payment amount from the cycle's
// base amount. The fingerprint is a 1-99 millionth offset taken from the
// low-order digits of the Telegram user ID, so amounts stay visually close
// to the intended fee while identifying the payer. Two users collide only
// when their last four digits are congruent mod 99.
func AssignAmount(base decimal.Decimal, userID int64) decimal.Decimal {
	if userID < 0 {
		userID = -userID
	}
	offset := decimal.New((userID%10000)%99+1, -AmountPrecision)
	return base.Add(offset).Round(AmountPrecision)
}

// ClampedBaseAmount converts a USD fee target into an ETH amount at the
// given spot price, clamped to the [usdFloor, usdCeiling] band so that a
// misconfigured target or a volatile conversion cannot push the collected
// fee grossly off what the group agreed to.
func ClampedBaseAmount(usdTarget, usdFloor, usdCeiling, ethPrice decimal.Decimal) decimal.Decimal {
	amount := usdTarget.Div(ethPrice)
	if floor := usdFloor.Div(ethPrice); amount.LessThan(floor) {
		amount = floor
	}
	if ceiling := usdCeiling.Div(ethPrice); amount.GreaterThan(ceiling) {
		amount = ceiling
	}
	return amount.Round(AmountPrecision)
}
