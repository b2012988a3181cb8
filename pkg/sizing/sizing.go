// Package sizing converts available balance into an order quantity using a
// fixed risk fraction. Fixed-fraction sizing bounds the loss per signal
// without needing volatility or leverage models.
package sizing

import "github.com/shopspring/decimal"

// QuantityScale is the number of decimals quantities are floored to.
const QuantityScale = 4

var (
	// DefaultRisk is the fraction of the available balance used per trade.
	DefaultRisk = decimal.NewFromFloat(0.05)

	// Dust is the minimum tradable quantity. Anything below it is not
	// worth placing.
	Dust = decimal.RequireFromString("0.00001")
)

// Quantity returns floor((balance * risk) / price, 4 decimals). A zero
// result means "do not trade": it is returned when the balance is unknown
// or non-positive, or when the price is non-positive.
func Quantity(balance, price, risk decimal.Decimal) decimal.Decimal {
	if balance.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return balance.Mul(risk).Div(price).RoundDown(QuantityScale)
}

// Tradable reports whether the quantity clears the dust threshold.
func Tradable(quantity decimal.Decimal) bool {
	return quantity.GreaterThanOrEqual(Dust)
}
