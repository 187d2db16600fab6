package pricing

import "github.com/shopspring/decimal"

var (
	cents99   = decimal.RequireFromString("0.99")
	cents95   = decimal.RequireFromString("0.95")
	ten       = decimal.NewFromInt(10)
	hundred   = decimal.NewFromInt(100)
	twoFifty  = decimal.NewFromInt(250)
	topOf99   = decimal.RequireFromString("99.99")
	bottom95  = decimal.RequireFromString("100.95")
	topOf95   = decimal.RequireFromString("249.95")
	lowestNet = cents99
)

// Round applies psychological price points: under 100 the largest N.99 not
// above price, from 100 to 250 the largest N.95 not above price, and from
// 250 up the nearest multiple of ten.
func Round(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.LessThan(hundred):
		v := price.Sub(cents99).Floor().Add(cents99)
		if v.LessThan(lowestNet) {
			return lowestNet
		}
		return v
	case price.LessThan(twoFifty):
		v := price.Sub(cents95).Floor().Add(cents95)
		if v.LessThan(hundred) {
			return topOf99
		}
		return v
	default:
		return price.Div(ten).Round(0).Mul(ten)
	}
}

// StepUp returns the smallest price point that is at least floor.
func StepUp(floor decimal.Decimal) decimal.Decimal {
	if !floor.GreaterThan(topOf99) {
		v := floor.Floor().Add(cents99)
		if v.LessThan(floor) {
			v = v.Add(decimal.NewFromInt(1))
		}
		if v.LessThan(lowestNet) {
			return lowestNet
		}
		if !v.GreaterThan(topOf99) {
			return v
		}
	}
	if !floor.GreaterThan(topOf95) {
		v := floor.Floor().Add(cents95)
		if v.LessThan(floor) {
			v = v.Add(decimal.NewFromInt(1))
		}
		if v.LessThan(bottom95) {
			v = bottom95
		}
		if !v.GreaterThan(topOf95) {
			return v
		}
	}
	v := floor.Div(ten).Ceil().Mul(ten)
	if v.LessThan(twoFifty) {
		return twoFifty
	}
	return v
}

// IsPricePoint reports whether price already sits on a rounding point for
// its band.
func IsPricePoint(price decimal.Decimal) bool {
	frac := price.Sub(price.Floor())
	switch {
	case price.LessThan(hundred):
		return frac.Equal(cents99)
	case price.LessThan(twoFifty):
		return frac.Equal(cents95)
	default:
		return price.Mod(ten).IsZero()
	}
}
