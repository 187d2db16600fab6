package catalog

import "github.com/shopspring/decimal"

// Money rounds v to cents.
func Money(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// DecimalPtr returns a pointer to a cent-rounded copy of v.
func DecimalPtr(v decimal.Decimal) *decimal.Decimal {
	out := Money(v)
	return &out
}

func cloneDecimal(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
