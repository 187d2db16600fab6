// Package pricing computes retail prices from supplier cost and checks
// existing catalog prices against the same policy.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/getpawsy/catalog/internal/catalog"
)

// ErrorInvalidCost marks a Result computed from a missing or non-positive
// cost.
const ErrorInvalidCost = "invalid_cost"

// Bracket applies Multiplier to costs below Below. A zero Below is open
// ended.
type Bracket struct {
	Below      decimal.Decimal
	Multiplier decimal.Decimal
}

// CategoryRule adjusts the bracket multiplier for a subcategory. Fixed wins
// over Cap.
type CategoryRule struct {
	Cap   *decimal.Decimal
	Fixed *decimal.Decimal
}

// Policy is the complete pricing configuration.
type Policy struct {
	Brackets         []Bracket
	Categories       map[string]CategoryRule
	MinProfit        decimal.Decimal
	MaxPrice         decimal.Decimal
	CompareAtUplift  decimal.Decimal
	MinMarginPercent decimal.Decimal
	FallbackPrices   []decimal.Decimal
	DriftTolerance   decimal.Decimal
}

// Settings is the string form of the tunable policy values.
type Settings struct {
	MinProfit       string
	MaxPrice        string
	CompareAtUplift string
	MinMargin       float64
	FallbackPrices  []string
}

// Result is the outcome of Compute. Error is set instead of a price when the
// cost is unusable.
type Result struct {
	Price          decimal.Decimal
	CompareAtPrice *decimal.Decimal
	Multiplier     decimal.Decimal
	MarginPercent  decimal.Decimal
	Error          string
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// DefaultPolicy returns the built-in bracket table and category rules.
func DefaultPolicy() Policy {
	return Policy{
		Brackets: []Bracket{
			{Below: dec("10"), Multiplier: dec("3.0")},
			{Below: dec("30"), Multiplier: dec("2.5")},
			{Below: dec("80"), Multiplier: dec("2.0")},
			{Below: dec("150"), Multiplier: dec("1.8")},
			{Multiplier: dec("1.5")},
		},
		Categories: map[string]CategoryRule{
			"cages-habitats": {Cap: decPtr("1.8")},
			"scratchers":     {Cap: decPtr("2.2")},
			"beds":           {Cap: decPtr("2.2")},
		},
		MinProfit:        dec("5.00"),
		MaxPrice:         dec("500"),
		CompareAtUplift:  dec("1.25"),
		MinMarginPercent: dec("30"),
		FallbackPrices:   []decimal.Decimal{dec("5.00"), dec("15.00")},
		DriftTolerance:   dec("0.15"),
	}
}

// NewPolicy overlays Settings on DefaultPolicy. Empty strings keep defaults.
func NewPolicy(s Settings) (Policy, error) {
	p := DefaultPolicy()
	parse := func(name, raw string, dst *decimal.Decimal) error {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("pricing: %s: %w", name, err)
		}
		*dst = v
		return nil
	}
	if err := parse("min profit", s.MinProfit, &p.MinProfit); err != nil {
		return Policy{}, err
	}
	if err := parse("max price", s.MaxPrice, &p.MaxPrice); err != nil {
		return Policy{}, err
	}
	if err := parse("compare-at uplift", s.CompareAtUplift, &p.CompareAtUplift); err != nil {
		return Policy{}, err
	}
	if s.MinMargin > 0 {
		p.MinMarginPercent = decimal.NewFromFloat(s.MinMargin)
	}
	if len(s.FallbackPrices) > 0 {
		p.FallbackPrices = p.FallbackPrices[:0:0]
		for _, raw := range s.FallbackPrices {
			var v decimal.Decimal
			if err := parse("fallback price", raw, &v); err != nil {
				return Policy{}, err
			}
			if !v.IsZero() {
				p.FallbackPrices = append(p.FallbackPrices, v)
			}
		}
	}
	return p, nil
}

// Multiplier returns the bracket multiplier for cost adjusted by the
// category rule.
func (p Policy) Multiplier(cost decimal.Decimal, category string) decimal.Decimal {
	m := decimal.NewFromInt(1)
	for _, b := range p.Brackets {
		if b.Below.IsZero() || cost.LessThan(b.Below) {
			m = b.Multiplier
			break
		}
	}
	if rule, ok := p.Categories[category]; ok {
		switch {
		case rule.Fixed != nil:
			m = *rule.Fixed
		case rule.Cap != nil && m.GreaterThan(*rule.Cap):
			m = *rule.Cap
		}
	}
	return m
}

// Compute prices one unit of cost. The result always clears the profit
// floor and sits on a rounding point.
func (p Policy) Compute(cost decimal.Decimal, category string) Result {
	if !cost.IsPositive() {
		return Result{Error: ErrorInvalidCost}
	}
	m := p.Multiplier(cost, category)
	floor := cost.Add(p.MinProfit)

	raw := cost.Mul(m)
	if raw.LessThan(floor) {
		raw = floor
	}
	price := Round(raw)
	if price.LessThan(floor) {
		price = StepUp(floor)
	}
	if p.MaxPrice.IsPositive() && price.GreaterThan(p.MaxPrice) {
		price = Round(p.MaxPrice)
		if price.LessThan(floor) {
			price = StepUp(floor)
		}
	}

	res := Result{
		Price:         price,
		Multiplier:    m,
		MarginPercent: MarginPercent(price, cost),
	}
	if p.MaxPrice.IsPositive() && !price.LessThan(p.MaxPrice) {
		return res
	}
	if compare := Round(price.Mul(p.CompareAtUplift)); compare.GreaterThan(price) {
		res.CompareAtPrice = &compare
	}
	return res
}

// MarginPercent is (price-cost)/price as a percentage with two decimals.
func MarginPercent(price, cost decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(cost).Div(price).Mul(hundred).Round(2)
}

// PriceProduct returns a copy of product priced from its cost, with every
// variant priced from its own cost or the product's.
func (p Policy) PriceProduct(product catalog.Product) (catalog.Product, Result) {
	out := catalog.Clone(product)
	if out.Cost == nil {
		return out, Result{Error: ErrorInvalidCost}
	}
	res := p.Compute(*out.Cost, out.SubcategorySlug)
	if res.Error != "" {
		return out, res
	}
	out.Price = res.Price
	out.CompareAtPrice = copyDecimal(res.CompareAtPrice)
	for i := range out.Variants {
		v := &out.Variants[i]
		vr := res
		if v.Cost != nil && v.Cost.IsPositive() && !v.Cost.Equal(*out.Cost) {
			vr = p.Compute(*v.Cost, out.SubcategorySlug)
		}
		v.Price = vr.Price
		v.CompareAtPrice = copyDecimal(vr.CompareAtPrice)
	}
	return out, res
}

// IsFallback reports whether price equals a known historical fallback.
func (p Policy) IsFallback(price decimal.Decimal) bool {
	for _, f := range p.FallbackPrices {
		if price.Equal(f) {
			return true
		}
	}
	return false
}

func copyDecimal(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
