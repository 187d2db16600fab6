package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/getpawsy/catalog/internal/catalog"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.True(t, d(want).Equal(got), append([]any{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

func TestRound(t *testing.T) {
	cases := map[string]string{
		"12.00":  "11.99",
		"12.99":  "12.99",
		"12.50":  "11.99",
		"0.40":   "0.99",
		"99.995": "99.99",
		"100.50": "99.99",
		"120.00": "119.95",
		"249.99": "249.95",
		"254.00": "250",
		"256.00": "260",
	}
	for in, want := range cases {
		requireDecimal(t, want, Round(d(in)), in)
	}
}

func TestStepUp(t *testing.T) {
	cases := map[string]string{
		"6":      "6.99",
		"6.995":  "7.99",
		"99.995": "100.95",
		"249.97": "250",
		"503":    "510",
	}
	for in, want := range cases {
		requireDecimal(t, want, StepUp(d(in)), in)
	}
}

func TestComputeCostFourToys(t *testing.T) {
	res := DefaultPolicy().Compute(d("4.00"), "toys")

	require.Empty(t, res.Error)
	requireDecimal(t, "3.0", res.Multiplier)
	requireDecimal(t, "11.99", res.Price)
	require.NotNil(t, res.CompareAtPrice)
	requireDecimal(t, "13.99", *res.CompareAtPrice)
	require.True(t, res.CompareAtPrice.GreaterThan(res.Price))
}

func TestComputeCategoryCap(t *testing.T) {
	p := DefaultPolicy()
	requireDecimal(t, "1.8", p.Multiplier(d("4"), "cages-habitats"))
	requireDecimal(t, "1.5", p.Multiplier(d("200"), "cages-habitats"), "cap only lowers")

	fixed := d("2.0")
	p.Categories["apparel"] = CategoryRule{Fixed: &fixed}
	requireDecimal(t, "2.0", p.Multiplier(d("4"), "apparel"))
}

func TestComputeInvalidCost(t *testing.T) {
	p := DefaultPolicy()
	for _, cost := range []string{"0", "-2"} {
		res := p.Compute(d(cost), "toys")
		require.Equal(t, ErrorInvalidCost, res.Error)
		require.True(t, res.Price.IsZero())
	}
}

func TestPricingLaw(t *testing.T) {
	p := DefaultPolicy()
	for cents := int64(25); cents <= 60000; cents += 137 {
		cost := decimal.New(cents, -2)
		for _, category := range []string{"toys", "cages-habitats", "beds"} {
			res := p.Compute(cost, category)
			require.Empty(t, res.Error)
			require.False(t, res.Price.LessThan(cost.Add(p.MinProfit)), "cost %s price %s", cost, res.Price)
			require.True(t, IsPricePoint(res.Price), "cost %s price %s", cost, res.Price)
			if res.CompareAtPrice != nil {
				require.True(t, res.CompareAtPrice.GreaterThan(res.Price))
				require.True(t, res.Price.LessThan(p.MaxPrice))
			}
		}
	}
}

func TestComputeMaxPriceDropsCompareAt(t *testing.T) {
	p := DefaultPolicy()
	res := p.Compute(d("400"), "toys")
	requireDecimal(t, "500", res.Price)
	require.Nil(t, res.CompareAtPrice)

	res = p.Compute(d("498"), "toys")
	requireDecimal(t, "510", res.Price, "profit floor beats the cap")
}

func TestNewPolicySettings(t *testing.T) {
	p, err := NewPolicy(Settings{MinProfit: "7", MaxPrice: "300", CompareAtUplift: "1.5", MinMargin: 40, FallbackPrices: []string{"9.99"}})
	require.NoError(t, err)
	requireDecimal(t, "7", p.MinProfit)
	requireDecimal(t, "40", p.MinMarginPercent)
	require.True(t, p.IsFallback(d("9.99")))
	require.False(t, p.IsFallback(d("5.00")))

	_, err = NewPolicy(Settings{MinProfit: "lots"})
	require.Error(t, err)
}

func pricedProduct(id, price, cost string) catalog.Product {
	p := catalog.Product{ID: id, Price: d(price), SubcategorySlug: "toys"}
	if cost != "" {
		p.Cost = catalog.DecimalPtr(d(cost))
	}
	p.Variants = []catalog.Variant{{ID: id + "::default", Price: d(price), Cost: p.Cost, Options: map[string]string{}, IsDefault: true}}
	return p
}

func issueTypes(res PolicyResult) []string {
	out := make([]string, 0, len(res.Issues))
	for _, i := range res.Issues {
		out = append(out, i.Type)
	}
	return out
}

func TestValidateIssues(t *testing.T) {
	p := DefaultPolicy()

	ok := p.Validate(pricedProduct("a", "11.99", "4"))
	require.True(t, ok.Valid, ok.Issues)
	requireDecimal(t, "66.64", ok.Margin)

	fallback := p.Validate(pricedProduct("b", "15.00", ""))
	require.Equal(t, []string{IssueFallbackPrice}, issueTypes(fallback))
	require.Nil(t, fallback.SuggestedPrice)

	zero := p.Validate(pricedProduct("c", "0", "4"))
	require.Contains(t, issueTypes(zero), IssueNonPositivePrice)

	negative := p.Validate(pricedProduct("d", "3.99", "4"))
	require.Contains(t, issueTypes(negative), IssueNegativeMargin)
	require.Contains(t, issueTypes(negative), IssuePriceDrift)

	low := p.Validate(pricedProduct("e", "10.99", "9"))
	require.Contains(t, issueTypes(low), IssueLowMargin)

	withCompare := pricedProduct("f", "11.99", "4")
	withCompare.CompareAtPrice = catalog.DecimalPtr(d("11.99"))
	require.Equal(t, []string{IssueCompareAtNotGreater}, issueTypes(p.Validate(withCompare)))
}

func TestEnforceDryRunAndFix(t *testing.T) {
	p := DefaultPolicy()
	blocked := pricedProduct("z", "0", "")
	blocked.BlockedReason = "unpriced"
	products := []catalog.Product{
		pricedProduct("b", "5.00", "4"),
		pricedProduct("a", "11.99", "4"),
		pricedProduct("c", "15.00", ""),
		blocked,
	}

	same, report := p.Enforce(products, ModeDryRun)
	require.Equal(t, 3, report.Checked)
	require.Equal(t, 2, report.Invalid)
	require.Zero(t, report.Fixed)
	require.Equal(t, "b", report.Results[0].ProductID)
	require.Equal(t, 2, report.IssuesByType[IssueFallbackPrice])
	requireDecimal(t, "5.00", same[0].Price)

	fixed, report := p.Enforce(products, ModeFix)
	require.Equal(t, 1, report.Fixed)
	require.Equal(t, 1, report.Unfixable)
	requireDecimal(t, "11.99", fixed[0].Price)
	requireDecimal(t, "11.99", fixed[0].Variants[0].Price)
	requireDecimal(t, "13.99", *fixed[0].CompareAtPrice)
	requireDecimal(t, "5.00", products[0].Price, "input untouched")
}
