package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/getpawsy/catalog/internal/catalog"
)

// Issue types reported by Validate.
const (
	IssueNonPositivePrice    = "non_positive_price"
	IssueFallbackPrice       = "fallback_price"
	IssueLowMargin           = "low_margin"
	IssueNegativeMargin      = "negative_margin"
	IssueCompareAtNotGreater = "compare_at_not_greater"
	IssuePriceDrift          = "price_drift"
)

// Issue is one policy violation.
type Issue struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PolicyResult is the re-validation outcome for one product.
type PolicyResult struct {
	ProductID          string           `json:"productId"`
	Valid              bool             `json:"valid"`
	Issues             []Issue          `json:"issues,omitempty"`
	Price              decimal.Decimal  `json:"price"`
	SuggestedPrice     *decimal.Decimal `json:"suggestedPrice,omitempty"`
	SuggestedCompareAt *decimal.Decimal `json:"suggestedCompareAt,omitempty"`
	Margin             decimal.Decimal  `json:"margin"`
}

// Validate checks a priced product against the policy.
func (p Policy) Validate(product catalog.Product) PolicyResult {
	res := PolicyResult{ProductID: product.ID, Price: product.Price}
	add := func(kind, format string, args ...any) {
		res.Issues = append(res.Issues, Issue{Type: kind, Message: fmt.Sprintf(format, args...)})
	}

	if !product.Price.IsPositive() {
		add(IssueNonPositivePrice, "price %s is not positive", product.Price.StringFixed(2))
	}
	if p.IsFallback(product.Price) {
		add(IssueFallbackPrice, "price %s equals a historical fallback price", product.Price.StringFixed(2))
	}
	if product.CompareAtPrice != nil && !product.CompareAtPrice.GreaterThan(product.Price) {
		add(IssueCompareAtNotGreater, "compare-at price %s does not exceed price %s",
			product.CompareAtPrice.StringFixed(2), product.Price.StringFixed(2))
	}

	if product.Cost != nil && product.Cost.IsPositive() {
		res.Margin = MarginPercent(product.Price, *product.Cost)
		switch {
		case product.Price.IsPositive() && product.Price.LessThan(*product.Cost):
			add(IssueNegativeMargin, "price %s is below cost %s", product.Price.StringFixed(2), product.Cost.StringFixed(2))
		case product.Price.IsPositive() && res.Margin.LessThan(p.MinMarginPercent):
			add(IssueLowMargin, "margin %s%% is below %s%%", res.Margin.StringFixed(2), p.MinMarginPercent.String())
		}

		suggested := p.Compute(*product.Cost, product.SubcategorySlug)
		if suggested.Error == "" {
			res.SuggestedPrice = &suggested.Price
			res.SuggestedCompareAt = copyDecimal(suggested.CompareAtPrice)
			if product.Price.IsPositive() {
				drift := product.Price.Sub(suggested.Price).Abs().Div(suggested.Price)
				if drift.GreaterThan(p.DriftTolerance) {
					add(IssuePriceDrift, "price %s drifts %s%% from suggested %s",
						product.Price.StringFixed(2), drift.Mul(hundred).StringFixed(1), suggested.Price.StringFixed(2))
				}
			}
		}
	}

	res.Valid = len(res.Issues) == 0
	return res
}

// Mode selects whether Enforce only reports or also corrects.
type Mode string

const (
	ModeDryRun Mode = "dry-run"
	ModeFix    Mode = "fix"
)

// Report summarizes an Enforce pass.
type Report struct {
	Mode         Mode           `json:"mode"`
	Checked      int            `json:"checked"`
	Invalid      int            `json:"invalid"`
	Fixed        int            `json:"fixed"`
	Unfixable    int            `json:"unfixable"`
	IssuesByType map[string]int `json:"issuesByType"`
	Results      []PolicyResult `json:"results,omitempty"`
}

// Enforce validates every sellable product. Blocked products are not
// checked. In fix mode invalid products with a known cost are repriced in
// the returned slice; the input products are not modified.
func (p Policy) Enforce(products []catalog.Product, mode Mode) ([]catalog.Product, Report) {
	report := Report{Mode: mode, IssuesByType: map[string]int{}}
	out := make([]catalog.Product, len(products))
	for i, product := range products {
		out[i] = product
		if product.BlockedReason != "" {
			continue
		}
		report.Checked++
		res := p.Validate(product)
		if res.Valid {
			continue
		}
		report.Invalid++
		for _, issue := range res.Issues {
			report.IssuesByType[issue.Type]++
		}
		report.Results = append(report.Results, res)

		if mode != ModeFix {
			continue
		}
		if res.SuggestedPrice == nil {
			report.Unfixable++
			continue
		}
		fixed, _ := p.PriceProduct(product)
		out[i] = fixed
		report.Fixed++
	}
	sort.SliceStable(report.Results, func(a, b int) bool {
		return report.Results[a].ProductID < report.Results[b].ProductID
	})
	return out, report
}
