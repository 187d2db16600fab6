package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/getpawsy/catalog/internal/catalog"
	"github.com/getpawsy/catalog/internal/classify"
	"github.com/getpawsy/catalog/internal/images"
	"github.com/getpawsy/catalog/internal/pricing"
)

const (
	auditSampleSize = 20
	// fallbackShareLimit flags a fallback price covering more than this
	// share of priced products.
	fallbackShareLimit = 0.10
)

// Report is the machine-readable audit of a catalog.
type Report struct {
	GeneratedAt     time.Time           `json:"generatedAt"`
	ContentID       string              `json:"contentId"`
	Totals          catalog.Stats       `json:"totals"`
	BlockedReasons  map[string]int      `json:"blockedReasons"`
	Subcategories   map[string]int      `json:"subcategories"`
	Contamination   Contamination       `json:"contamination"`
	SupplierMapping SupplierMapping     `json:"supplierMapping"`
	Images          ImageCoverage       `json:"images"`
	PriceHistogram  []PriceBucket       `json:"priceHistogram"`
	FallbackPrice   *FallbackPrice      `json:"fallbackPrice,omitempty"`
	PricingIssues   map[string]int      `json:"pricingIssues"`
	Violations      []catalog.Violation `json:"violations,omitempty"`
}

// Contamination lists small-pet products whose title names a dog or cat.
type Contamination struct {
	Count  int      `json:"count"`
	Sample []string `json:"sample,omitempty"`
}

// SupplierMapping measures how much of the catalog can be fulfilled.
type SupplierMapping struct {
	Products        int      `json:"products"`
	ProductsMapped  int      `json:"productsMapped"`
	ProductsPercent float64  `json:"productsPercent"`
	Variants        int      `json:"variants"`
	VariantsMapped  int      `json:"variantsMapped"`
	VariantsPercent float64  `json:"variantsPercent"`
	MissingSample   []string `json:"missingSample,omitempty"`
}

// ImageCoverage counts products by image state.
type ImageCoverage struct {
	WithImages    int `json:"withImages"`
	WithoutImages int `json:"withoutImages"`
	LocalPrimary  int `json:"localPrimary"`
	RemotePrimary int `json:"remotePrimary"`
}

// PriceBucket is one histogram bar. Max is exclusive; a nil Max is open.
type PriceBucket struct {
	Min   decimal.Decimal  `json:"min"`
	Max   *decimal.Decimal `json:"max,omitempty"`
	Count int              `json:"count"`
}

// FallbackPrice reports the most common historical fallback price.
type FallbackPrice struct {
	Price   decimal.Decimal `json:"price"`
	Count   int             `json:"count"`
	Share   float64         `json:"share"`
	Flagged bool            `json:"flagged"`
}

var histogramEdges = []string{"0", "10", "25", "50", "100", "250"}

// Findings reports whether the audit found problems an operator must act on.
func (r Report) Findings() bool {
	return r.Contamination.Count > 0 ||
		(r.FallbackPrice != nil && r.FallbackPrice.Flagged) ||
		len(r.Violations) > 0
}

// Audit computes the report for cat. The classifier supplies the
// contamination rule and allowed subcategories.
func Audit(cat *catalog.Catalog, classifier *classify.Classifier, policy pricing.Policy, now time.Time) Report {
	if classifier == nil {
		classifier = classify.Default()
	}
	products := cat.Products
	report := Report{
		GeneratedAt:    now.UTC(),
		ContentID:      cat.BuildInfo.ContentID,
		Totals:         catalog.ComputeStats(products),
		BlockedReasons: map[string]int{},
		Subcategories:  map[string]int{},
		PricingIssues:  map[string]int{},
		PriceHistogram: newHistogram(),
	}

	fallbackCounts := map[string]int{}
	priced := 0
	for _, p := range products {
		if p.BlockedReason != "" {
			report.BlockedReasons[p.BlockedReason]++
		}
		report.Subcategories[p.MainCategorySlug+"/"+p.SubcategorySlug]++

		if p.MainCategorySlug == catalog.MainSmallPets && classifier.Contaminated(p.Title) {
			report.Contamination.Count++
			report.Contamination.Sample = appendSample(report.Contamination.Sample, p.ID)
		}

		report.SupplierMapping.Products++
		if p.CJProductID != "" {
			report.SupplierMapping.ProductsMapped++
		} else {
			report.SupplierMapping.MissingSample = appendSample(report.SupplierMapping.MissingSample, p.ID)
		}
		for _, v := range p.Variants {
			report.SupplierMapping.Variants++
			if v.CJVariantID != "" || (v.IsDefault && p.CJProductID != "") {
				report.SupplierMapping.VariantsMapped++
			}
		}

		switch primary := p.PrimaryImage(); {
		case primary == "":
			report.Images.WithoutImages++
		case images.IsRemote(primary):
			report.Images.WithImages++
			report.Images.RemotePrimary++
		default:
			report.Images.WithImages++
			report.Images.LocalPrimary++
		}

		if p.BlockedReason == "" && p.Price.IsPositive() {
			priced++
			report.addToHistogram(p.Price)
			if policy.IsFallback(p.Price) {
				fallbackCounts[p.Price.StringFixed(2)]++
			}
		}
	}
	report.SupplierMapping.ProductsPercent = percent(report.SupplierMapping.ProductsMapped, report.SupplierMapping.Products)
	report.SupplierMapping.VariantsPercent = percent(report.SupplierMapping.VariantsMapped, report.SupplierMapping.Variants)
	report.FallbackPrice = topFallback(fallbackCounts, priced)

	_, enforce := policy.Enforce(products, pricing.ModeDryRun)
	for kind, n := range enforce.IssuesByType {
		report.PricingIssues[kind] = n
	}

	violations, _ := catalog.Validate(cat, catalog.ValidateOptions{SubcategoryAllowed: classifier.SubcategoryAllowed})
	report.Violations = violations
	return report
}

func newHistogram() []PriceBucket {
	buckets := make([]PriceBucket, len(histogramEdges))
	for i, edge := range histogramEdges {
		buckets[i].Min = decimal.RequireFromString(edge)
		if i+1 < len(histogramEdges) {
			upper := decimal.RequireFromString(histogramEdges[i+1])
			buckets[i].Max = &upper
		}
	}
	return buckets
}

func (r *Report) addToHistogram(price decimal.Decimal) {
	for i := range r.PriceHistogram {
		b := &r.PriceHistogram[i]
		if price.GreaterThanOrEqual(b.Min) && (b.Max == nil || price.LessThan(*b.Max)) {
			b.Count++
			return
		}
	}
}

func topFallback(counts map[string]int, priced int) *FallbackPrice {
	if len(counts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	top := keys[0]
	share := float64(counts[top]) / float64(priced)
	return &FallbackPrice{
		Price:   decimal.RequireFromString(top),
		Count:   counts[top],
		Share:   roundShare(share),
		Flagged: share > fallbackShareLimit,
	}
}

func appendSample(sample []string, id string) []string {
	if len(sample) >= auditSampleSize {
		return sample
	}
	return append(sample, id)
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return roundShare(float64(part) / float64(total) * 100)
}

func roundShare(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// WriteReport persists the report as indented JSON through the atomic
// writer.
func WriteReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: encode audit: %w", err)
	}
	data = append(data, '\n')
	if err := catalog.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("pipeline: write audit: %w", err)
	}
	return nil
}
