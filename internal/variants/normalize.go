// Package variants turns supplier variant lists into the canonical,
// deduplicated variant set of a product and resolves cart selections
// against it.
package variants

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/getpawsy/catalog/internal/catalog"
	"github.com/getpawsy/catalog/internal/feed"
)

// DefaultSuffix is appended to the product id for a synthesized variant.
const DefaultSuffix = "::default"

// MaxOptionValueLen bounds an option value in runes.
const MaxOptionValueLen = 50

var (
	garbageKey = regexp.MustCompile(`^(option|attribute|variant|property)\s*\d+$`)
	keySpaces  = regexp.MustCompile(`[\s_\-]+`)
	valSpaces  = regexp.MustCompile(`\s+`)
)

var optionAliases = map[string]string{
	"color":    catalog.OptionColor,
	"colour":   catalog.OptionColor,
	"colors":   catalog.OptionColor,
	"colours":  catalog.OptionColor,
	"size":     catalog.OptionSize,
	"sizes":    catalog.OptionSize,
	"type":     catalog.OptionType,
	"model":    catalog.OptionType,
	"kind":     catalog.OptionType,
	"material": catalog.OptionMaterial,
	"pattern":  catalog.OptionPattern,
	"style":    catalog.OptionStyle,
}

// Input is one product's variant data.
type Input struct {
	ProductID string
	SKU       string
	Price     decimal.Decimal
	Cost      *decimal.Decimal
	Image     string
	Raw       []feed.RawVariant
}

// Result is the normalized variant set.
type Result struct {
	Variants        []catalog.Variant
	HasRealVariants bool
	OptionsSchema   map[string][]string
	// Duplicates counts raw variants dropped by the option-tuple dedup.
	Duplicates int
}

// DefaultID returns the id of a product's synthesized variant.
func DefaultID(productID string) string {
	return productID + DefaultSuffix
}

// Normalize canonicalizes option names, drops duplicate option tuples with
// the first occurrence winning, and guarantees at least one variant.
func Normalize(in Input) Result {
	var (
		result   Result
		optioned []catalog.Variant
		plain    []catalog.Variant
		seen     = map[string]bool{}
		ids      = map[string]bool{}
	)
	for i, raw := range in.Raw {
		v := catalog.Variant{
			SKU:         strings.TrimSpace(raw.SKU),
			CJVariantID: strings.TrimSpace(raw.ID),
			Price:       in.Price,
			Options:     CanonicalOptions(raw.Options),
			Image:       strings.TrimSpace(raw.Image),
			Available:   true,
		}
		if raw.Cost > 0 {
			v.Cost = catalog.DecimalPtr(decimal.NewFromFloat(raw.Cost))
		} else if in.Cost != nil {
			v.Cost = catalog.DecimalPtr(*in.Cost)
		}
		if raw.Stock != nil {
			stock := *raw.Stock
			v.Stock = &stock
			v.Available = stock > 0
		}

		key := catalog.OptionKey(v.Options)
		if seen[key] {
			result.Duplicates++
			continue
		}
		seen[key] = true

		if len(v.Options) == 0 {
			plain = append(plain, v)
			continue
		}
		v.ID = variantID(in.ProductID, v, i, ids)
		optioned = append(optioned, v)
	}

	switch {
	case len(optioned) > 0:
		result.Variants = optioned
		result.HasRealVariants = true
		result.Duplicates += len(plain)
	case len(plain) > 0:
		// One optionless supplier variant is the product itself; keep its
		// linkage on the default variant.
		v := plain[0]
		v.ID = DefaultID(in.ProductID)
		v.IsDefault = true
		if v.Image == "" {
			v.Image = in.Image
		}
		if v.SKU == "" {
			v.SKU = in.SKU
		}
		result.Variants = []catalog.Variant{v}
	default:
		result.Variants = []catalog.Variant{Default(in)}
	}
	result.OptionsSchema = OptionsSchema(result.Variants)
	return result
}

// Default synthesizes the single variant of a product without usable
// supplier variants.
func Default(in Input) catalog.Variant {
	v := catalog.Variant{
		ID:        DefaultID(in.ProductID),
		SKU:       in.SKU,
		Price:     in.Price,
		Options:   map[string]string{},
		Image:     in.Image,
		Available: true,
		IsDefault: true,
	}
	if in.Cost != nil {
		v.Cost = catalog.DecimalPtr(*in.Cost)
	}
	return v
}

func variantID(productID string, v catalog.Variant, index int, taken map[string]bool) string {
	suffix := v.CJVariantID
	if suffix == "" {
		suffix = v.SKU
	}
	if suffix == "" || taken[suffix] {
		suffix = "v" + strconv.Itoa(index+1)
	}
	taken[suffix] = true
	return productID + "::" + suffix
}

// CanonicalOptions maps supplier attribute names onto the canonical option
// names. Unknown and numbered placeholder keys are discarded, as are empty
// or overlong values. The first non-empty value per canonical name wins.
func CanonicalOptions(raw map[string]string) map[string]string {
	out := map[string]string{}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, ok := CanonicalName(k)
		if !ok {
			continue
		}
		if _, exists := out[name]; exists {
			continue
		}
		value, ok := cleanValue(raw[k])
		if !ok {
			continue
		}
		out[name] = value
	}
	return out
}

// CanonicalName resolves a supplier attribute name.
func CanonicalName(key string) (string, bool) {
	k := strings.TrimSpace(keySpaces.ReplaceAllString(strings.ToLower(key), " "))
	if k == "" || garbageKey.MatchString(k) {
		return "", false
	}
	name, ok := optionAliases[k]
	return name, ok
}

func cleanValue(v string) (string, bool) {
	v = strings.TrimSpace(valSpaces.ReplaceAllString(v, " "))
	if v == "" || utf8.RuneCountInString(v) > MaxOptionValueLen {
		return "", false
	}
	return v, true
}

// OptionsSchema collects the sorted distinct values seen per option name.
// It returns nil when no variant carries options.
func OptionsSchema(variants []catalog.Variant) map[string][]string {
	sets := map[string]map[string]bool{}
	for _, v := range variants {
		for name, value := range v.Options {
			if sets[name] == nil {
				sets[name] = map[string]bool{}
			}
			sets[name][value] = true
		}
	}
	if len(sets) == 0 {
		return nil
	}
	schema := make(map[string][]string, len(sets))
	for name, set := range sets {
		values := make([]string, 0, len(set))
		for value := range set {
			values = append(values, value)
		}
		sort.Strings(values)
		schema[name] = values
	}
	return schema
}

// InheritImage returns a copy of variants where every variant without an
// image carries the product's primary image.
func InheritImage(variants []catalog.Variant, primary string) []catalog.Variant {
	out := make([]catalog.Variant, len(variants))
	copy(out, variants)
	for i := range out {
		if out[i].Image == "" {
			out[i].Image = primary
		}
	}
	return out
}

// ApplyInventory returns a copy of variants with supplier stock applied by
// supplier variant id. Stock at or below zero makes a variant unavailable.
func ApplyInventory(variants []catalog.Variant, stock map[string]int) []catalog.Variant {
	out := make([]catalog.Variant, len(variants))
	copy(out, variants)
	for i := range out {
		n, ok := stock[out[i].CJVariantID]
		if !ok || out[i].CJVariantID == "" {
			continue
		}
		out[i].Stock = &n
		out[i].Available = n > 0
	}
	return out
}
