package catalog

import (
	"encoding/json"
	"time"
)

// Merge returns next with supplier linkage ids carried over from prev where
// next lacks them. Neither argument is modified.
func Merge(prev, next Product) Product {
	out := Clone(next)
	if out.CJProductID == "" {
		out.CJProductID = prev.CJProductID
	}
	if out.CJSku == "" {
		out.CJSku = prev.CJSku
	}
	if out.Warehouse == "" {
		out.Warehouse = prev.Warehouse
	}
	if len(prev.Variants) == 0 {
		return out
	}
	byID := make(map[string]string, len(prev.Variants))
	bySKU := make(map[string]string, len(prev.Variants))
	for _, v := range prev.Variants {
		if v.CJVariantID == "" {
			continue
		}
		byID[v.ID] = v.CJVariantID
		if v.SKU != "" {
			bySKU[v.SKU] = v.CJVariantID
		}
	}
	for i := range out.Variants {
		v := &out.Variants[i]
		if v.CJVariantID != "" {
			continue
		}
		if id, ok := byID[v.ID]; ok {
			v.CJVariantID = id
		} else if id, ok := bySKU[v.SKU]; ok && v.SKU != "" {
			v.CJVariantID = id
		}
	}
	return out
}

// Reconcile merges next over the previously persisted version of the same
// product. createdAt is kept, and updatedAt only moves when content changed.
func Reconcile(prev *Product, next Product, now time.Time) Product {
	if prev == nil {
		out := Clone(next)
		out.CreatedAt = now
		out.UpdatedAt = now
		return out
	}
	out := Merge(*prev, next)
	out.CreatedAt = prev.CreatedAt
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	if SameContent(*prev, out) {
		out.UpdatedAt = prev.UpdatedAt
	} else {
		out.UpdatedAt = now
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = now
	}
	return out
}

// SameContent compares two products ignoring timestamps.
func SameContent(a, b Product) bool {
	a.CreatedAt, a.UpdatedAt = time.Time{}, time.Time{}
	b.CreatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(left) == string(right)
}

// Clone deep-copies a product so callers can modify the result freely.
func Clone(p Product) Product {
	out := p
	out.Images = cloneStrings(p.Images)
	out.Tags = cloneStrings(p.Tags)
	out.CompareAtPrice = cloneDecimal(p.CompareAtPrice)
	out.Cost = cloneDecimal(p.Cost)
	if p.OptionsSchema != nil {
		out.OptionsSchema = make(map[string][]string, len(p.OptionsSchema))
		for k, v := range p.OptionsSchema {
			out.OptionsSchema[k] = cloneStrings(v)
		}
	}
	if p.Variants != nil {
		out.Variants = make([]Variant, len(p.Variants))
		for i, v := range p.Variants {
			out.Variants[i] = cloneVariant(v)
		}
	}
	return out
}

func cloneVariant(v Variant) Variant {
	out := v
	out.CompareAtPrice = cloneDecimal(v.CompareAtPrice)
	out.Cost = cloneDecimal(v.Cost)
	if v.Stock != nil {
		stock := *v.Stock
		out.Stock = &stock
	}
	if v.Options != nil {
		out.Options = make(map[string]string, len(v.Options))
		for k, val := range v.Options {
			out.Options[k] = val
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
