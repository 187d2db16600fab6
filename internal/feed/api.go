package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cast"
)

// MapAPI maps a supplier product-detail payload. The boolean is false when
// the payload carries no product id.
func MapAPI(obj map[string]any) (Record, bool) {
	productID := apiString(obj, "pid", "productId", "id")
	sku := apiString(obj, "productSku", "sku")
	if productID == "" {
		productID = sku
	}
	if productID == "" {
		return Record{}, false
	}
	rec := Record{
		Source:      SourceAPI,
		ProductID:   productID,
		SKU:         sku,
		Title:       firstListValue(apiString(obj, "productNameEn", "productName", "name", "title")),
		Description: apiString(obj, "description", "productDescription"),
		Category:    apiString(obj, "categoryName", "category"),
		Warehouse:   apiString(obj, "warehouse", "shipFrom", "countryCode"),
		Cost:        ParseCost(apiString(obj, "sellPrice", "price")),
		Thumbnail:   apiString(obj, "thumbnail", "bigImage"),
		Fields:      map[string]string{},
	}
	rec.Images = SplitList(apiString(obj, "productImage", "image"))
	for _, img := range cast.ToStringSlice(obj["productImageSet"]) {
		rec.Images = append(rec.Images, strings.TrimSpace(img))
	}
	if tags := obj["tags"]; tags != nil {
		if list, err := cast.ToStringSliceE(tags); err == nil {
			rec.Tags = list
		} else {
			rec.Tags = SplitList(cast.ToString(tags))
		}
	}
	keys := splitVariantKey(apiString(obj, "productKeyEn", "productKey"))
	for _, item := range cast.ToSlice(firstPresent(obj, "variants", "variantList")) {
		raw, err := cast.ToStringMapE(item)
		if err != nil {
			continue
		}
		rec.Variants = append(rec.Variants, mapAPIVariant(raw, keys))
	}
	for k, v := range obj {
		if s, err := cast.ToStringE(v); err == nil {
			rec.Fields[NormalizeHeader(k)] = s
		}
	}
	return rec, true
}

func mapAPIVariant(raw map[string]any, keys []string) RawVariant {
	v := RawVariant{
		ID:      apiString(raw, "vid", "variantId", "id"),
		SKU:     apiString(raw, "variantSku", "sku"),
		Name:    apiString(raw, "variantNameEn", "variantName"),
		Cost:    ParseCost(apiString(raw, "variantSellPrice", "sellPrice", "price")),
		Image:   apiString(raw, "variantImage", "variantImg", "image"),
		Options: map[string]string{},
	}
	values := splitVariantKey(apiString(raw, "variantKey"))
	switch {
	case len(keys) > 0 && len(keys) == len(values):
		for i, key := range keys {
			v.Options[key] = values[i]
		}
	case len(keys) == 1 && len(values) > 0:
		v.Options[keys[0]] = strings.Join(values, "-")
	}
	if stock, ok := raw["inventoryNum"]; ok {
		if n, err := cast.ToIntE(stock); err == nil {
			v.Stock = &n
		}
	}
	return v
}

// ReadJSON maps a saved API dump: either an array of product objects or a
// response envelope with the list under data.list, data.content or data.
func ReadJSON(r io.Reader) (MapResult, error) {
	var doc any
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return MapResult{}, fmt.Errorf("feed: decode json: %w", err)
	}
	items := payloadItems(doc)
	var result MapResult
	var records []Record
	for i, item := range items {
		result.Rows++
		obj, err := cast.ToStringMapE(item)
		if err != nil {
			result.drop(i + 1)
			continue
		}
		rec, ok := MapAPI(obj)
		if !ok {
			result.drop(i + 1)
			continue
		}
		rec.Line = i + 1
		records = append(records, rec)
	}
	result.Records = records
	return result, nil
}

func payloadItems(doc any) []any {
	switch v := doc.(type) {
	case []any:
		return v
	case map[string]any:
		if data, ok := v["data"]; ok {
			if list, ok := data.([]any); ok {
				return list
			}
			if inner, ok := data.(map[string]any); ok {
				for _, key := range []string{"list", "content", "products"} {
					if list, ok := inner[key].([]any); ok {
						return list
					}
				}
				return []any{inner}
			}
		}
		if list, ok := v["products"].([]any); ok {
			return list
		}
		return []any{v}
	}
	return nil
}

func apiString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := obj[key]
		if !ok || value == nil {
			continue
		}
		if s := strings.TrimSpace(cast.ToString(value)); s != "" {
			return s
		}
	}
	return ""
}

func firstPresent(obj map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := obj[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// firstListValue unwraps names the supplier sends as a JSON array string.
func firstListValue(s string) string {
	if !strings.HasPrefix(s, "[") {
		return s
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil || len(list) == 0 {
		return s
	}
	return strings.TrimSpace(list[0])
}

func splitVariantKey(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "-")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
