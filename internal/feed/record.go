// Package feed maps supplier spreadsheet rows and API payloads into loosely
// typed records for the downstream pipeline stages.
package feed

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// ErrSourceMissing is returned when a feed file does not exist.
var ErrSourceMissing = errors.New("feed: source file missing")

// Source identifies where a record came from.
type Source string

const (
	SourceCSV  Source = "csv"
	SourceXLSX Source = "xlsx"
	SourceAPI  Source = "api"
)

// maxDroppedSamples bounds the dropped-line sample kept in a MapResult.
const maxDroppedSamples = 20

// MaxSpecPairs bounds the specification name/value pairs read per row.
const MaxSpecPairs = 10

// Record is one supplier product as seen in the feed. Nothing in it is
// trusted; downstream stages validate every field.
type Record struct {
	Source        Source
	Line          int
	ProductID     string
	SKU           string
	Title         string
	Description   string
	Category      string
	Tags          []string
	Warehouse     string
	Cost          float64
	ResolvedImage string
	Images        []string
	Thumbnail     string
	Variants      []RawVariant
	Fields        map[string]string
}

// RawVariant is a supplier variant before normalization. Options keep the
// supplier's own attribute names.
type RawVariant struct {
	ID      string
	SKU     string
	Name    string
	Cost    float64
	Image   string
	Options map[string]string
	Stock   *int
}

// MapResult aggregates the outcome of mapping one source.
type MapResult struct {
	Records      []Record
	Rows         int
	Dropped      int
	DroppedLines []int
}

func (r *MapResult) drop(line int) {
	r.Dropped++
	if len(r.DroppedLines) < maxDroppedSamples {
		r.DroppedLines = append(r.DroppedLines, line)
	}
}

// Add merges another result into r.
func (r *MapResult) Add(other MapResult) {
	r.Records = append(r.Records, other.Records...)
	r.Rows += other.Rows
	r.Dropped += other.Dropped
	for _, line := range other.DroppedLines {
		if len(r.DroppedLines) >= maxDroppedSamples {
			break
		}
		r.DroppedLines = append(r.DroppedLines, line)
	}
}

// FieldChain is an ordered list of normalized column names; the first
// non-empty value wins.
type FieldChain []string

// First returns the first non-empty value in fields following the chain order.
func (c FieldChain) First(fields map[string]string) string {
	for _, key := range c {
		if v := strings.TrimSpace(fields[key]); v != "" {
			return v
		}
	}
	return ""
}

// Column name chains, highest priority first.
var (
	IDFields          = FieldChain{"spu", "pid", "product id", "productid", "parent sku", "id"}
	SKUFields         = FieldChain{"sku", "product sku", "productsku", "variant sku", "variantsku", "cj sku"}
	TitleFields       = FieldChain{"product name", "productnameen", "product name en", "title", "product title", "name", "productname"}
	DescriptionFields = FieldChain{"description", "product description", "desc", "details"}
	CategoryFields    = FieldChain{"category", "category name", "categoryname", "product category", "categories"}
	TagFields         = FieldChain{"tags", "keywords", "tag"}
	WarehouseFields   = FieldChain{"warehouse", "ship from", "ships from", "shipfrom", "warehouse code", "origin"}
	CostFields        = FieldChain{"sell price", "sellprice", "cost", "supplier price", "product price", "price", "variant sell price", "variantsellprice"}
	ImageFields       = FieldChain{"images", "image urls", "image url", "product image", "productimage", "image", "main image"}
	ThumbnailFields   = FieldChain{"thumbnail", "thumb", "thumbnail url"}
	ResolvedFields    = FieldChain{"resolved image", "primary image"}
	VariantIDFields   = FieldChain{"vid", "variant id", "variantid"}
	VariantNameFields = FieldChain{"variant name", "variantname", "variantnameen", "variant", "variantkey"}
	VariantImgFields  = FieldChain{"variant image", "variantimage", "sku image", "variant img"}
	StockFields       = FieldChain{"stock", "inventory", "quantity", "qty"}
)

// Direct option columns some exports carry instead of spec pairs.
var optionColumns = []string{"color", "colour", "size", "type", "material", "pattern", "style"}

var (
	headerSeparators = regexp.MustCompile(`[\s_\-]+`)
	numberedImage    = regexp.MustCompile(`^(?:image|img|picture|photo)\s*(\d+)$`)
	specNumFirst     = regexp.MustCompile(`^(?:specification|spec|attribute|property|option)\s*(\d+)\s*(name|value)$`)
	specNameFirst    = regexp.MustCompile(`^(?:specification|spec|attribute|property|option)\s*(name|value)\s*(\d+)$`)
	listSeparators   = regexp.MustCompile(`[,;\n|]+`)
	numberPattern    = regexp.MustCompile(`-?\d[\d.,]*`)
)

// NormalizeHeader lower-cases a column name and folds separators to spaces.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimSpace(headerSeparators.ReplaceAllString(h, " "))
}

// MapRow maps one spreadsheet row keyed by normalized header. The boolean is
// false when the row carries no identifying key.
func MapRow(fields map[string]string, source Source, line int) (Record, bool) {
	productID := IDFields.First(fields)
	sku := SKUFields.First(fields)
	if productID == "" {
		productID = sku
	}
	if productID == "" {
		return Record{}, false
	}
	rec := Record{
		Source:        source,
		Line:          line,
		ProductID:     productID,
		SKU:           sku,
		Title:         TitleFields.First(fields),
		Description:   DescriptionFields.First(fields),
		Category:      CategoryFields.First(fields),
		Tags:          SplitList(TagFields.First(fields)),
		Warehouse:     WarehouseFields.First(fields),
		Cost:          ParseCost(CostFields.First(fields)),
		ResolvedImage: ResolvedFields.First(fields),
		Images:        collectImages(fields),
		Thumbnail:     ThumbnailFields.First(fields),
		Fields:        fields,
	}
	if v, ok := rowVariant(fields, sku); ok {
		rec.Variants = []RawVariant{v}
	}
	return rec, true
}

func collectImages(fields map[string]string) []string {
	images := SplitList(ImageFields.First(fields))
	type numbered struct {
		n   int
		url string
	}
	var extra []numbered
	for key, value := range fields {
		m := numberedImage.FindStringSubmatch(key)
		if m == nil || strings.TrimSpace(value) == "" {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		extra = append(extra, numbered{n: n, url: strings.TrimSpace(value)})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].n < extra[j].n })
	for _, e := range extra {
		images = append(images, e.url)
	}
	return images
}

func rowVariant(fields map[string]string, sku string) (RawVariant, bool) {
	options := SpecPairs(fields)
	for _, col := range optionColumns {
		if v := strings.TrimSpace(fields[col]); v != "" {
			if _, exists := options[col]; !exists {
				options[col] = v
			}
		}
	}
	v := RawVariant{
		ID:      VariantIDFields.First(fields),
		SKU:     sku,
		Name:    VariantNameFields.First(fields),
		Cost:    ParseCost(CostFields.First(fields)),
		Image:   VariantImgFields.First(fields),
		Options: options,
	}
	if raw := StockFields.First(fields); raw != "" {
		if n, err := cast.ToIntE(strings.TrimSpace(raw)); err == nil {
			v.Stock = &n
		}
	}
	if v.ID == "" && v.SKU == "" && len(v.Options) == 0 {
		return RawVariant{}, false
	}
	return v, true
}

// SpecPairs extracts numbered specification name/value column pairs such as
// "Specification 1 Name" / "Specification 1 Value".
func SpecPairs(fields map[string]string) map[string]string {
	names := map[int]string{}
	values := map[int]string{}
	for key, value := range fields {
		var idx int
		var kind string
		if m := specNumFirst.FindStringSubmatch(key); m != nil {
			idx, _ = strconv.Atoi(m[1])
			kind = m[2]
		} else if m := specNameFirst.FindStringSubmatch(key); m != nil {
			idx, _ = strconv.Atoi(m[2])
			kind = m[1]
		} else {
			continue
		}
		if idx <= 0 || idx > MaxSpecPairs {
			continue
		}
		if kind == "name" {
			names[idx] = strings.TrimSpace(value)
		} else {
			values[idx] = strings.TrimSpace(value)
		}
	}
	out := make(map[string]string, len(names))
	for idx := 1; idx <= MaxSpecPairs; idx++ {
		name, value := names[idx], values[idx]
		if name == "" || value == "" {
			continue
		}
		if _, exists := out[name]; !exists {
			out[name] = value
		}
	}
	return out
}

// SplitList splits comma, semicolon, pipe or newline separated values.
func SplitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		raw = strings.NewReplacer("[", "", "]", "", `"`, "").Replace(raw)
	}
	parts := listSeparators.Split(raw, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseCost reads a supplier price cell such as "$12.50", "12,50",
// "$1,299.00", "1.299,00" or a range "2.10-3.40" (lower bound wins).
// Unknown or unparsable values yield 0.
func ParseCost(raw string) float64 {
	match := numberPattern.FindString(strings.TrimSpace(raw))
	if match == "" {
		return 0
	}
	v, err := cast.ToFloat64E(normalizeDecimal(strings.TrimRight(match, ".,")))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// normalizeDecimal rewrites grouped numbers to a plain dotted decimal. With
// both separators present the last one is the decimal point; a lone comma
// followed by exactly three digits groups thousands.
func normalizeDecimal(n string) string {
	lastComma := strings.LastIndex(n, ",")
	lastDot := strings.LastIndex(n, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			n = strings.ReplaceAll(n, ".", "")
			return strings.Replace(n, ",", ".", 1)
		}
		return strings.ReplaceAll(n, ",", "")
	case lastComma >= 0:
		if strings.Count(n, ",") > 1 || len(n)-lastComma-1 == 3 {
			return strings.ReplaceAll(n, ",", "")
		}
		return strings.Replace(n, ",", ".", 1)
	case strings.Count(n, ".") > 1:
		return strings.ReplaceAll(n, ".", "")
	}
	return n
}

// Collapse merges spreadsheet rows sharing a product id into one record, in
// order of first appearance. Product-level fields take the last non-empty
// value; each row contributes its variant.
func Collapse(records []Record) []Record {
	index := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		pos, seen := index[rec.ProductID]
		if !seen {
			index[rec.ProductID] = len(out)
			out = append(out, rec)
			continue
		}
		out[pos] = overlay(out[pos], rec)
	}
	return out
}

func overlay(base, next Record) Record {
	pick := func(a, b string) string {
		if b != "" {
			return b
		}
		return a
	}
	base.Title = pick(base.Title, next.Title)
	base.Description = pick(base.Description, next.Description)
	base.Category = pick(base.Category, next.Category)
	base.Warehouse = pick(base.Warehouse, next.Warehouse)
	base.ResolvedImage = pick(base.ResolvedImage, next.ResolvedImage)
	base.Thumbnail = pick(base.Thumbnail, next.Thumbnail)
	if base.SKU == "" {
		base.SKU = next.SKU
	}
	if len(next.Tags) > 0 {
		base.Tags = next.Tags
	}
	if next.Cost > 0 && (base.Cost == 0 || next.Cost < base.Cost) {
		base.Cost = next.Cost
	}
	base.Images = append(append([]string(nil), base.Images...), next.Images...)
	base.Variants = append(append([]RawVariant(nil), base.Variants...), next.Variants...)
	return base
}
