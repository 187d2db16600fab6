// Package pipeline composes the catalog stages into a build: records are
// classified, priced and normalized into products, merged with the
// previously persisted catalog and audited.
package pipeline

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/getpawsy/catalog/internal/catalog"
	"github.com/getpawsy/catalog/internal/classify"
	"github.com/getpawsy/catalog/internal/feed"
	"github.com/getpawsy/catalog/internal/images"
	"github.com/getpawsy/catalog/internal/pricing"
	"github.com/getpawsy/catalog/internal/variants"
)

// BlockedUnpriced marks a pet product whose supplier cost is unusable.
const BlockedUnpriced = "unpriced"

// Assembler turns feed records into catalog products.
type Assembler struct {
	classifier *classify.Classifier
	policy     pricing.Policy
	resolver   *images.Resolver
	idPrefix   string
	clock      func() time.Time
}

// NewAssembler wires the stage implementations together.
func NewAssembler(classifier *classify.Classifier, policy pricing.Policy, resolver *images.Resolver, idPrefix string) *Assembler {
	if classifier == nil {
		classifier = classify.Default()
	}
	if resolver == nil {
		resolver = images.NewResolver(true)
	}
	return &Assembler{
		classifier: classifier,
		policy:     policy,
		resolver:   resolver,
		idPrefix:   idPrefix,
		clock:      time.Now,
	}
}

// WithClock overrides the time source used for timestamps.
func (a *Assembler) WithClock(clock func() time.Time) {
	if clock != nil {
		a.clock = clock
	}
}

// Classifier exposes the classifier used by the assembler.
func (a *Assembler) Classifier() *classify.Classifier { return a.classifier }

// Policy exposes the pricing policy used by the assembler.
func (a *Assembler) Policy() pricing.Policy { return a.policy }

// ProductID prefixes a supplier product id once.
func (a *Assembler) ProductID(supplierID string) string {
	supplierID = strings.TrimSpace(supplierID)
	if a.idPrefix == "" || strings.HasPrefix(supplierID, a.idPrefix) {
		return supplierID
	}
	return a.idPrefix + supplierID
}

// Product runs classification, image resolution, pricing and variant
// normalization for one record. Timestamps are left zero.
func (a *Assembler) Product(rec feed.Record) catalog.Product {
	id := a.ProductID(rec.ProductID)
	cls := a.classifier.Classify(classify.Input{
		Title:       rec.Title,
		Description: rec.Description,
		Tags:        rec.Tags,
		Category:    rec.Category,
	})

	variantImages := make([]string, 0, len(rec.Variants))
	for _, v := range rec.Variants {
		variantImages = append(variantImages, v.Image)
	}
	gallery := a.resolver.Resolve(images.Input{
		Resolved:      rec.ResolvedImage,
		Images:        rec.Images,
		Thumbnail:     rec.Thumbnail,
		VariantImages: variantImages,
	})

	var cost *decimal.Decimal
	if rec.Cost > 0 {
		cost = catalog.DecimalPtr(decimal.NewFromFloat(rec.Cost))
	}

	raw := make([]feed.RawVariant, len(rec.Variants))
	copy(raw, rec.Variants)
	for i := range raw {
		if raw[i].Image != "" {
			raw[i].Image = images.NormalizeSupplierURL(strings.TrimSpace(raw[i].Image))
		}
		if !images.ValidateURL(raw[i].Image) {
			raw[i].Image = ""
		}
	}
	normalized := variants.Normalize(variants.Input{
		ProductID: id,
		SKU:       rec.SKU,
		Cost:      cost,
		Image:     gallery.Primary,
		Raw:       raw,
	})

	product := catalog.Product{
		ID:                  id,
		Title:               strings.TrimSpace(rec.Title),
		Slug:                catalog.SlugFor(rec.Title, id),
		Description:         strings.TrimSpace(rec.Description),
		Cost:                cost,
		MainCategorySlug:    cls.MainCategorySlug,
		SubcategorySlug:     cls.SubcategorySlug,
		PetType:             cls.PetType,
		Images:              gallery.Images,
		Variants:            variants.InheritImage(normalized.Variants, gallery.Primary),
		OptionsSchema:       normalized.OptionsSchema,
		BlockedReason:       cls.BlockedReason,
		CJProductID:         strings.TrimSpace(rec.ProductID),
		CJSku:               strings.TrimSpace(rec.SKU),
		Warehouse:           strings.TrimSpace(rec.Warehouse),
		Tags:                rec.Tags,
		ClassificationScore: cls.ConfidenceScore,
	}

	priced, res := a.policy.PriceProduct(product)
	if res.Error != "" {
		priced.Price = decimal.Zero
		priced.CompareAtPrice = nil
		for i := range priced.Variants {
			priced.Variants[i].Price = decimal.Zero
			priced.Variants[i].CompareAtPrice = nil
		}
		if priced.BlockedReason == "" {
			priced.BlockedReason = BlockedUnpriced
		}
	}
	priced.Active = Publishable(priced)
	return priced
}

// Publishable is the storefront visibility gate: not blocked, titled, with
// at least one image and a positive price.
func Publishable(p catalog.Product) bool {
	return p.BlockedReason == "" && p.Title != "" && len(p.Images) > 0 && p.Price.IsPositive()
}

// Build assembles every record. Records sharing a product id resolve last
// write wins, with supplier linkage ids carried over from earlier records.
func (a *Assembler) Build(records []feed.Record) []catalog.Product {
	byID := make(map[string]int, len(records))
	var out []catalog.Product
	for _, rec := range records {
		if strings.TrimSpace(rec.ProductID) == "" {
			continue
		}
		p := a.Product(rec)
		if i, ok := byID[p.ID]; ok {
			out[i] = catalog.Merge(out[i], p)
			continue
		}
		byID[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}

// Assemble builds records and finalizes them against previous.
func (a *Assembler) Assemble(records []feed.Record, previous *catalog.Catalog) *catalog.Catalog {
	return a.Finalize(a.Build(records), previous, catalog.BuildInfo{})
}

// Finalize merges built products over the previous catalog. Previous
// products absent from this build are carried over unchanged. Products are
// sorted by id and keep the slug they were published under; new products
// get a unique slug from their title. Stats are computed once every product
// is final.
func (a *Assembler) Finalize(built []catalog.Product, previous *catalog.Catalog, info catalog.BuildInfo) *catalog.Catalog {
	now := a.clock().UTC().Truncate(time.Second)

	prevByID := map[string]*catalog.Product{}
	if previous != nil {
		for i := range previous.Products {
			prevByID[previous.Products[i].ID] = &previous.Products[i]
		}
	}
	fresh := make(map[string]bool, len(built))
	products := make([]catalog.Product, 0, len(built)+len(prevByID))
	for _, p := range built {
		fresh[p.ID] = true
		products = append(products, catalog.Clone(p))
	}
	for id, p := range prevByID {
		if !fresh[id] {
			products = append(products, catalog.Clone(*p))
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })

	// Published slugs stay with their product; new products slug last.
	order := make([]int, 0, len(products))
	var unslugged []int
	for i, p := range products {
		if prev := prevByID[p.ID]; prev != nil && prev.Slug != "" {
			order = append(order, i)
		} else {
			unslugged = append(unslugged, i)
		}
	}
	taken := make(map[string]string, len(products))
	for _, i := range append(order, unslugged...) {
		p := &products[i]
		base := catalog.SlugFor(p.Title, p.ID)
		if prev := prevByID[p.ID]; prev != nil && prev.Slug != "" {
			base = prev.Slug
		}
		p.Slug = catalog.UniqueSlug(base, p.ID, taken)
		if fresh[p.ID] {
			*p = catalog.Reconcile(prevByID[p.ID], *p, now)
		}
	}

	cat := &catalog.Catalog{
		Products:    products,
		Stats:       catalog.ComputeStats(products),
		BuildInfo:   info,
		GeneratedAt: now,
	}
	cat.BuildInfo.ContentID = ContentID(products)
	return cat
}

// ContentID derives a stable identifier from the product set, so
// unchanged rebuilds report the same id.
func ContentID(products []catalog.Product) string {
	data, err := json.Marshal(products)
	if err != nil {
		return uuid.Nil.String()
	}
	sum := blake2b.Sum256(data)
	return uuid.NewSHA1(uuid.NameSpaceURL, sum[:]).String()
}
