// Package catalog holds the canonical product model and its persisted store.
package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// The storefront reads prices as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Main category slugs.
const (
	MainDogs      = "dogs"
	MainCats      = "cats"
	MainSmallPets = "small-pets"
)

// Pet types.
const (
	PetDog      = "dog"
	PetCat      = "cat"
	PetSmallPet = "small_pet"
	PetBoth     = "both"
)

// Canonical variant option names.
const (
	OptionColor    = "Color"
	OptionSize     = "Size"
	OptionType     = "Type"
	OptionMaterial = "Material"
	OptionPattern  = "Pattern"
	OptionStyle    = "Style"
)

// CanonicalOptions lists the allowed option names in dedup-key order.
var CanonicalOptions = []string{OptionColor, OptionSize, OptionType, OptionMaterial, OptionPattern, OptionStyle}

// Product is the canonical catalog entity.
type Product struct {
	ID                  string              `json:"id" validate:"required"`
	Title               string              `json:"title"`
	Slug                string              `json:"slug" validate:"required,max=100"`
	Description         string              `json:"description,omitempty"`
	Price               decimal.Decimal     `json:"price"`
	CompareAtPrice      *decimal.Decimal    `json:"compareAtPrice,omitempty"`
	Cost                *decimal.Decimal    `json:"cost,omitempty"`
	MainCategorySlug    string              `json:"mainCategorySlug" validate:"required,oneof=dogs cats small-pets"`
	SubcategorySlug     string              `json:"subcategorySlug" validate:"required"`
	PetType             string              `json:"petType" validate:"required,oneof=dog cat small_pet both"`
	Images              []string            `json:"images" validate:"dive,required"`
	Variants            []Variant           `json:"variants" validate:"min=1,dive"`
	OptionsSchema       map[string][]string `json:"optionsSchema,omitempty"`
	Active              bool                `json:"active"`
	BlockedReason       string              `json:"blockedReason,omitempty"`
	CJProductID         string              `json:"cjProductId,omitempty"`
	CJSku               string              `json:"cjSku,omitempty"`
	Warehouse           string              `json:"warehouse,omitempty"`
	Tags                []string            `json:"tags,omitempty"`
	ClassificationScore float64             `json:"classificationScore"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

// Variant is a purchasable option combination owned by exactly one product.
type Variant struct {
	ID             string            `json:"id" validate:"required"`
	SKU            string            `json:"sku,omitempty"`
	CJVariantID    string            `json:"cjVariantId,omitempty"`
	Price          decimal.Decimal   `json:"price"`
	CompareAtPrice *decimal.Decimal  `json:"compareAtPrice,omitempty"`
	Cost           *decimal.Decimal  `json:"cost,omitempty"`
	Options        map[string]string `json:"options"`
	Image          string            `json:"image,omitempty"`
	Available      bool              `json:"available"`
	Stock          *int              `json:"stock,omitempty"`
	IsDefault      bool              `json:"isDefault"`
}

// PrimaryImage returns the first gallery image or an empty string.
func (p Product) PrimaryImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

// Catalog is the full persisted artifact read by the storefront.
type Catalog struct {
	Products    []Product `json:"products"`
	Stats       Stats     `json:"stats"`
	BuildInfo   BuildInfo `json:"buildInfo"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Stats aggregates catalog-level counts.
type Stats struct {
	Total          int            `json:"total"`
	Active         int            `json:"active"`
	Blocked        int            `json:"blocked"`
	Inactive       int            `json:"inactive"`
	ByPetType      map[string]int `json:"byPetType"`
	ByMainCategory map[string]int `json:"byMainCategory"`
}

// BuildInfo describes the run that produced a catalog.
type BuildInfo struct {
	ContentID      string   `json:"contentId"`
	Sources        []string `json:"sources,omitempty"`
	RecordsIn      int      `json:"recordsIn"`
	RecordsDropped int      `json:"recordsDropped"`
	Enriched       int      `json:"enriched,omitempty"`
	Mirrored       int      `json:"mirrored,omitempty"`
	MirrorFailed   int      `json:"mirrorFailed,omitempty"`
}

// Find returns the product with the given id.
func (c *Catalog) Find(id string) (*Product, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.Products {
		if c.Products[i].ID == id {
			return &c.Products[i], true
		}
	}
	return nil, false
}

// ComputeStats derives aggregate counts. Callers run it after every product
// is final.
func ComputeStats(products []Product) Stats {
	stats := Stats{
		ByPetType:      map[string]int{},
		ByMainCategory: map[string]int{},
	}
	for _, p := range products {
		stats.Total++
		switch {
		case p.BlockedReason != "":
			stats.Blocked++
		case p.Active:
			stats.Active++
		default:
			stats.Inactive++
		}
		if p.PetType != "" {
			stats.ByPetType[p.PetType]++
		}
		if p.MainCategorySlug != "" {
			stats.ByMainCategory[p.MainCategorySlug]++
		}
	}
	return stats
}
