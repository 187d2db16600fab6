package variants

import (
	"fmt"
	"strings"

	"github.com/getpawsy/catalog/internal/catalog"
)

// Cart selection error codes.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeNotAvailable        = "VARIANT_NOT_AVAILABLE"
	CodeAmbiguous           = "AMBIGUOUS_SELECTION"
	CodeFulfillmentUnmapped = "FULFILLMENT_UNMAPPED"
)

// CartError explains why a variant cannot be added to a cart.
type CartError struct {
	Code      string
	ProductID string
	Key       string
}

func (e *CartError) Error() string {
	switch e.Code {
	case CodeNotFound:
		return fmt.Sprintf("product %q not found", e.ProductID)
	case CodeNotAvailable:
		return fmt.Sprintf("variant %q of %q is not available", e.Key, e.ProductID)
	case CodeAmbiguous:
		return fmt.Sprintf("product %q needs a variant selection", e.ProductID)
	case CodeFulfillmentUnmapped:
		return fmt.Sprintf("product %q has no supplier mapping", e.ProductID)
	}
	return e.Code
}

// Status maps the error code onto an HTTP status.
func (e *CartError) Status() int {
	switch e.Code {
	case CodeNotFound:
		return 404
	case CodeNotAvailable:
		return 409
	case CodeFulfillmentUnmapped:
		return 422
	}
	return 400
}

// ValidateForCart resolves key against the product's variant id, SKU and
// supplier variant id. A product with a single variant selects it
// regardless of key. With strict set, products lacking a supplier product id
// are refused.
func ValidateForCart(product *catalog.Product, key string, strict bool) (*catalog.Variant, error) {
	if product == nil {
		return nil, &CartError{Code: CodeNotFound, Key: key}
	}
	key = strings.TrimSpace(key)
	fail := func(code string) error {
		return &CartError{Code: code, ProductID: product.ID, Key: key}
	}
	if len(product.Variants) == 0 {
		return nil, fail(CodeNotFound)
	}

	var match *catalog.Variant
	if len(product.Variants) == 1 {
		match = &product.Variants[0]
	} else {
		if key == "" {
			return nil, fail(CodeAmbiguous)
		}
		for i := range product.Variants {
			v := &product.Variants[i]
			if v.ID != key && v.SKU != key && v.CJVariantID != key {
				continue
			}
			if match != nil && match.ID != v.ID {
				return nil, fail(CodeAmbiguous)
			}
			match = v
		}
		if match == nil {
			return nil, fail(CodeAmbiguous)
		}
	}

	if !product.Active || !match.Available || (match.Stock != nil && *match.Stock <= 0) {
		return nil, fail(CodeNotAvailable)
	}
	if strict && product.CJProductID == "" {
		return nil, fail(CodeFulfillmentUnmapped)
	}
	out := *match
	return &out, nil
}
