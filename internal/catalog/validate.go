package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid marks a catalog that violates a structural invariant.
var ErrInvalid = errors.New("catalog: invalid")

var (
	validateOnce    sync.Once
	structValidator *validator.Validate
)

func structs() *validator.Validate {
	validateOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValidator
}

// Violation describes one invariant failure.
type Violation struct {
	ProductID string `json:"productId"`
	Field     string `json:"field"`
	Message   string `json:"message"`
}

// ValidateOptions tunes catalog validation.
type ValidateOptions struct {
	// SubcategoryAllowed reports whether sub belongs to main.
	SubcategoryAllowed func(main, sub string) bool
}

// Validate checks every product against the catalog invariants and returns
// the violations found. The error wraps ErrInvalid when any exist.
func Validate(c *Catalog, opts ValidateOptions) ([]Violation, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil catalog", ErrInvalid)
	}
	var out []Violation
	slugs := make(map[string]string, len(c.Products))
	ids := make(map[string]struct{}, len(c.Products))
	for i := range c.Products {
		p := &c.Products[i]
		add := func(field, msg string) {
			out = append(out, Violation{ProductID: p.ID, Field: field, Message: msg})
		}
		if err := structs().Struct(p); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) {
				for _, fe := range fieldErrs {
					add(fe.Namespace(), fmt.Sprintf("failed %s", fe.Tag()))
				}
			} else {
				add("", err.Error())
			}
		}
		if _, dup := ids[p.ID]; dup {
			add("id", "duplicate product id")
		}
		ids[p.ID] = struct{}{}
		if owner, dup := slugs[p.Slug]; dup && owner != p.ID {
			add("slug", "duplicate slug")
		}
		slugs[p.Slug] = p.ID
		if opts.SubcategoryAllowed != nil && !opts.SubcategoryAllowed(p.MainCategorySlug, p.SubcategorySlug) {
			add("subcategorySlug", fmt.Sprintf("%q not allowed under %q", p.SubcategorySlug, p.MainCategorySlug))
		}
		if len(p.Images) == 0 && p.Active {
			add("active", "active product without images")
		}
		if p.BlockedReason != "" && p.Active {
			add("active", "blocked product marked active")
		}
		if p.BlockedReason == "" && !p.Price.IsPositive() {
			add("price", "price must be positive")
		}
		if p.CompareAtPrice != nil && !p.CompareAtPrice.GreaterThan(p.Price) {
			add("compareAtPrice", "compare-at price must exceed price")
		}
		defaults := 0
		tuples := make(map[string]struct{}, len(p.Variants))
		for _, v := range p.Variants {
			if v.IsDefault {
				defaults++
			}
			key := OptionKey(v.Options)
			if _, dup := tuples[key]; dup {
				add("variants", fmt.Sprintf("duplicate option tuple %q", key))
			}
			tuples[key] = struct{}{}
		}
		if defaults > 1 {
			add("variants", "more than one default variant")
		}
	}
	if len(out) > 0 {
		return out, fmt.Errorf("%w: %d violation(s), first: %s %s", ErrInvalid, len(out), out[0].ProductID, out[0].Message)
	}
	return nil, nil
}

// OptionKey renders the canonical option tuple used for variant dedup.
func OptionKey(options map[string]string) string {
	parts := make([]string, 0, len(CanonicalOptions))
	for _, name := range CanonicalOptions {
		parts = append(parts, strings.ToLower(options[name]))
	}
	return strings.Join(parts, "|")
}
