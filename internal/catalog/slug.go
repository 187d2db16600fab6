package catalog

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxSlugLength bounds generated slugs.
const MaxSlugLength = 100

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lower-cases, strips diacritics and joins alphanumeric runs with "-".
func Slugify(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(folded), "-")
	slug = strings.Trim(slug, "-")
	return truncateSlug(slug, MaxSlugLength)
}

// SlugFor builds the slug for a product, falling back to its id.
func SlugFor(title, id string) string {
	if slug := Slugify(title); slug != "" {
		return slug
	}
	if slug := Slugify(id); slug != "" {
		return slug
	}
	return "product"
}

// UniqueSlug disambiguates base against taken by appending the product id.
// The chosen slug is recorded in taken.
func UniqueSlug(base, id string, taken map[string]string) string {
	if owner, ok := taken[base]; !ok || owner == id {
		taken[base] = id
		return base
	}
	suffix := truncateSlug(Slugify(id), 40)
	if suffix == "" {
		suffix = "item"
	}
	candidate := truncateSlug(base, MaxSlugLength-len(suffix)-1) + "-" + suffix
	for n := 2; ; n++ {
		if owner, ok := taken[candidate]; !ok || owner == id {
			taken[candidate] = id
			return candidate
		}
		tail := suffix + "-" + strconv.Itoa(n)
		candidate = truncateSlug(base, MaxSlugLength-len(tail)-1) + "-" + tail
	}
}

func truncateSlug(slug string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(slug) <= limit {
		return slug
	}
	return strings.TrimRight(slug[:limit], "-")
}
