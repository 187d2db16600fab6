// Package images selects and validates product image URLs and mirrors
// remote images to local storage.
package images

import (
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Input carries every image field a record may provide.
type Input struct {
	Resolved      string
	Images        []string
	Thumbnail     string
	VariantImages []string
}

// Result is the resolved gallery. Primary is empty when nothing was valid.
type Result struct {
	Primary  string
	Images   []string
	Rejected int
}

// Source is one named candidate accessor.
type Source struct {
	Name    string
	Collect func(Input) []string
}

// DefaultSources lists candidate accessors in priority order.
var DefaultSources = []Source{
	{Name: "resolved", Collect: func(in Input) []string { return []string{in.Resolved} }},
	{Name: "images", Collect: func(in Input) []string { return in.Images }},
	{Name: "thumbnail", Collect: func(in Input) []string { return []string{in.Thumbnail} }},
	{Name: "variants", Collect: func(in Input) []string { return in.VariantImages }},
}

// Resolver evaluates sources in order.
type Resolver struct {
	sources   []Source
	normalize bool
}

// NewResolver builds a resolver over sources, DefaultSources when none are
// given. With normalize set, supplier CDN URLs are rewritten to their
// original size before validation.
func NewResolver(normalize bool, sources ...Source) *Resolver {
	if len(sources) == 0 {
		sources = DefaultSources
	}
	return &Resolver{sources: sources, normalize: normalize}
}

// Resolve runs the default resolver with supplier URL normalization.
func Resolve(in Input) Result {
	return NewResolver(true).Resolve(in)
}

// Resolve returns every valid, deduplicated candidate in source order. The
// first becomes the primary image.
func (r *Resolver) Resolve(in Input) Result {
	res := Result{Images: []string{}}
	seen := map[string]bool{}
	for _, src := range r.sources {
		for _, raw := range src.Collect(in) {
			candidate := strings.TrimSpace(raw)
			if candidate == "" {
				continue
			}
			if r.normalize {
				candidate = NormalizeSupplierURL(candidate)
			}
			if !ValidateURL(candidate) {
				res.Rejected++
				continue
			}
			if seen[candidate] {
				continue
			}
			seen[candidate] = true
			res.Images = append(res.Images, candidate)
		}
	}
	if len(res.Images) > 0 {
		res.Primary = res.Images[0]
	}
	return res
}

// ValidateURL accepts absolute http(s) URLs with a path and site-relative
// paths. Placeholders, bare hosts, data URIs and loopback hosts are refused.
func ValidateURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(strings.ToLower(raw), "placeholder") {
		return false
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return len(raw) > 1
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Path == "" || u.Path == "/" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return false
	}
	return true
}

// IsRemote reports whether u is an absolute http(s) URL.
func IsRemote(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

var resizeSuffix = regexp.MustCompile(`_\d{2,4}x\d{2,4}(\.[A-Za-z0-9]+)$`)

// NormalizeSupplierURL strips CDN resize and crop variants from a supplier
// image URL so the full-size original is referenced. Other hosts pass
// through untouched.
func NormalizeSupplierURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !strings.Contains(strings.ToLower(u.Host), "cjdropshipping") {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	for _, prefix := range []string{"/im/resize", "/im/crop"} {
		if strings.HasPrefix(u.Path, prefix+"/") {
			u.Path = strings.TrimPrefix(u.Path, prefix)
		}
	}
	u.Path = resizeSuffix.ReplaceAllString(u.Path, "$1")
	u.RawPath = ""
	return u.String()
}
