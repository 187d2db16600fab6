// Package classify decides pet relevance, pet type and category placement
// from free-text product metadata. The keyword tables are data; every
// function here is pure.
package classify

import (
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/getpawsy/catalog/internal/catalog"
)

// Blocked reasons.
const (
	ReasonNoPetSignal = "no_pet_signal"
	reasonNonPet      = "non_pet:"
)

// Input is the text a classification is based on.
type Input struct {
	Title       string
	Description string
	Tags        []string
	Category    string
}

// Result is the classification outcome. ConfidenceScore is diagnostic only.
type Result struct {
	IsPetProduct     bool
	PetType          string
	MainCategorySlug string
	SubcategorySlug  string
	BlockedReason    string
	ConfidenceScore  float64
}

// Classifier applies a Taxonomy.
type Classifier struct {
	tax Taxonomy
}

// New constructs a Classifier for the given taxonomy.
func New(tax Taxonomy) *Classifier {
	return &Classifier{tax: tax}
}

var (
	defaultOnce       sync.Once
	defaultClassifier *Classifier
)

// Default returns a classifier over the built-in taxonomy.
func Default() *Classifier {
	defaultOnce.Do(func() {
		defaultClassifier = New(DefaultTaxonomy())
	})
	return defaultClassifier
}

// Classify runs the default classifier.
func Classify(in Input) Result {
	return Default().Classify(in)
}

// Classify evaluates deny terms before allow terms: a deny hit blocks the
// record unless a strong pet term is also present. Empty text fails open.
func (c *Classifier) Classify(in Input) Result {
	blob := normalize(strings.Join(append([]string{in.Title, in.Description, in.Category}, in.Tags...), " "))
	if strings.TrimSpace(blob) == "" {
		main := catalog.MainDogs
		return Result{
			IsPetProduct:     true,
			PetType:          catalog.PetBoth,
			MainCategorySlug: main,
			SubcategorySlug:  c.firstBucket(main),
		}
	}
	title := normalize(in.Title)

	dogScore := weighted(blob, c.tax.Dog)
	catScore := weighted(blob, c.tax.Cat)
	smallHits := countMatches(blob, c.tax.SmallPet)
	allowHits := countMatches(blob, c.tax.Allow)
	strong := countMatches(blob, c.tax.StrongPet) > 0

	petType := c.resolvePetType(dogScore, catScore, smallHits, title)
	main, sub := c.place(petType, blob)
	res := Result{
		IsPetProduct:     true,
		PetType:          petType,
		MainCategorySlug: main,
		SubcategorySlug:  sub,
		ConfidenceScore:  confidence(dogScore+catScore+float64(2*smallHits+allowHits), strong),
	}

	if term := firstMatch(blob, c.tax.Deny); term != "" && !strong {
		res.IsPetProduct = false
		res.BlockedReason = reasonNonPet + term
		return res
	}
	if allowHits == 0 && !strong && smallHits == 0 {
		res.IsPetProduct = false
		res.BlockedReason = ReasonNoPetSignal
	}
	return res
}

func (c *Classifier) resolvePetType(dog, cat float64, smallHits int, title string) string {
	// Small-pet placement is refused when the title names a dog or cat.
	smallAllowed := !c.Contaminated(title)
	switch {
	case smallAllowed && smallHits >= 2:
		return catalog.PetSmallPet
	case smallAllowed && smallHits >= 1 && dog == 0 && cat == 0:
		return catalog.PetSmallPet
	case dog > cat:
		return catalog.PetDog
	case cat > dog:
		return catalog.PetCat
	default:
		return catalog.PetBoth
	}
}

func (c *Classifier) place(petType, blob string) (string, string) {
	switch petType {
	case catalog.PetDog:
		return catalog.MainDogs, c.subcategory(catalog.MainDogs, blob)
	case catalog.PetCat:
		return catalog.MainCats, c.subcategory(catalog.MainCats, blob)
	case catalog.PetSmallPet:
		return catalog.MainSmallPets, c.subcategory(catalog.MainSmallPets, blob)
	}
	dogSub, dogHits := c.bestBucket(catalog.MainDogs, blob)
	catSub, catHits := c.bestBucket(catalog.MainCats, blob)
	if catHits > dogHits {
		return catalog.MainCats, catSub
	}
	return catalog.MainDogs, dogSub
}

func (c *Classifier) subcategory(main, blob string) string {
	sub, _ := c.bestBucket(main, blob)
	return sub
}

// bestBucket returns the bucket with the most keyword hits, ties going to
// the earlier bucket, and the first bucket when nothing matches.
func (c *Classifier) bestBucket(main, blob string) (string, int) {
	best, bestHits := c.firstBucket(main), 0
	for _, b := range c.tax.Buckets[main] {
		if hits := countMatches(blob, b.Keywords); hits > bestHits {
			best, bestHits = b.Slug, hits
		}
	}
	return best, bestHits
}

func (c *Classifier) firstBucket(main string) string {
	buckets := c.tax.Buckets[main]
	if len(buckets) == 0 {
		return ""
	}
	return buckets[0].Slug
}

// SubcategoryAllowed reports whether sub is configured under main.
func (c *Classifier) SubcategoryAllowed(main, sub string) bool {
	for _, b := range c.tax.Buckets[main] {
		if b.Slug == sub {
			return true
		}
	}
	return false
}

// AllowedSubcategories lists the bucket slugs of main in configured order.
func (c *Classifier) AllowedSubcategories(main string) []string {
	buckets := c.tax.Buckets[main]
	out := make([]string, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.Slug)
	}
	return out
}

// Contaminated reports whether a title names a dog or cat as a whole word.
func (c *Classifier) Contaminated(title string) bool {
	return firstMatch(normalize(title), c.tax.Contaminants) != ""
}

func confidence(evidence float64, strong bool) float64 {
	if strong {
		evidence += 2
	}
	if evidence <= 0 {
		return 0
	}
	return math.Round(evidence/(evidence+4)*100) / 100
}

// normalize lower-cases text, folds punctuation to spaces and pads the
// result so whole-word lookups can use " term ".
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if r == '\'' {
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

func contains(blob, term string) bool {
	t := strings.TrimSpace(normalize(term))
	if t == "" {
		return false
	}
	if strings.Contains(blob, " "+t+" ") || strings.Contains(blob, " "+t+"s ") {
		return true
	}
	for _, suffix := range []string{"s", "x", "z", "ch", "sh"} {
		if strings.HasSuffix(t, suffix) {
			return strings.Contains(blob, " "+t+"es ")
		}
	}
	return false
}

func firstMatch(blob string, terms []string) string {
	for _, term := range terms {
		if contains(blob, term) {
			return term
		}
	}
	return ""
}

func countMatches(blob string, terms []string) int {
	n := 0
	for _, term := range terms {
		if contains(blob, term) {
			n++
		}
	}
	return n
}

func weighted(blob string, terms []WeightedTerm) float64 {
	total := 0.0
	for _, wt := range terms {
		if contains(blob, wt.Term) {
			total += wt.Weight
		}
	}
	return total
}
