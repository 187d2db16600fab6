package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/getpawsy/catalog/internal/catalog"
)

// WeightedTerm is a vocabulary entry contributing Weight per match.
type WeightedTerm struct {
	Term   string  `yaml:"term"`
	Weight float64 `yaml:"weight"`
}

// Bucket is one subcategory and the keywords that select it.
type Bucket struct {
	Slug     string   `yaml:"slug"`
	Keywords []string `yaml:"keywords"`
}

// Taxonomy holds every keyword table the classifier uses.
type Taxonomy struct {
	Deny         []string            `yaml:"deny"`
	StrongPet    []string            `yaml:"strong_pet"`
	Allow        []string            `yaml:"allow"`
	Dog          []WeightedTerm      `yaml:"dog"`
	Cat          []WeightedTerm      `yaml:"cat"`
	SmallPet     []string            `yaml:"small_pet"`
	Contaminants []string            `yaml:"contaminants"`
	Buckets      map[string][]Bucket `yaml:"buckets"`
}

// DefaultTaxonomy returns the built-in keyword tables.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Deny: []string{
			"necklace", "earring", "earrings", "bracelet", "jewelry", "jewellery", "pendant", "ring set",
			"lingerie", "bikini", "swimsuit", "women", "womens", "men", "mens", "ladies", "blouse", "skirt",
			"phone case", "iphone", "samsung", "laptop", "tablet", "headphone", "headphones", "earbuds",
			"bluetooth speaker", "smart watch", "charger", "usb cable", "makeup", "cosmetic", "lipstick",
			"eyelash", "wig", "tattoo", "nail polish", "baby stroller", "car phone holder",
		},
		StrongPet: []string{"pet", "pets", "dog", "dogs", "cat", "cats", "puppy", "puppies", "kitten", "kittens"},
		Allow: []string{
			"pet", "dog", "cat", "puppy", "kitten", "canine", "feline", "leash", "collar", "harness",
			"litter", "catnip", "kennel", "crate", "muzzle", "chew", "scratcher", "scratching post",
			"aquarium", "fish tank", "hamster", "rabbit", "bunny", "guinea pig", "bird", "parrot",
			"budgie", "reptile", "terrarium", "turtle", "tortoise", "chinchilla", "ferret", "gerbil",
			"hedgehog", "pet bed", "feeder", "grooming", "paw", "paws",
		},
		Dog: []WeightedTerm{
			{Term: "dog", Weight: 3}, {Term: "puppy", Weight: 3}, {Term: "puppies", Weight: 3},
			{Term: "canine", Weight: 2}, {Term: "pup", Weight: 2}, {Term: "doggy", Weight: 2},
			{Term: "hound", Weight: 1}, {Term: "kennel", Weight: 1}, {Term: "leash", Weight: 1},
			{Term: "muzzle", Weight: 1}, {Term: "bark", Weight: 1}, {Term: "fetch", Weight: 1},
		},
		Cat: []WeightedTerm{
			{Term: "cat", Weight: 3}, {Term: "kitten", Weight: 3}, {Term: "kitty", Weight: 2},
			{Term: "feline", Weight: 2}, {Term: "catnip", Weight: 2}, {Term: "meow", Weight: 1},
			{Term: "litter", Weight: 1}, {Term: "scratcher", Weight: 1}, {Term: "scratching", Weight: 1},
		},
		SmallPet: []string{
			"rabbit", "bunny", "hamster", "guinea pig", "chinchilla", "ferret", "gerbil", "hedgehog",
			"bird", "parrot", "budgie", "cockatiel", "canary", "reptile", "lizard", "gecko", "snake",
			"turtle", "tortoise", "fish", "aquarium", "fish tank", "terrarium", "small animal", "small pet",
		},
		Contaminants: []string{"dog", "cat", "puppy", "kitten"},
		Buckets: map[string][]Bucket{
			catalog.MainDogs: {
				{Slug: "accessories", Keywords: []string{"accessory", "tag", "bandana", "bow", "charm", "bell", "id tag"}},
				{Slug: "toys", Keywords: []string{"toy", "ball", "chew", "plush", "squeaky", "rope", "interactive", "puzzle", "frisbee", "tug", "fetch"}},
				{Slug: "beds", Keywords: []string{"bed", "cushion", "pillow", "mat", "blanket", "sofa", "nest", "sleeping", "cozy"}},
				{Slug: "feeding", Keywords: []string{"bowl", "feeder", "water", "food", "dish", "fountain", "slow feeder", "bottle", "dispenser", "placemat"}},
				{Slug: "grooming", Keywords: []string{"brush", "comb", "shampoo", "nail", "clipper", "trimmer", "grooming", "bath", "fur", "deshedding", "towel"}},
				{Slug: "walking", Keywords: []string{"leash", "collar", "harness", "lead", "walking", "vest", "strap", "muzzle"}},
				{Slug: "training", Keywords: []string{"training", "clicker", "whistle", "treat pouch", "potty", "pee pad", "bark", "fence"}},
				{Slug: "apparel", Keywords: []string{"coat", "jacket", "sweater", "hoodie", "raincoat", "shirt", "costume", "clothing", "outfit", "boots", "shoes"}},
				{Slug: "travel", Keywords: []string{"carrier", "car seat", "seat cover", "stroller", "backpack", "crate", "travel"}},
				{Slug: "health", Keywords: []string{"vitamin", "supplement", "flea", "tick", "dental", "toothbrush", "cone", "recovery"}},
			},
			catalog.MainCats: {
				{Slug: "accessories", Keywords: []string{"accessory", "tag", "bandana", "bow", "charm", "bell", "collar"}},
				{Slug: "toys", Keywords: []string{"toy", "ball", "plush", "teaser", "wand", "feather", "laser", "tunnel", "interactive", "mouse", "catnip"}},
				{Slug: "beds", Keywords: []string{"bed", "cushion", "pillow", "mat", "blanket", "hammock", "cave", "nest", "cozy"}},
				{Slug: "scratchers", Keywords: []string{"scratcher", "scratching", "post", "tree", "tower", "condo", "climbing", "cardboard"}},
				{Slug: "litter", Keywords: []string{"litter", "litter box", "scoop", "toilet", "litter mat"}},
				{Slug: "feeding", Keywords: []string{"bowl", "feeder", "water", "food", "dish", "fountain", "dispenser"}},
				{Slug: "grooming", Keywords: []string{"brush", "comb", "shampoo", "nail", "clipper", "grooming", "bath", "fur", "deshedding"}},
				{Slug: "travel", Keywords: []string{"carrier", "backpack", "stroller", "travel", "harness", "leash"}},
				{Slug: "health", Keywords: []string{"vitamin", "supplement", "flea", "tick", "dental", "cone", "recovery"}},
			},
			catalog.MainSmallPets: {
				{Slug: "accessories", Keywords: []string{"accessory", "harness", "leash", "carrier", "tag"}},
				{Slug: "cages-habitats", Keywords: []string{"cage", "hutch", "habitat", "enclosure", "playpen", "terrarium", "house", "hideout", "hide"}},
				{Slug: "feeding", Keywords: []string{"feeder", "bowl", "water bottle", "hay rack", "seed", "food", "dish"}},
				{Slug: "bedding", Keywords: []string{"bedding", "hay", "hammock", "nest", "sawdust", "shavings", "bed"}},
				{Slug: "toys", Keywords: []string{"toy", "wheel", "chew", "tunnel", "ball", "swing", "ladder", "perch"}},
				{Slug: "aquarium", Keywords: []string{"aquarium", "fish tank", "filter", "pump", "gravel", "fish"}},
				{Slug: "reptile", Keywords: []string{"reptile", "heat lamp", "basking", "uvb", "lizard", "gecko", "turtle"}},
			},
		},
	}
}

// LoadTaxonomy reads a YAML override. Tables present in the file replace
// the built-in ones; omitted tables keep their defaults.
func LoadTaxonomy(path string) (Taxonomy, error) {
	tax := DefaultTaxonomy()
	if path == "" {
		return tax, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Taxonomy{}, fmt.Errorf("classify: read taxonomy: %w", err)
	}
	var override Taxonomy
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Taxonomy{}, fmt.Errorf("classify: parse taxonomy: %w", err)
	}
	if len(override.Deny) > 0 {
		tax.Deny = override.Deny
	}
	if len(override.StrongPet) > 0 {
		tax.StrongPet = override.StrongPet
	}
	if len(override.Allow) > 0 {
		tax.Allow = override.Allow
	}
	if len(override.Dog) > 0 {
		tax.Dog = override.Dog
	}
	if len(override.Cat) > 0 {
		tax.Cat = override.Cat
	}
	if len(override.SmallPet) > 0 {
		tax.SmallPet = override.SmallPet
	}
	if len(override.Contaminants) > 0 {
		tax.Contaminants = override.Contaminants
	}
	for main, buckets := range override.Buckets {
		if !validMain(main) {
			return Taxonomy{}, fmt.Errorf("classify: unknown main category %q in taxonomy", main)
		}
		if len(buckets) == 0 {
			continue
		}
		tax.Buckets[main] = buckets
	}
	return tax, nil
}

func validMain(main string) bool {
	switch main {
	case catalog.MainDogs, catalog.MainCats, catalog.MainSmallPets:
		return true
	}
	return false
}
