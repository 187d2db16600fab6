package pipeline

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/getpawsy/catalog/internal/catalog"
	"github.com/getpawsy/catalog/internal/classify"
	"github.com/getpawsy/catalog/internal/feed"
	"github.com/getpawsy/catalog/internal/images"
	"github.com/getpawsy/catalog/internal/platform/cache"
	"github.com/getpawsy/catalog/internal/pricing"
	"github.com/getpawsy/catalog/internal/supplier"
)

const feedCSV = `SPU,SKU,Product Name,Description,Category,Sell Price,Images,Color,Size
P100,P100-RM,Stainless Steel Dog Bowl,Heavy bowl,Dog Feeding,4.00,https://cf.cjdropshipping.com/bowl_200x200.jpg?x=1,Red,M
P100,P100-RM2,Stainless Steel Dog Bowl,,,4.00,,Red,M
P100,P100-BL,Stainless Steel Dog Bowl,,,4.50,,Blue,L
P200,P200,Interactive Cat Feather Wand Toy,,Cat Toys,3.00,https://cf.cjdropshipping.com/wand.jpg,,
P300,P300,Ceramic Flower Vase,Modern home decor,Home,8.00,https://cf.cjdropshipping.com/vase.jpg,,
P400,P400,Dog Chew Rope,,,5.00,,,
,,Orphan row,,,,,,
`

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time { return c.t }

type fakeMirror struct{ calls int }

func (m *fakeMirror) Products(_ context.Context, products []catalog.Product) ([]catalog.Product, images.Summary, error) {
	m.calls++
	var sum images.Summary
	out := make([]catalog.Product, len(products))
	for i, p := range products {
		out[i] = catalog.Clone(p)
		for j, img := range out[i].Images {
			if images.IsRemote(img) {
				out[i].Images[j] = "/images/products/" + path.Base(img)
				sum.Mirrored++
			}
		}
	}
	return out, sum, nil
}

func writeFeed(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "feed.csv")
	require.NoError(t, os.WriteFile(p, []byte(feedCSV), 0o644))
	return p
}

func newRunner(t *testing.T, dir string, clock *stepClock) *Runner {
	t.Helper()
	assembler := NewAssembler(nil, pricing.DefaultPolicy(), nil, "cj-")
	assembler.WithClock(clock.Now)
	store := catalog.NewStore(filepath.Join(dir, "catalog.json"), filepath.Join(dir, "backups"), nil)
	store.WithClock(clock.Now)
	return &Runner{
		Store:     store,
		Assembler: assembler,
		Sources:   []string{writeFeed(t, dir)},
		AuditPath: filepath.Join(dir, "audit.json"),
		Clock:     clock.Now,
	}
}

func TestAssembleRecords(t *testing.T) {
	mapped, err := feed.ReadCSV(strings.NewReader(feedCSV))
	require.NoError(t, err)
	require.Equal(t, 1, mapped.Dropped)

	assembler := NewAssembler(nil, pricing.DefaultPolicy(), nil, "cj-")
	assembler.WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	cat := assembler.Assemble(mapped.Records, nil)
	require.Len(t, cat.Products, 4)

	bowl, ok := cat.Find("cj-P100")
	require.True(t, ok)
	require.Equal(t, catalog.MainDogs, bowl.MainCategorySlug)
	require.Equal(t, "feeding", bowl.SubcategorySlug)
	require.Equal(t, []string{"https://cf.cjdropshipping.com/bowl.jpg"}, bowl.Images)
	require.Len(t, bowl.Variants, 2, "duplicate Red/M row collapses")
	require.Equal(t, "cj-P100::P100-RM", bowl.Variants[0].ID)
	require.Equal(t, []string{"Blue", "Red"}, bowl.OptionsSchema[catalog.OptionColor])
	require.True(t, bowl.Active)
	require.Equal(t, "P100", bowl.CJProductID)
	require.Equal(t, "stainless-steel-dog-bowl", bowl.Slug)

	wand, _ := cat.Find("cj-P200")
	require.Equal(t, catalog.MainCats, wand.MainCategorySlug)
	require.Len(t, wand.Variants, 1)
	require.True(t, wand.Variants[0].IsDefault)
	require.Equal(t, "cj-P200::default", wand.Variants[0].ID)
	want := pricing.DefaultPolicy().Compute(decimal.RequireFromString("3"), wand.SubcategorySlug)
	require.True(t, want.Price.Equal(wand.Price))

	vase, _ := cat.Find("cj-P300")
	require.NotEmpty(t, vase.BlockedReason)
	require.False(t, vase.Active)

	rope, _ := cat.Find("cj-P400")
	require.Empty(t, rope.BlockedReason)
	require.Empty(t, rope.Images)
	require.False(t, rope.Active, "no images means not publishable")

	for _, p := range cat.Products {
		require.Equal(t, p.Active, len(p.Images) > 0 && p.BlockedReason == "" && p.Price.IsPositive(), p.ID)
	}
	require.Equal(t, 2, cat.Stats.Active)
	require.Equal(t, 1, cat.Stats.Blocked)
	require.NotEmpty(t, cat.BuildInfo.ContentID)
}

func TestAssembleKeepsPublishedSlugs(t *testing.T) {
	mapped, err := feed.ReadCSV(strings.NewReader(feedCSV))
	require.NoError(t, err)

	price := decimal.RequireFromString("12.99")
	previous := &catalog.Catalog{Products: []catalog.Product{
		{ID: "cj-P200", Title: "Feather Wand", Slug: "feather-wand", Price: price},
		{ID: "cj-P900", Title: "Stainless Steel Dog Bowl", Slug: "stainless-steel-dog-bowl", Price: price},
	}}
	assembler := NewAssembler(nil, pricing.DefaultPolicy(), nil, "cj-")
	cat := assembler.Assemble(mapped.Records, previous)

	old, ok := cat.Find("cj-P900")
	require.True(t, ok)
	require.Equal(t, "stainless-steel-dog-bowl", old.Slug)

	bowl, _ := cat.Find("cj-P100")
	require.Equal(t, "stainless-steel-dog-bowl-cj-p100", bowl.Slug)

	wand, _ := cat.Find("cj-P200")
	require.Equal(t, "Interactive Cat Feather Wand Toy", wand.Title)
	require.Equal(t, "feather-wand", wand.Slug, "retitled product keeps its url")

	seen := map[string]string{}
	for _, p := range cat.Products {
		require.NotContains(t, seen, p.Slug, p.ID)
		seen[p.Slug] = p.ID
	}
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	clock := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	runner := newRunner(t, dir, clock)
	mirror := &fakeMirror{}
	runner.Mirror = mirror
	ctx := context.Background()

	first, err := runner.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, first.Backup)
	require.Equal(t, 1, first.Dropped)
	require.Equal(t, 3, first.Images.Mirrored)
	firstCat, err := runner.Store.Load(ctx)
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour)
	second, err := runner.Run(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, second.Backup)
	require.FileExists(t, second.Backup)
	require.Equal(t, first.ContentID, second.ContentID)
	require.Equal(t, 2, mirror.calls)
	secondCat, err := runner.Store.Load(ctx)
	require.NoError(t, err)

	require.True(t, secondCat.GeneratedAt.After(firstCat.GeneratedAt))
	firstCat.GeneratedAt, secondCat.GeneratedAt = time.Time{}, time.Time{}
	a, err := catalog.Encode(firstCat)
	require.NoError(t, err)
	b, err := catalog.Encode(secondCat)
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))

	bowl, _ := secondCat.Find("cj-P100")
	require.Equal(t, "/images/products/bowl.jpg", bowl.PrimaryImage())
	require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), bowl.UpdatedAt)
	require.FileExists(t, runner.AuditPath)
}

func TestRunCarriesOverProductsMissingFromFeed(t *testing.T) {
	dir := t.TempDir()
	clock := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	runner := newRunner(t, dir, clock)
	ctx := context.Background()

	_, err := runner.Run(ctx)
	require.NoError(t, err)

	smaller := filepath.Join(dir, "smaller.csv")
	require.NoError(t, os.WriteFile(smaller, []byte("SPU,Product Name,Sell Price,Images\nP200,Interactive Cat Feather Wand Toy,3.50,https://cf.cjdropshipping.com/wand.jpg\n"), 0o644))
	runner.Sources = []string{smaller}
	clock.t = clock.t.Add(time.Hour)
	summary, err := runner.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, summary.Stats.Total)

	cat, err := runner.Store.Load(ctx)
	require.NoError(t, err)
	wand, _ := cat.Find("cj-P200")
	require.Equal(t, clock.t, wand.UpdatedAt, "cost change bumps updatedAt")
	require.Equal(t, clock.t.Add(-time.Hour), wand.CreatedAt)
	bowl, _ := cat.Find("cj-P100")
	require.Equal(t, clock.t.Add(-time.Hour), bowl.UpdatedAt)
}

func TestRunAbortsOnInvalidCatalog(t *testing.T) {
	dir := t.TempDir()
	clock := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	runner := newRunner(t, dir, clock)
	ctx := context.Background()

	bad := &catalog.Catalog{Products: []catalog.Product{{
		ID: "cj-X", Slug: "fish-tank", MainCategorySlug: "fish", SubcategorySlug: "tanks", PetType: "fish",
		Price:    decimal.RequireFromString("9.99"),
		Images:   []string{},
		Variants: []catalog.Variant{{ID: "cj-X::default", Options: map[string]string{}, IsDefault: true}},
	}}}
	_, err := runner.Store.Save(ctx, bad)
	require.NoError(t, err)
	before, err := os.ReadFile(runner.Store.Path())
	require.NoError(t, err)

	_, err = runner.Run(ctx)
	require.ErrorIs(t, err, catalog.ErrInvalid)

	after, err := os.ReadFile(runner.Store.Path())
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.NoFileExists(t, runner.AuditPath)
}

func TestRunRespectsLock(t *testing.T) {
	dir := t.TempDir()
	runner := newRunner(t, dir, &stepClock{t: time.Now()})
	runner.Lock = func(context.Context) (func(context.Context) error, error) {
		return nil, cache.ErrLocked
	}

	_, err := runner.Run(context.Background())
	require.ErrorIs(t, err, cache.ErrLocked)
	require.NoFileExists(t, runner.Store.Path())
}

func TestRunReleasesLock(t *testing.T) {
	dir := t.TempDir()
	runner := newRunner(t, dir, &stepClock{t: time.Now()})
	released := 0
	runner.Lock = func(context.Context) (func(context.Context) error, error) {
		return func(context.Context) error { released++; return nil }, nil
	}
	runner.Sources = []string{filepath.Join(dir, "missing.csv")}

	_, err := runner.Run(context.Background())
	require.ErrorIs(t, err, feed.ErrSourceMissing)
	require.Equal(t, 1, released)
}

func TestEnforcePricingFix(t *testing.T) {
	dir := t.TempDir()
	clock := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	runner := newRunner(t, dir, clock)
	ctx := context.Background()
	_, err := runner.Run(ctx)
	require.NoError(t, err)

	cat, err := runner.Store.Load(ctx)
	require.NoError(t, err)
	for i := range cat.Products {
		if cat.Products[i].ID == "cj-P200" {
			cat.Products[i].Price = decimal.RequireFromString("5.00")
			cat.Products[i].CompareAtPrice = nil
		}
	}
	_, err = runner.Store.Save(ctx, cat)
	require.NoError(t, err)

	report, err := runner.EnforcePricing(ctx, pricing.ModeDryRun)
	require.NoError(t, err)
	require.Equal(t, 1, report.IssuesByType[pricing.IssueFallbackPrice])
	require.Zero(t, report.Fixed)

	clock.t = clock.t.Add(time.Hour)
	report, err = runner.EnforcePricing(ctx, pricing.ModeFix)
	require.NoError(t, err)
	require.Equal(t, 1, report.Fixed)

	fixed, err := runner.Store.Load(ctx)
	require.NoError(t, err)
	wand, _ := fixed.Find("cj-P200")
	want := pricing.DefaultPolicy().Compute(decimal.RequireFromString("3"), wand.SubcategorySlug)
	require.True(t, want.Price.Equal(wand.Price), wand.Price.String())
	require.Equal(t, clock.t, wand.UpdatedAt)
	bowl, _ := fixed.Find("cj-P100")
	require.Equal(t, clock.t.Add(-time.Hour), bowl.UpdatedAt)
}

func TestAuditFindings(t *testing.T) {
	variant := func(id string) []catalog.Variant {
		return []catalog.Variant{{ID: id + "::default", Options: map[string]string{}, IsDefault: true, Price: decimal.RequireFromString("15.00")}}
	}
	cat := &catalog.Catalog{Products: []catalog.Product{
		{ID: "a", Title: "Cat Hamster Wheel", Slug: "a", MainCategorySlug: catalog.MainSmallPets, SubcategorySlug: "toys", PetType: catalog.PetSmallPet, Price: decimal.RequireFromString("15.00"), Images: []string{"/images/products/a.jpg"}, Variants: variant("a"), Active: true, CJProductID: "A"},
		{ID: "b", Title: "Dog Leash", Slug: "b", MainCategorySlug: catalog.MainDogs, SubcategorySlug: "accessories", PetType: catalog.PetDog, Price: decimal.RequireFromString("15.00"), Images: []string{"https://cf.cjdropshipping.com/b.jpg"}, Variants: variant("b"), Active: true},
		{ID: "c", Title: "Vase", Slug: "c", MainCategorySlug: catalog.MainDogs, SubcategorySlug: "accessories", PetType: catalog.PetBoth, Images: []string{}, Variants: variant("c"), BlockedReason: "non_pet:vase"},
	}}
	cat.BuildInfo.ContentID = ContentID(cat.Products)

	report := Audit(cat, classify.Default(), pricing.DefaultPolicy(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, report.Findings())
	require.Equal(t, 1, report.Contamination.Count)
	require.Equal(t, []string{"a"}, report.Contamination.Sample)
	require.Equal(t, 1, report.BlockedReasons["non_pet:vase"])
	require.Equal(t, 1, report.SupplierMapping.ProductsMapped)
	require.Equal(t, []string{"b", "c"}, report.SupplierMapping.MissingSample)
	require.Equal(t, 1, report.Images.LocalPrimary)
	require.Equal(t, 1, report.Images.RemotePrimary)
	require.Equal(t, 1, report.Images.WithoutImages)
	require.NotNil(t, report.FallbackPrice)
	require.True(t, report.FallbackPrice.Flagged)
	require.Equal(t, 2, report.FallbackPrice.Count)
	require.Equal(t, 2, report.PriceHistogram[1].Count)
	require.Equal(t, 2, report.PricingIssues[pricing.IssueFallbackPrice])

	path := filepath.Join(t.TempDir(), "audit.json")
	require.NoError(t, WriteReport(path, report))
	require.FileExists(t, path)
}

func TestAuditOnly(t *testing.T) {
	dir := t.TempDir()
	runner := newRunner(t, dir, &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
	ctx := context.Background()
	_, err := runner.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(runner.AuditPath))

	report, err := runner.AuditOnly(ctx)
	require.NoError(t, err)
	require.False(t, report.Findings())
	require.Equal(t, 4, report.Totals.Total)
	require.FileExists(t, runner.AuditPath)
}

func TestMirrorImagesRequiresMirror(t *testing.T) {
	runner := newRunner(t, t.TempDir(), &stepClock{t: time.Now()})
	_, err := runner.MirrorImages(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, images.ErrLowDiskSpace))
}

type fakeStock struct {
	levels map[string]int
	err    error
	calls  int
}

func (f *fakeStock) Stock(_ context.Context, vid string) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	n, ok := f.levels[vid]
	if !ok {
		return 0, errors.New("no such variant")
	}
	return n, nil
}

func linkBowlVariants(t *testing.T, runner *Runner) {
	t.Helper()
	ctx := context.Background()
	cat, err := runner.Store.Load(ctx)
	require.NoError(t, err)
	for i := range cat.Products {
		if cat.Products[i].ID != "cj-P100" {
			continue
		}
		require.Len(t, cat.Products[i].Variants, 2)
		cat.Products[i].Variants[0].CJVariantID = "VR"
		cat.Products[i].Variants[1].CJVariantID = "VB"
	}
	_, err = runner.Store.Save(ctx, cat)
	require.NoError(t, err)
}

func TestRefreshStock(t *testing.T) {
	dir := t.TempDir()
	runner := newRunner(t, dir, &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
	ctx := context.Background()
	_, err := runner.Run(ctx)
	require.NoError(t, err)
	linkBowlVariants(t, runner)

	source := &fakeStock{levels: map[string]int{"VR": 0, "VB": 12}}
	runner.Stock = source
	summary, err := runner.RefreshStock(ctx)
	require.NoError(t, err)
	require.Equal(t, StockSummary{Checked: 2, Updated: 2, Unavailable: 1}, summary)

	cat, err := runner.Store.Load(ctx)
	require.NoError(t, err)
	var bowl catalog.Product
	for _, p := range cat.Products {
		if p.ID == "cj-P100" {
			bowl = p
		}
	}
	require.False(t, bowl.Variants[0].Available)
	require.Equal(t, 0, *bowl.Variants[0].Stock)
	require.True(t, bowl.Variants[1].Available)
	require.Equal(t, 12, *bowl.Variants[1].Stock)

	again, err := runner.RefreshStock(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Updated)
	require.Equal(t, 4, source.calls)
}

func TestRefreshStockCountsLookupFailures(t *testing.T) {
	dir := t.TempDir()
	runner := newRunner(t, dir, &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
	ctx := context.Background()
	_, err := runner.Run(ctx)
	require.NoError(t, err)
	linkBowlVariants(t, runner)

	runner.Stock = &fakeStock{levels: map[string]int{"VB": 3}}
	summary, err := runner.RefreshStock(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Updated)
}

func TestRefreshStockAbortsOnAuthFailure(t *testing.T) {
	dir := t.TempDir()
	runner := newRunner(t, dir, &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
	ctx := context.Background()
	_, err := runner.Run(ctx)
	require.NoError(t, err)
	linkBowlVariants(t, runner)
	before, err := os.ReadFile(filepath.Join(dir, "catalog.json"))
	require.NoError(t, err)

	runner.Stock = &fakeStock{err: supplier.ErrUnauthorized}
	_, err = runner.RefreshStock(ctx)
	require.ErrorIs(t, err, supplier.ErrUnauthorized)

	after, err := os.ReadFile(filepath.Join(dir, "catalog.json"))
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRefreshStockRequiresSource(t *testing.T) {
	runner := newRunner(t, t.TempDir(), &stepClock{t: time.Now()})
	_, err := runner.RefreshStock(context.Background())
	require.Error(t, err)
}
