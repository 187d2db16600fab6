package supplier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/getpawsy/catalog/internal/feed"
)

// EnrichStats counts enrichment outcomes.
type EnrichStats struct {
	Requested int `json:"requested"`
	Enriched  int `json:"enriched"`
	NotFound  int `json:"notFound"`
	Failed    int `json:"failed"`
}

// Fetcher loads one supplier record. *Client satisfies it.
type Fetcher interface {
	FetchRecord(ctx context.Context, pid string) (feed.Record, error)
	Stock(ctx context.Context, vid string) (int, error)
}

// Enricher fills feed records with supplier API data in paced batches.
type Enricher struct {
	fetcher    Fetcher
	batchSize  int
	batchDelay time.Duration
	fetchStock bool
	logger     *slog.Logger
}

// NewEnricher builds an enricher. Between batches of batchSize records it
// waits batchDelay.
func NewEnricher(fetcher Fetcher, batchSize int, batchDelay time.Duration, logger *slog.Logger) *Enricher {
	if batchSize < 1 {
		batchSize = 20
	}
	return &Enricher{fetcher: fetcher, batchSize: batchSize, batchDelay: batchDelay, logger: logger}
}

// WithStock enables per-variant stock lookups for variants the detail
// payload left without inventory.
func (e *Enricher) WithStock(enabled bool) *Enricher {
	e.fetchStock = enabled
	return e
}

func (e *Enricher) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default().With(slog.String("component", "supplier.enrich"))
}

// Enrich returns records overlaid with supplier data. Per-product failures
// are counted and leave the record untouched; an auth failure or
// cancellation aborts.
func (e *Enricher) Enrich(ctx context.Context, records []feed.Record) ([]feed.Record, EnrichStats, error) {
	var stats EnrichStats
	out := make([]feed.Record, len(records))
	copy(out, records)

	for i := range out {
		if out[i].Source == feed.SourceAPI || out[i].ProductID == "" {
			continue
		}
		if stats.Requested > 0 && stats.Requested%e.batchSize == 0 {
			if err := sleep(ctx, e.batchDelay); err != nil {
				return nil, stats, err
			}
		}
		stats.Requested++

		remote, err := e.fetcher.FetchRecord(ctx, out[i].ProductID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, stats, ctxErr
		}
		switch {
		case errors.Is(err, ErrUnauthorized):
			return nil, stats, err
		case errors.Is(err, ErrNotFound):
			stats.NotFound++
			continue
		case err != nil:
			stats.Failed++
			e.log().Warn("supplier fetch failed", slog.String("product_id", out[i].ProductID), slog.Any("error", err))
			continue
		}
		if e.fetchStock {
			if err := e.fillStock(ctx, remote.Variants); err != nil {
				return nil, stats, err
			}
		}
		out[i] = Overlay(out[i], remote)
		stats.Enriched++
	}

	e.log().Info("supplier enrichment complete",
		slog.Int("requested", stats.Requested),
		slog.Int("enriched", stats.Enriched),
		slog.Int("not_found", stats.NotFound),
		slog.Int("failed", stats.Failed),
	)
	return out, stats, nil
}

func (e *Enricher) fillStock(ctx context.Context, variants []feed.RawVariant) error {
	for i := range variants {
		if variants[i].Stock != nil || variants[i].ID == "" {
			continue
		}
		n, err := e.fetcher.Stock(ctx, variants[i].ID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if err != nil {
			e.log().Debug("variant stock lookup failed", slog.String("variant_id", variants[i].ID), slog.Any("error", err))
			continue
		}
		variants[i].Stock = &n
	}
	return nil
}

// Overlay fills base with supplier data. Text fields keep the feed value
// when present; the supplier's variant list replaces the feed's because it
// carries the variant ids fulfillment needs.
func Overlay(base, remote feed.Record) feed.Record {
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&base.SKU, remote.SKU)
	fill(&base.Title, remote.Title)
	fill(&base.Description, remote.Description)
	fill(&base.Category, remote.Category)
	fill(&base.Warehouse, remote.Warehouse)
	fill(&base.Thumbnail, remote.Thumbnail)
	if base.Cost <= 0 {
		base.Cost = remote.Cost
	}
	if len(base.Tags) == 0 {
		base.Tags = remote.Tags
	}
	if len(base.Images) == 0 && base.ResolvedImage == "" {
		base.Images = remote.Images
	}
	if len(remote.Variants) > 0 {
		base.Variants = remote.Variants
	}
	if len(remote.Fields) > 0 {
		fields := make(map[string]string, len(base.Fields)+len(remote.Fields))
		for k, v := range remote.Fields {
			fields[k] = v
		}
		for k, v := range base.Fields {
			fields[k] = v
		}
		base.Fields = fields
	}
	return base
}

// ListAll pages through the product list and returns the raw items. It
// stops after maxPages pages, an empty page, or once total items have been
// seen. A non-positive maxPages reads every page.
func (c *Client) ListAll(ctx context.Context, q ListQuery, maxPages int) ([]map[string]any, error) {
	var items []map[string]any
	if q.Page < 1 {
		q.Page = 1
	}
	for pages := 0; maxPages <= 0 || pages < maxPages; pages++ {
		page, err := c.ListProducts(ctx, q)
		if err != nil {
			return items, err
		}
		if len(page.Items) == 0 {
			break
		}
		items = append(items, page.Items...)
		if page.Total > 0 && len(items) >= page.Total {
			break
		}
		q.Page++
	}
	return items, nil
}

// Import lists products like ListAll and maps each item into a feed record.
func (c *Client) Import(ctx context.Context, q ListQuery, maxPages int) (feed.MapResult, error) {
	items, err := c.ListAll(ctx, q, maxPages)
	result := MapItems(items)
	return result, err
}

// MapItems maps raw product-list objects. Items without an identifier are
// dropped by their 1-based position.
func MapItems(items []map[string]any) feed.MapResult {
	result := feed.MapResult{Rows: len(items)}
	for i, item := range items {
		rec, ok := feed.MapAPI(item)
		if !ok {
			result.Dropped++
			result.DroppedLines = append(result.DroppedLines, i+1)
			continue
		}
		rec.Line = i + 1
		result.Records = append(result.Records, rec)
	}
	return result
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
