// Package publish mirrors the saved catalog into PostgreSQL for the
// storefront database.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/getpawsy/catalog/internal/catalog"
	"github.com/getpawsy/catalog/internal/platform/db"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS catalog_products (
	id               TEXT PRIMARY KEY,
	slug             TEXT NOT NULL,
	title            TEXT NOT NULL,
	price            NUMERIC(12,2) NOT NULL,
	compare_at_price NUMERIC(12,2),
	main_category    TEXT NOT NULL,
	subcategory      TEXT NOT NULL,
	pet_type         TEXT NOT NULL,
	images           JSONB NOT NULL DEFAULT '[]'::jsonb,
	variants         JSONB NOT NULL DEFAULT '[]'::jsonb,
	cj_product_id    TEXT,
	published        BOOLEAN NOT NULL DEFAULT FALSE,
	blocked_reason   TEXT,
	updated_at       TIMESTAMPTZ NOT NULL
)`

const upsertSQL = `
INSERT INTO catalog_products (
	id, slug, title, price, compare_at_price, main_category, subcategory, pet_type,
	images, variants, cj_product_id, published, blocked_reason, updated_at
) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9::jsonb, $10::jsonb, NULLIF($11, ''), $12, NULLIF($13, ''), $14)
ON CONFLICT (id) DO UPDATE SET
	slug = EXCLUDED.slug,
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	compare_at_price = EXCLUDED.compare_at_price,
	main_category = EXCLUDED.main_category,
	subcategory = EXCLUDED.subcategory,
	pet_type = EXCLUDED.pet_type,
	images = EXCLUDED.images,
	variants = EXCLUDED.variants,
	cj_product_id = EXCLUDED.cj_product_id,
	published = EXCLUDED.published,
	blocked_reason = EXCLUDED.blocked_reason,
	updated_at = EXCLUDED.updated_at
WHERE catalog_products.updated_at IS DISTINCT FROM EXCLUDED.updated_at
   OR catalog_products.published IS DISTINCT FROM EXCLUDED.published`

// Result counts the rows touched by a publish.
type Result struct {
	Products  int `json:"products"`
	Written   int `json:"written"`
	Published int `json:"published"`
}

// Publisher upserts catalog products in one transaction.
type Publisher struct {
	pool   db.TxStarter
	logger *slog.Logger
}

// NewPublisher builds a publisher over pool, usually a *pgxpool.Pool.
func NewPublisher(pool db.TxStarter, logger *slog.Logger) *Publisher {
	return &Publisher{pool: pool, logger: logger}
}

func (p *Publisher) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default().With(slog.String("component", "publish"))
}

// Publish ensures the table exists and upserts every product.
func (p *Publisher) Publish(ctx context.Context, cat *catalog.Catalog) (Result, error) {
	start := time.Now()
	var result Result
	err := db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("publish: ensure schema: %w", err)
		}
		var err error
		result, err = Upsert(ctx, tx, cat.Products)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	p.log().Info("catalog published",
		slog.Int("products", result.Products),
		slog.Int("written", result.Written),
		slog.Int("published", result.Published),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// Upsert writes products through q. Rows whose timestamp and publish flag
// are unchanged are left alone.
func Upsert(ctx context.Context, q db.Execer, products []catalog.Product) (Result, error) {
	result := Result{Products: len(products)}
	for _, product := range products {
		args, err := rowArgs(product)
		if err != nil {
			return result, err
		}
		tag, err := q.Exec(ctx, upsertSQL, args...)
		if err != nil {
			return result, fmt.Errorf("publish: upsert %s: %w", product.ID, err)
		}
		result.Written += int(tag.RowsAffected())
		if product.Active {
			result.Published++
		}
	}
	return result, nil
}

func rowArgs(p catalog.Product) ([]any, error) {
	images := p.Images
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("publish: encode images %s: %w", p.ID, err)
	}
	variantsJSON, err := json.Marshal(p.Variants)
	if err != nil {
		return nil, fmt.Errorf("publish: encode variants %s: %w", p.ID, err)
	}
	var compareAt any
	if p.CompareAtPrice != nil {
		compareAt = p.CompareAtPrice.StringFixed(2)
	}
	return []any{
		p.ID,
		p.Slug,
		p.Title,
		p.Price.StringFixed(2),
		compareAt,
		p.MainCategorySlug,
		p.SubcategorySlug,
		p.PetType,
		string(imagesJSON),
		string(variantsJSON),
		p.CJProductID,
		p.Active,
		p.BlockedReason,
		p.UpdatedAt,
	}, nil
}

const pruneSQL = `DELETE FROM catalog_products WHERE NOT (id = ANY($1::text[]))`

// Prune deletes published rows whose id is not in keep. An empty keep list
// is refused so a missing catalog cannot wipe the table.
func Prune(ctx context.Context, q db.Execer, keep []string) (int64, error) {
	if len(keep) == 0 {
		return 0, errors.New("publish: prune: refusing to prune against an empty catalog")
	}
	tag, err := q.Exec(ctx, pruneSQL, keep)
	if err != nil {
		return 0, fmt.Errorf("publish: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
