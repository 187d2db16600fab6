package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getpawsy/catalog/internal/catalog"
	"github.com/getpawsy/catalog/internal/supplier"
	"github.com/getpawsy/catalog/internal/variants"
)

// StockSource reports supplier inventory for one variant.
type StockSource interface {
	Stock(ctx context.Context, vid string) (int, error)
}

// StockSummary reports one inventory refresh.
type StockSummary struct {
	Checked     int `json:"checked"`
	Updated     int `json:"updated"`
	Unavailable int `json:"unavailable"`
	Failed      int `json:"failed"`
}

// RefreshStock applies current supplier inventory to every linked variant
// of the persisted catalog and saves the result. Lookup failures leave the
// variant unchanged; an auth failure aborts without saving.
func (r *Runner) RefreshStock(ctx context.Context) (StockSummary, error) {
	if r.Stock == nil {
		return StockSummary{}, errors.New("pipeline: stock source not configured")
	}
	var summary StockSummary
	err := r.locked(ctx, func(ctx context.Context) error {
		cat, err := r.Store.Load(ctx)
		if err != nil {
			return err
		}
		stock, err := r.lookupStock(ctx, cat.Products, &summary)
		if err != nil {
			return err
		}

		products := make([]catalog.Product, len(cat.Products))
		for i, p := range cat.Products {
			products[i] = catalog.Clone(p)
			products[i].Variants = variants.ApplyInventory(p.Variants, stock)
			for j, v := range products[i].Variants {
				if v.CJVariantID == "" {
					continue
				}
				if _, ok := stock[v.CJVariantID]; !ok {
					continue
				}
				if !v.Available {
					summary.Unavailable++
				}
				if stockChanged(p.Variants[j], v) {
					summary.Updated++
				}
			}
		}
		if summary.Updated == 0 {
			return nil
		}
		var run Summary
		return r.commit(ctx, r.log(), r.Assembler.Finalize(products, cat, cat.BuildInfo), &run)
	})
	if err != nil {
		return summary, err
	}
	r.log().Info("stock refresh complete",
		slog.Int("checked", summary.Checked),
		slog.Int("updated", summary.Updated),
		slog.Int("unavailable", summary.Unavailable),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (r *Runner) lookupStock(ctx context.Context, products []catalog.Product, summary *StockSummary) (map[string]int, error) {
	stock := map[string]int{}
	seen := map[string]bool{}
	for _, p := range products {
		for _, v := range p.Variants {
			vid := v.CJVariantID
			if vid == "" || seen[vid] {
				continue
			}
			seen[vid] = true
			summary.Checked++
			n, err := r.Stock.Stock(ctx, vid)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, supplier.ErrUnauthorized) {
				return nil, fmt.Errorf("pipeline: stock: %w", err)
			}
			if err != nil {
				summary.Failed++
				r.log().Debug("variant stock lookup failed", slog.String("variant_id", vid), slog.Any("error", err))
				continue
			}
			stock[vid] = n
		}
	}
	return stock, nil
}

func stockChanged(before, after catalog.Variant) bool {
	if before.Available != after.Available {
		return true
	}
	if before.Stock == nil || after.Stock == nil {
		return before.Stock != after.Stock
	}
	return *before.Stock != *after.Stock
}
