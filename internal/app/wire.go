package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/getpawsy/catalog/internal/catalog"
	"github.com/getpawsy/catalog/internal/classify"
	"github.com/getpawsy/catalog/internal/images"
	jobmetrics "github.com/getpawsy/catalog/internal/jobs"
	"github.com/getpawsy/catalog/internal/pipeline"
	"github.com/getpawsy/catalog/internal/platform/cache"
	"github.com/getpawsy/catalog/internal/platform/db"
	"github.com/getpawsy/catalog/internal/pricing"
	"github.com/getpawsy/catalog/internal/publish"
	"github.com/getpawsy/catalog/internal/supplier"
)

const (
	lockPrefix = "pawsy:lock:"
	runLockKey = "catalog"
)

// ServiceOptions tunes which external connections NewServices requires.
type ServiceOptions struct {
	// RequireRedis fails wiring when Redis is unreachable. Without it the
	// run lock is skipped and supplier tokens stay in memory.
	RequireRedis bool
	Metrics      *jobmetrics.Metrics
}

// Services holds the wired pipeline and the connections it owns.
type Services struct {
	Runner   *pipeline.Runner
	Store    *catalog.Store
	Mirror   *images.Mirror
	Supplier *supplier.Client
	Redis    *redis.Client
	Pool     *pgxpool.Pool
}

// NewServices wires the catalog pipeline from configuration.
func NewServices(ctx context.Context, cfg *Config, logger *slog.Logger, opts ServiceOptions) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tax := classify.DefaultTaxonomy()
	if cfg.TaxonomyFile != "" {
		loaded, err := classify.LoadTaxonomy(cfg.TaxonomyFile)
		if err != nil {
			return nil, err
		}
		tax = loaded
	}
	policy, err := pricing.NewPolicy(pricing.Settings{
		MinProfit:       cfg.PricingMinProfit,
		MaxPrice:        cfg.PricingMaxPrice,
		CompareAtUplift: cfg.PricingCompareAtUplift,
		MinMargin:       cfg.PricingMinMargin,
		FallbackPrices:  cfg.PricingFallbackPrices,
	})
	if err != nil {
		return nil, err
	}

	svc := &Services{
		Store: catalog.NewStore(cfg.CatalogPath, cfg.CatalogBackupDir, logger),
		Mirror: images.NewMirror(images.Config{
			Dir:          cfg.ImageDir,
			PublicPrefix: cfg.ImagePublicPrefix,
			Workers:      cfg.ImageWorkers,
			MaxBytes:     cfg.ImageMaxBytes,
			Timeout:      cfg.ImageTimeout,
			Retries:      cfg.ImageRetries,
			MinFreeBytes: cfg.ImageMinFreeBytes,
			UserAgent:    cfg.ImageUserAgent,
			Referer:      cfg.ImageReferer,
		}, logger.With(slog.String("component", "image_mirror"))),
	}
	runner := &pipeline.Runner{
		Store:     svc.Store,
		Assembler: pipeline.NewAssembler(classify.New(tax), policy, images.NewResolver(true), cfg.ProductIDPrefix),
		Sources:   cfg.FeedSources,
		AuditPath: cfg.CatalogAuditPath,
		Metrics:   opts.Metrics,
		Logger:    logger.With(slog.String("component", "pipeline")),
	}
	if cfg.ImageMirrorEnabled {
		runner.Mirror = svc.Mirror
	}

	redisClient, err := cache.New(ctx, cfg.Redis())
	switch {
	case err == nil:
		svc.Redis = redisClient
		runner.Lock = pipeline.RedisLock(cache.NewLocker(redisClient, lockPrefix), runLockKey, cfg.RunLockTTL)
	case opts.RequireRedis:
		return nil, err
	default:
		logger.Warn("redis unavailable, running without run lock", slog.Any("error", err))
	}

	if cfg.SupplierEnabled() {
		var store supplier.TokenStore
		if svc.Redis != nil {
			store = supplier.NewRedisTokenStore(svc.Redis, "")
		}
		svc.Supplier = supplier.NewClient(supplier.Config{
			BaseURL:     cfg.CJAPIBase,
			Email:       cfg.CJEmail,
			APIKey:      cfg.CJAPIKey,
			RatePerSec:  cfg.CJRatePerSec,
			Timeout:     cfg.CJTimeout,
			RefreshSkew: cfg.CJTokenRefreshSkew,
		}, store, logger.With(slog.String("component", "supplier")))
		runner.Enricher = supplier.NewEnricher(svc.Supplier, cfg.CJBatchSize, cfg.CJBatchDelay, logger).WithStock(cfg.CJFetchStock)
		runner.Stock = svc.Supplier
	}

	if cfg.PGDSN != "" {
		pool, err := db.New(ctx, cfg.Postgres())
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("app: publish store: %w", err)
		}
		svc.Pool = pool
		runner.Publisher = publish.NewPublisher(pool, logger)
	}

	svc.Runner = runner
	return svc, nil
}

// Close releases the Redis client and database pool.
func (s *Services) Close() {
	if s == nil {
		return
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
