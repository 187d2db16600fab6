package app

import (
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kelseyhightower/envconfig"

	"github.com/getpawsy/catalog/internal/platform/cache"
	"github.com/getpawsy/catalog/internal/platform/db"
)

// Config holds runtime configuration for the catalog pipeline, worker and CLI.
type Config struct {
	AppEnv    string `envconfig:"APP_ENV" default:"development"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	CatalogPath      string   `envconfig:"CATALOG_PATH" default:"data/catalog.json"`
	CatalogBackupDir string   `envconfig:"CATALOG_BACKUP_DIR" default:"data/backups"`
	CatalogAuditPath string   `envconfig:"CATALOG_AUDIT_PATH" default:"data/catalog-audit.json"`
	FeedSources      []string `envconfig:"FEED_SOURCES"`
	ProductIDPrefix  string   `envconfig:"PRODUCT_ID_PREFIX" default:"cj-"`
	TaxonomyFile     string   `envconfig:"CLASSIFY_TAXONOMY_FILE"`

	ImageMirrorEnabled bool          `envconfig:"IMAGE_MIRROR_ENABLED" default:"false"`
	ImageDir           string        `envconfig:"IMAGE_DIR" default:"public/images/products"`
	ImagePublicPrefix  string        `envconfig:"IMAGE_PUBLIC_PREFIX" default:"/images/products"`
	ImageWorkers       int           `envconfig:"IMAGE_WORKERS" default:"6"`
	ImageMaxBytes      int64         `envconfig:"IMAGE_MAX_BYTES" default:"10485760"`
	ImageTimeout       time.Duration `envconfig:"IMAGE_TIMEOUT" default:"20s"`
	ImageRetries       int           `envconfig:"IMAGE_RETRIES" default:"3"`
	ImageMinFreeBytes  uint64        `envconfig:"IMAGE_MIN_FREE_BYTES" default:"524288000"`
	ImageUserAgent     string        `envconfig:"IMAGE_USER_AGENT" default:"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"`
	ImageReferer       string        `envconfig:"IMAGE_REFERER" default:"https://cjdropshipping.com/"`

	PricingMinProfit       string   `envconfig:"PRICING_MIN_PROFIT" default:"5.00"`
	PricingMaxPrice        string   `envconfig:"PRICING_MAX_PRICE" default:"500"`
	PricingCompareAtUplift string   `envconfig:"PRICING_COMPARE_AT_UPLIFT" default:"1.25"`
	PricingMinMargin       float64  `envconfig:"PRICING_MIN_MARGIN" default:"30"`
	PricingFallbackPrices  []string `envconfig:"PRICING_FALLBACK_PRICES" default:"5.00,15.00"`

	CJAPIBase          string        `envconfig:"CJ_API_BASE" default:"https://developers.cjdropshipping.com/api2.0/v1"`
	CJEmail            string        `envconfig:"CJ_EMAIL"`
	CJAPIKey           string        `envconfig:"CJ_API_KEY"`
	CJRatePerSec       float64       `envconfig:"CJ_RATE_PER_SEC" default:"1"`
	CJBatchSize        int           `envconfig:"CJ_BATCH_SIZE" default:"20"`
	CJBatchDelay       time.Duration `envconfig:"CJ_BATCH_DELAY" default:"2s"`
	CJTimeout          time.Duration `envconfig:"CJ_TIMEOUT" default:"30s"`
	CJTokenRefreshSkew time.Duration `envconfig:"CJ_TOKEN_REFRESH_SKEW" default:"10m"`
	CJFetchStock       bool          `envconfig:"CJ_FETCH_STOCK" default:"false"`

	StrictFulfillment bool `envconfig:"STRICT_FULFILLMENT" default:"false"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	PGDSN         string `envconfig:"PG_DSN"`
	PGMaxConns    int32  `envconfig:"PG_MAX_CONNS" default:"4"`

	OpsAddr         string        `envconfig:"OPS_ADDR" default:":9090"`
	OpsReadTimeout  time.Duration `envconfig:"OPS_READ_TIMEOUT" default:"15s"`
	OpsWriteTimeout time.Duration `envconfig:"OPS_WRITE_TIMEOUT" default:"15s"`

	CatalogBuildCron string        `envconfig:"CATALOG_BUILD_CRON" default:"0 */6 * * *"`
	CatalogAuditCron string        `envconfig:"CATALOG_AUDIT_CRON" default:"30 2 * * *"`
	RunLockTTL       time.Duration `envconfig:"RUN_LOCK_TTL" default:"1h"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.CatalogPath == "" {
		return nil, errors.New("catalog path must be provided")
	}
	if cfg.ImageWorkers < 1 {
		return nil, errors.New("image workers must be at least 1")
	}
	if cfg.CJBatchSize < 1 {
		return nil, errors.New("cj batch size must be at least 1")
	}
	return &cfg, nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// SupplierEnabled reports whether CJ API credentials are configured.
func (c *Config) SupplierEnabled() bool {
	return c != nil && c.CJEmail != "" && c.CJAPIKey != ""
}

// Redis returns the connection settings for the lock and token store.
func (c *Config) Redis() cache.Config {
	return cache.Config{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// AsynqRedis returns the same Redis settings for the job queue.
func (c *Config) AsynqRedis() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// Postgres returns the publisher's pool settings.
func (c *Config) Postgres() db.Config {
	return db.Config{DSN: c.PGDSN, MaxConns: c.PGMaxConns}
}
