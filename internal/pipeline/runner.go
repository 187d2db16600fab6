package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/getpawsy/catalog/internal/catalog"
	"github.com/getpawsy/catalog/internal/feed"
	"github.com/getpawsy/catalog/internal/images"
	jobmetrics "github.com/getpawsy/catalog/internal/jobs"
	"github.com/getpawsy/catalog/internal/platform/cache"
	"github.com/getpawsy/catalog/internal/pricing"
	"github.com/getpawsy/catalog/internal/publish"
	"github.com/getpawsy/catalog/internal/supplier"
)

// Enricher overlays supplier API data on feed records.
type Enricher interface {
	Enrich(ctx context.Context, records []feed.Record) ([]feed.Record, supplier.EnrichStats, error)
}

// Mirror downloads remote product images and rewrites them to local paths.
type Mirror interface {
	Products(ctx context.Context, products []catalog.Product) ([]catalog.Product, images.Summary, error)
}

// Publisher copies a saved catalog to a secondary store.
type Publisher interface {
	Publish(ctx context.Context, cat *catalog.Catalog) (publish.Result, error)
}

// LockFunc takes the run lock and returns its release function.
type LockFunc func(ctx context.Context) (func(context.Context) error, error)

// RedisLock adapts a Redis locker to a LockFunc holding key for ttl.
func RedisLock(locker *cache.Locker, key string, ttl time.Duration) LockFunc {
	return func(ctx context.Context) (func(context.Context) error, error) {
		lock, err := locker.Acquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		return lock.Release, nil
	}
}

// Summary reports one pipeline run.
type Summary struct {
	RunID        string               `json:"runId"`
	ContentID    string               `json:"contentId"`
	Sources      []string             `json:"sources"`
	Records      int                  `json:"records"`
	Dropped      int                  `json:"dropped"`
	DroppedLines []int                `json:"droppedLines,omitempty"`
	Enrich       supplier.EnrichStats `json:"enrich"`
	Images       images.Summary       `json:"images"`
	Stats        catalog.Stats        `json:"stats"`
	Backup       string               `json:"backup,omitempty"`
	Published    *publish.Result      `json:"published,omitempty"`
	Findings     bool                 `json:"findings"`
	Duration     time.Duration        `json:"duration"`
}

// Runner executes the catalog build end to end. Store and Assembler are
// required; the remaining collaborators are optional.
type Runner struct {
	Store     *catalog.Store
	Assembler *Assembler
	Sources   []string
	AuditPath string
	Lock      LockFunc
	Enricher  Enricher
	Mirror    Mirror
	Publisher Publisher
	Stock     StockSource
	Metrics   *jobmetrics.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

func (r *Runner) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default().With(slog.String("component", "pipeline"))
}

func (r *Runner) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Runner) locked(ctx context.Context, fn func(context.Context) error) error {
	if r.Lock == nil {
		return fn(ctx)
	}
	release, err := r.Lock(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: run lock: %w", err)
	}
	defer func() {
		// The run context may already be cancelled.
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.log().Warn("release run lock", slog.Any("error", err))
		}
	}()
	return fn(ctx)
}

// Run reads the sources, builds and validates the catalog, saves it with a
// backup, writes the audit report and optionally publishes. Nothing is
// written when validation fails.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := r.now()
	summary := Summary{RunID: uuid.NewString(), Sources: r.Sources}
	logger := r.log().With(slog.String("run_id", summary.RunID))

	err := r.locked(ctx, func(ctx context.Context) error {
		previous, err := r.Store.Load(ctx)
		if err != nil {
			return err
		}

		mapped, err := feed.ReadSources(ctx, r.Sources)
		if err != nil {
			return err
		}
		summary.Records = len(mapped.Records)
		summary.Dropped = mapped.Dropped
		summary.DroppedLines = mapped.DroppedLines
		r.Metrics.AddDroppedRecords(mapped.Dropped)
		logger.Info("feed mapped",
			slog.Int("rows", mapped.Rows),
			slog.Int("records", summary.Records),
			slog.Int("dropped", mapped.Dropped),
		)

		records := mapped.Records
		if r.Enricher != nil {
			records, summary.Enrich, err = r.Enricher.Enrich(ctx, records)
			if err != nil {
				return fmt.Errorf("pipeline: enrich: %w", err)
			}
		}

		built := r.Assembler.Build(records)
		if r.Mirror != nil {
			built, summary.Images, err = r.Mirror.Products(ctx, built)
			r.Metrics.AddImageOutcomes(summary.Images.Mirrored, summary.Images.Cached, summary.Images.Failed, summary.Images.Skipped)
			if err != nil {
				return fmt.Errorf("pipeline: mirror: %w", err)
			}
		}

		cat := r.Assembler.Finalize(built, previous, catalog.BuildInfo{
			Sources:        r.Sources,
			RecordsIn:      summary.Records,
			RecordsDropped: summary.Dropped,
			Enriched:       summary.Enrich.Enriched,
			Mirrored:       summary.Images.Mirrored + summary.Images.Cached,
			MirrorFailed:   summary.Images.Failed,
		})
		return r.commit(ctx, logger, cat, &summary)
	})
	summary.Duration = r.now().Sub(start)
	if err != nil {
		logger.Error("catalog build failed", slog.Any("error", err))
		return summary, err
	}
	logger.Info("catalog build complete",
		slog.String("content_id", summary.ContentID),
		slog.Int("total", summary.Stats.Total),
		slog.Int("active", summary.Stats.Active),
		slog.Int("blocked", summary.Stats.Blocked),
		slog.Int("inactive", summary.Stats.Inactive),
		slog.Bool("findings", summary.Findings),
		slog.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// commit validates, saves, audits and publishes a finished catalog.
func (r *Runner) commit(ctx context.Context, logger *slog.Logger, cat *catalog.Catalog, summary *Summary) error {
	classifier := r.Assembler.Classifier()
	if _, err := catalog.Validate(cat, catalog.ValidateOptions{SubcategoryAllowed: classifier.SubcategoryAllowed}); err != nil {
		return err
	}
	backup, err := r.Store.Save(ctx, cat)
	if err != nil {
		return err
	}
	summary.Backup = backup
	summary.ContentID = cat.BuildInfo.ContentID
	summary.Stats = cat.Stats
	r.Metrics.SetCatalogState(cat.Stats.Active, cat.Stats.Inactive, cat.Stats.Blocked)

	report := Audit(cat, classifier, r.Assembler.Policy(), r.now())
	summary.Findings = report.Findings()
	r.Metrics.SetContamination(report.Contamination.Count)
	if r.AuditPath != "" {
		if err := WriteReport(r.AuditPath, report); err != nil {
			return err
		}
	}
	if report.Contamination.Count > 0 {
		logger.Warn("small-pet contamination found",
			slog.Int("count", report.Contamination.Count),
			slog.Any("sample", report.Contamination.Sample),
		)
	}

	if r.Publisher != nil {
		result, err := r.Publisher.Publish(ctx, cat)
		if err != nil {
			return fmt.Errorf("pipeline: publish: %w", err)
		}
		summary.Published = &result
	}
	return nil
}

// AuditOnly audits the persisted catalog without rebuilding it.
func (r *Runner) AuditOnly(ctx context.Context) (Report, error) {
	cat, err := r.Store.Load(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Audit(cat, r.Assembler.Classifier(), r.Assembler.Policy(), r.now())
	r.Metrics.SetContamination(report.Contamination.Count)
	if r.AuditPath != "" {
		if err := WriteReport(r.AuditPath, report); err != nil {
			return report, err
		}
	}
	r.log().Info("catalog audit complete",
		slog.String("content_id", report.ContentID),
		slog.Int("contamination", report.Contamination.Count),
		slog.Int("violations", len(report.Violations)),
		slog.Bool("findings", report.Findings()),
	)
	return report, nil
}

// EnforcePricing re-validates persisted prices. In fix mode corrected
// products are saved through the normal finalize and validate path.
func (r *Runner) EnforcePricing(ctx context.Context, mode pricing.Mode) (pricing.Report, error) {
	var report pricing.Report
	err := r.locked(ctx, func(ctx context.Context) error {
		cat, err := r.Store.Load(ctx)
		if err != nil {
			return err
		}
		var products []catalog.Product
		products, report = r.Assembler.Policy().Enforce(cat.Products, mode)
		if mode != pricing.ModeFix || report.Fixed == 0 {
			return nil
		}
		var summary Summary
		return r.commit(ctx, r.log(), r.Assembler.Finalize(products, cat, cat.BuildInfo), &summary)
	})
	if err != nil {
		return report, err
	}
	r.log().Info("pricing enforcement complete",
		slog.String("mode", string(report.Mode)),
		slog.Int("checked", report.Checked),
		slog.Int("invalid", report.Invalid),
		slog.Int("fixed", report.Fixed),
		slog.Int("unfixable", report.Unfixable),
	)
	return report, nil
}

// MirrorImages mirrors remote images of the persisted catalog and saves the
// rewritten paths. A low-disk halt still saves the images mirrored so far.
func (r *Runner) MirrorImages(ctx context.Context) (images.Summary, error) {
	if r.Mirror == nil {
		return images.Summary{}, errors.New("pipeline: image mirror not configured")
	}
	var summary images.Summary
	err := r.locked(ctx, func(ctx context.Context) error {
		cat, err := r.Store.Load(ctx)
		if err != nil {
			return err
		}
		products, sum, mirrorErr := r.Mirror.Products(ctx, cat.Products)
		summary = sum
		r.Metrics.AddImageOutcomes(sum.Mirrored, sum.Cached, sum.Failed, sum.Skipped)
		if mirrorErr != nil && !errors.Is(mirrorErr, images.ErrLowDiskSpace) {
			return fmt.Errorf("pipeline: mirror: %w", mirrorErr)
		}
		info := cat.BuildInfo
		info.Mirrored = sum.Mirrored + sum.Cached
		info.MirrorFailed = sum.Failed
		var run Summary
		if err := r.commit(ctx, r.log(), r.Assembler.Finalize(products, cat, info), &run); err != nil {
			return err
		}
		if mirrorErr != nil {
			return fmt.Errorf("pipeline: mirror: %w", mirrorErr)
		}
		return nil
	})
	return summary, err
}
