package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/getpawsy/catalog/internal/images"
	jobmetrics "github.com/getpawsy/catalog/internal/jobs"
	"github.com/getpawsy/catalog/internal/pipeline"
	"github.com/getpawsy/catalog/internal/platform/cache"
	"github.com/getpawsy/catalog/internal/pricing"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// CatalogRunner is the pipeline surface the catalog jobs drive.
type CatalogRunner interface {
	Run(ctx context.Context) (pipeline.Summary, error)
	AuditOnly(ctx context.Context) (pipeline.Report, error)
	EnforcePricing(ctx context.Context, mode pricing.Mode) (pricing.Report, error)
	MirrorImages(ctx context.Context) (images.Summary, error)
}

// CatalogJob handles the catalog task types.
type CatalogJob struct {
	Runner  CatalogRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewCatalogJob constructs the job handlers.
func NewCatalogJob(runner CatalogRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *CatalogJob {
	return &CatalogJob{
		Runner:  runner,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handlers lists the task handlers for worker registration.
func (j *CatalogJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskCatalogBuild, Handler: j.HandleBuild},
		{Type: TaskCatalogAudit, Handler: j.HandleAudit},
		{Type: TaskPricingEnforce, Handler: j.HandleEnforce},
		{Type: TaskImagesMirror, Handler: j.HandleMirror},
	}
}

// HandleBuild runs the catalog pipeline.
func (j *CatalogJob) HandleBuild(ctx context.Context, task *asynq.Task) error {
	payload, err := j.trigger(task)
	if err != nil {
		return err
	}
	return j.track(TaskCatalogBuild, func() error {
		start := j.now()
		summary, err := j.Runner.Run(ctx)
		if err != nil {
			return err
		}
		j.log(TaskCatalogBuild).Info("catalog build finished",
			slog.String("trigger", payload.Trigger),
			slog.String("content_id", summary.ContentID),
			slog.Int("active", summary.Stats.Active),
			slog.Bool("findings", summary.Findings),
			slog.Duration("duration", j.now().Sub(start)),
		)
		return nil
	})
}

// HandleAudit audits the persisted catalog.
func (j *CatalogJob) HandleAudit(ctx context.Context, task *asynq.Task) error {
	payload, err := j.trigger(task)
	if err != nil {
		return err
	}
	return j.track(TaskCatalogAudit, func() error {
		report, err := j.Runner.AuditOnly(ctx)
		if err != nil {
			return err
		}
		if report.Findings() {
			j.log(TaskCatalogAudit).Warn("catalog audit has findings",
				slog.String("trigger", payload.Trigger),
				slog.Int("contamination", report.Contamination.Count),
				slog.Int("violations", len(report.Violations)),
			)
		}
		return nil
	})
}

// HandleEnforce re-validates persisted prices.
func (j *CatalogJob) HandleEnforce(ctx context.Context, task *asynq.Task) error {
	if err := j.ready(); err != nil {
		return err
	}
	var payload PricingEnforcePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	mode := pricing.Mode(payload.Mode)
	switch mode {
	case "":
		mode = pricing.ModeDryRun
	case pricing.ModeDryRun, pricing.ModeFix:
	default:
		return fmt.Errorf("pricing enforce: unknown mode %q: %w", payload.Mode, asynq.SkipRetry)
	}
	return j.track(TaskPricingEnforce, func() error {
		report, err := j.Runner.EnforcePricing(ctx, mode)
		if err != nil {
			return err
		}
		j.log(TaskPricingEnforce).Info("pricing enforcement finished",
			slog.String("mode", string(mode)),
			slog.Int("invalid", report.Invalid),
			slog.Int("fixed", report.Fixed),
		)
		return nil
	})
}

// HandleMirror mirrors remote images of the persisted catalog.
func (j *CatalogJob) HandleMirror(ctx context.Context, task *asynq.Task) error {
	if _, err := j.trigger(task); err != nil {
		return err
	}
	return j.track(TaskImagesMirror, func() error {
		summary, err := j.Runner.MirrorImages(ctx)
		if errors.Is(err, images.ErrLowDiskSpace) {
			j.log(TaskImagesMirror).Error("image mirror halted on low disk space", slog.Int("mirrored", summary.Mirrored))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	})
}

func (j *CatalogJob) ready() error {
	if j == nil || j.Runner == nil {
		return errors.New("catalog job: runner not configured")
	}
	return nil
}

func (j *CatalogJob) trigger(task *asynq.Task) (TriggerPayload, error) {
	if err := j.ready(); err != nil {
		return TriggerPayload{}, err
	}
	var payload TriggerPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return TriggerPayload{}, asynq.SkipRetry
		}
	}
	if payload.Trigger == "" {
		payload.Trigger = "schedule"
	}
	return payload, nil
}

// track instruments fn. A run skipped because another holds the run lock
// is not a failure.
func (j *CatalogJob) track(task string, fn func() error) error {
	tracker := j.metrics().Track(task)
	err := fn()
	if errors.Is(err, cache.ErrLocked) {
		j.log(task).Info("skipped, another catalog run holds the lock")
		return tracker.End(nil)
	}
	if err != nil {
		j.log(task).Error("job failed", slog.Any("error", err))
	}
	return tracker.End(err)
}

func (j *CatalogJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CatalogJob) log(task string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}

func (j *CatalogJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *CatalogJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
