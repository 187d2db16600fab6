package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/getpawsy/catalog/internal/catalog"
	"github.com/getpawsy/catalog/internal/images"
	"github.com/getpawsy/catalog/internal/pipeline"
	"github.com/getpawsy/catalog/internal/platform/cache"
	"github.com/getpawsy/catalog/internal/pricing"
	"github.com/getpawsy/catalog/internal/supplier"
	"github.com/getpawsy/catalog/jobs"
)

// Exit codes shared by every command.
const (
	ExitOK       = 0
	ExitFatal    = 1
	ExitFindings = 10
)

// Options carries flags common to every command.
type Options struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *Options) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

func (o Options) fail(command string, err error) int {
	_, _ = fmt.Fprintf(o.Stderr, "%s: %v\n", command, err)
	return ExitFatal
}

func (o Options) emit(command string, v any, human func(io.Writer)) int {
	if !o.JSONOutput {
		human(o.Stdout)
		return ExitOK
	}
	enc := json.NewEncoder(o.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return o.fail(command, fmt.Errorf("encode json: %w", err))
	}
	return ExitOK
}

// Lister pages through the supplier product list.
type Lister interface {
	ListAll(ctx context.Context, q supplier.ListQuery, maxPages int) ([]map[string]any, error)
}

// StockRefresher applies supplier inventory to the persisted catalog.
type StockRefresher interface {
	RefreshStock(ctx context.Context) (pipeline.StockSummary, error)
}

// Enqueuer submits catalog builds to the worker queue.
type Enqueuer interface {
	EnqueueCatalogBuild(ctx context.Context, trigger string, unique time.Duration) (*asynq.TaskInfo, error)
}

// CatalogCLI runs pipeline commands from the terminal.
type CatalogCLI struct {
	runner jobs.CatalogRunner
}

// NewCatalogCLI constructs the command set over runner.
func NewCatalogCLI(runner jobs.CatalogRunner) (*CatalogCLI, error) {
	if runner == nil {
		return nil, errors.New("catalog cli: runner is required")
	}
	return &CatalogCLI{runner: runner}, nil
}

// BuildCommand runs the full pipeline. It exits with ExitFindings when the
// audit of the saved catalog needs attention.
func (c *CatalogCLI) BuildCommand(ctx context.Context, opts Options) int {
	opts.defaults()
	summary, err := c.runner.Run(ctx)
	if err != nil {
		if errors.Is(err, cache.ErrLocked) {
			return opts.fail("build", errors.New("another catalog run holds the lock"))
		}
		return opts.fail("build", err)
	}
	if code := opts.emit("build", summary, func(w io.Writer) { renderSummary(w, summary) }); code != ExitOK {
		return code
	}
	if summary.Findings {
		return ExitFindings
	}
	return ExitOK
}

// AuditCommand audits the persisted catalog.
func (c *CatalogCLI) AuditCommand(ctx context.Context, opts Options) int {
	opts.defaults()
	report, err := c.runner.AuditOnly(ctx)
	if err != nil {
		return opts.fail("audit", err)
	}
	if code := opts.emit("audit", report, func(w io.Writer) { renderAudit(w, report) }); code != ExitOK {
		return code
	}
	if report.Findings() {
		return ExitFindings
	}
	return ExitOK
}

// PricingOptions defines flags for the pricing command.
type PricingOptions struct {
	Options
	Mode string
}

// PricingCommand re-validates persisted prices. Invalid prices in dry-run
// mode, or unfixable ones in fix mode, exit with ExitFindings.
func (c *CatalogCLI) PricingCommand(ctx context.Context, opts PricingOptions) int {
	opts.defaults()
	mode := pricing.Mode(strings.TrimSpace(opts.Mode))
	switch mode {
	case "":
		mode = pricing.ModeDryRun
	case pricing.ModeDryRun, pricing.ModeFix:
	default:
		return opts.fail("pricing", fmt.Errorf("invalid mode %q (expected dry-run or fix)", opts.Mode))
	}
	report, err := c.runner.EnforcePricing(ctx, mode)
	if err != nil {
		return opts.fail("pricing", err)
	}
	if code := opts.emit("pricing", report, func(w io.Writer) { renderPricing(w, report) }); code != ExitOK {
		return code
	}
	if (mode == pricing.ModeDryRun && report.Invalid > 0) || report.Unfixable > 0 {
		return ExitFindings
	}
	return ExitOK
}

// MirrorCommand mirrors remote images of the persisted catalog.
func (c *CatalogCLI) MirrorCommand(ctx context.Context, opts Options) int {
	opts.defaults()
	summary, err := c.runner.MirrorImages(ctx)
	if err != nil {
		if errors.Is(err, images.ErrLowDiskSpace) {
			_, _ = fmt.Fprintf(opts.Stderr, "mirror: stopped early, %d mirrored before disk ran low\n", summary.Mirrored)
		}
		return opts.fail("mirror", err)
	}
	if code := opts.emit("mirror", summary, func(w io.Writer) { renderMirror(w, summary) }); code != ExitOK {
		return code
	}
	if summary.Failed > 0 {
		return ExitFindings
	}
	return ExitOK
}

// StockCommand refreshes variant availability from supplier inventory.
// Failed lookups exit with ExitFindings.
func StockCommand(ctx context.Context, refresher StockRefresher, opts Options) int {
	opts.defaults()
	if refresher == nil {
		return opts.fail("stock", errors.New("supplier credentials are not configured"))
	}
	summary, err := refresher.RefreshStock(ctx)
	if err != nil {
		if errors.Is(err, cache.ErrLocked) {
			return opts.fail("stock", errors.New("another catalog run holds the lock"))
		}
		return opts.fail("stock", err)
	}
	if code := opts.emit("stock", summary, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Stock: %d checked, %d updated, %d unavailable, %d failed\n",
			summary.Checked, summary.Updated, summary.Unavailable, summary.Failed)
	}); code != ExitOK {
		return code
	}
	if summary.Failed > 0 {
		return ExitFindings
	}
	return ExitOK
}

// ImportOptions defines flags for the import command.
type ImportOptions struct {
	Options
	Keyword  string
	Category string
	PageSize int
	MaxPages int
	Output   string
}

type importSummary struct {
	Output  string `json:"output"`
	Items   int    `json:"items"`
	Records int    `json:"records"`
	Dropped int    `json:"dropped"`
}

// ImportCommand pulls the supplier product list into a JSON feed file that
// later builds can list as a source.
func ImportCommand(ctx context.Context, lister Lister, opts ImportOptions) int {
	opts.defaults()
	if lister == nil {
		return opts.fail("import", errors.New("supplier credentials are not configured"))
	}
	if strings.TrimSpace(opts.Output) == "" {
		return opts.fail("import", errors.New("-out is required"))
	}
	items, err := lister.ListAll(ctx, supplier.ListQuery{
		PageSize: opts.PageSize,
		Keyword:  opts.Keyword,
		Category: opts.Category,
	}, opts.MaxPages)
	if err != nil && len(items) == 0 {
		return opts.fail("import", err)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "import: partial listing after %d items: %v\n", len(items), err)
	}
	if items == nil {
		items = []map[string]any{}
	}
	data, encErr := json.MarshalIndent(items, "", "  ")
	if encErr != nil {
		return opts.fail("import", encErr)
	}
	if writeErr := catalog.WriteFileAtomic(opts.Output, append(data, '\n'), 0o644); writeErr != nil {
		return opts.fail("import", writeErr)
	}
	mapped := supplier.MapItems(items)
	summary := importSummary{Output: opts.Output, Items: len(items), Records: len(mapped.Records), Dropped: mapped.Dropped}
	if code := opts.emit("import", summary, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Imported %d supplier products into %s (%d mappable, %d without id)\n",
			summary.Items, summary.Output, summary.Records, summary.Dropped)
	}); code != ExitOK {
		return code
	}
	if err != nil {
		return ExitFindings
	}
	return ExitOK
}

// EnqueueOptions defines flags for the enqueue command.
type EnqueueOptions struct {
	Options
	Trigger string
	Unique  time.Duration
}

// EnqueueCommand hands a catalog build to the worker.
func EnqueueCommand(ctx context.Context, enqueuer Enqueuer, opts EnqueueOptions) int {
	opts.defaults()
	if opts.Trigger == "" {
		opts.Trigger = "cli"
	}
	info, err := enqueuer.EnqueueCatalogBuild(ctx, opts.Trigger, opts.Unique)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		_, _ = fmt.Fprintln(opts.Stdout, "A catalog build is already queued.")
		return ExitOK
	}
	if err != nil {
		return opts.fail("enqueue", err)
	}
	out := map[string]string{"id": info.ID, "queue": info.Queue, "type": info.Type}
	return opts.emit("enqueue", out, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	})
}

func renderSummary(w io.Writer, s pipeline.Summary) {
	_, _ = fmt.Fprintf(w, "Catalog %s built in %s\n", s.ContentID, s.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "Records: %d mapped, %d dropped\n", s.Records, s.Dropped)
	if len(s.DroppedLines) > 0 {
		lines := make([]string, len(s.DroppedLines))
		for i, line := range s.DroppedLines {
			lines[i] = fmt.Sprint(line)
		}
		_, _ = fmt.Fprintf(w, "Dropped lines: %s\n", strings.Join(lines, ", "))
	}
	if s.Enrich.Requested > 0 {
		_, _ = fmt.Fprintf(w, "Supplier: %d enriched, %d not found, %d failed\n", s.Enrich.Enriched, s.Enrich.NotFound, s.Enrich.Failed)
	}
	if s.Images != (images.Summary{}) {
		renderMirror(w, s.Images)
	}
	_, _ = fmt.Fprintf(w, "Products: %d total, %d active, %d inactive, %d blocked\n",
		s.Stats.Total, s.Stats.Active, s.Stats.Inactive, s.Stats.Blocked)
	if s.Backup != "" {
		_, _ = fmt.Fprintf(w, "Backup: %s\n", s.Backup)
	}
	if s.Published != nil {
		_, _ = fmt.Fprintf(w, "Published: %d written of %d\n", s.Published.Written, s.Published.Products)
	}
	if s.Findings {
		_, _ = fmt.Fprintln(w, "Audit found issues; see the audit report.")
	}
}

func renderAudit(w io.Writer, r pipeline.Report) {
	_, _ = fmt.Fprintf(w, "Audit of catalog %s\n", r.ContentID)
	_, _ = fmt.Fprintf(w, "Products: %d total, %d active, %d blocked\n", r.Totals.Total, r.Totals.Active, r.Totals.Blocked)
	_, _ = fmt.Fprintf(w, "Supplier mapping: %.2f%% products, %.2f%% variants\n",
		r.SupplierMapping.ProductsPercent, r.SupplierMapping.VariantsPercent)
	_, _ = fmt.Fprintf(w, "Images: %d with, %d without, %d still remote\n",
		r.Images.WithImages, r.Images.WithoutImages, r.Images.RemotePrimary)
	if r.Contamination.Count > 0 {
		_, _ = fmt.Fprintf(w, "Contamination: %d small-pet products mention dogs or cats (%s)\n",
			r.Contamination.Count, strings.Join(r.Contamination.Sample, ", "))
	}
	if r.FallbackPrice != nil && r.FallbackPrice.Flagged {
		_, _ = fmt.Fprintf(w, "Fallback price %s covers %.0f%% of priced products\n",
			r.FallbackPrice.Price.StringFixed(2), r.FallbackPrice.Share*100)
	}
	for _, v := range r.Violations {
		_, _ = fmt.Fprintf(w, " - %s %s: %s\n", v.ProductID, v.Field, v.Message)
	}
	if !r.Findings() {
		_, _ = fmt.Fprintln(w, "No findings.")
	}
}

func renderPricing(w io.Writer, r pricing.Report) {
	_, _ = fmt.Fprintf(w, "Pricing %s: %d checked, %d invalid, %d fixed, %d unfixable\n",
		r.Mode, r.Checked, r.Invalid, r.Fixed, r.Unfixable)
	kinds := make([]string, 0, len(r.IssuesByType))
	for kind := range r.IssuesByType {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		_, _ = fmt.Fprintf(w, " - %s: %d\n", kind, r.IssuesByType[kind])
	}
}

func renderMirror(w io.Writer, s images.Summary) {
	_, _ = fmt.Fprintf(w, "Images: %d mirrored, %d cached, %d failed, %d skipped\n",
		s.Mirrored, s.Cached, s.Failed, s.Skipped)
}
