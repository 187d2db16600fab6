package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"


	"github.com/getpawsy/catalog/cmd/catalog/cli"
	"github.com/getpawsy/catalog/internal/app"
	jobmetrics "github.com/getpawsy/catalog/internal/jobs"
	"github.com/getpawsy/catalog/jobs"
)

const usage = `Usage: catalog <command> [flags]

Commands:
  build     read the feeds, rebuild and audit the catalog
  audit     audit the saved catalog
  pricing   re-validate saved prices (-mode dry-run|fix)
  mirror    mirror remote product images
  stock     refresh variant stock from the supplier
  import    dump the supplier product list to a JSON feed file
  enqueue   queue a catalog build for the worker
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitFatal
	}
	command, args := args[0], args[1:]
	switch command {
	case "build", "audit", "pricing", "mirror", "stock", "import", "enqueue":
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return cli.ExitFatal
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print machine-readable JSON")
	mode := fs.String("mode", "dry-run", "pricing mode: dry-run or fix")
	keyword := fs.String("keyword", "", "import: product name filter")
	category := fs.String("category", "", "import: supplier category id")
	pageSize := fs.Int("page-size", 50, "import: products per page")
	maxPages := fs.Int("max-pages", 0, "import: page limit, 0 for all")
	out := fs.String("out", "", "import: output JSON file")
	trigger := fs.String("trigger", "cli", "enqueue: trigger label")
	unique := fs.Duration("unique", 10*time.Minute, "enqueue: dedup window")
	if err := fs.Parse(args); err != nil {
		return cli.ExitFatal
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return cli.ExitFatal
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := cli.Options{JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr}

	if command == "enqueue" {
		client, err := jobs.NewClient(cfg.AsynqRedis())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "enqueue: %v\n", err)
			return cli.ExitFatal
		}
		defer func() {
			_ = client.Close()
		}()
		return cli.EnqueueCommand(ctx, client, cli.EnqueueOptions{Options: opts, Trigger: *trigger, Unique: *unique})
	}

	services, err := app.NewServices(ctx, cfg, logger, app.ServiceOptions{Metrics: jobmetrics.NewMetrics(nil)})
	if err != nil {
		logger.Error("wire pipeline", slog.Any("error", err))
		return cli.ExitFatal
	}
	defer services.Close()

	if command == "import" {
		var lister cli.Lister
		if services.Supplier != nil {
			lister = services.Supplier
		}
		return cli.ImportCommand(ctx, lister, cli.ImportOptions{
			Options:  opts,
			Keyword:  *keyword,
			Category: *category,
			PageSize: *pageSize,
			MaxPages: *maxPages,
			Output:   *out,
		})
	}

	if command == "stock" {
		var refresher cli.StockRefresher
		if services.Runner.Stock != nil {
			refresher = services.Runner
		}
		return cli.StockCommand(ctx, refresher, opts)
	}

	if command == "mirror" {
		// The mirror command runs even when mirroring is off for builds.
		services.Runner.Mirror = services.Mirror
	}
	commands, err := cli.NewCatalogCLI(services.Runner)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return cli.ExitFatal
	}
	switch command {
	case "build":
		return commands.BuildCommand(ctx, opts)
	case "audit":
		return commands.AuditCommand(ctx, opts)
	case "pricing":
		return commands.PricingCommand(ctx, cli.PricingOptions{Options: opts, Mode: *mode})
	default:
		return commands.MirrorCommand(ctx, opts)
	}
}
