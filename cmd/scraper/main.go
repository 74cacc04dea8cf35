package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/aluiziolira/go-scrape-reviews/parser"
	"github.com/aluiziolira/go-scrape-reviews/pipeline"
	"github.com/aluiziolira/go-scrape-reviews/scraper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	configFile string
	proxies    string
}

func newRootCmd() *cobra.Command {
	cfg := config.DefaultConfig()
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "scraper",
		Short:         "Crawl a paginated review listing into CSV, JSONL or SQLite.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := resolveConfig(cmd, cfg, opts); err != nil {
				return err
			}
			return run(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	bindFlags(cmd.Flags(), cfg, opts)
	return cmd
}

func bindFlags(flags *pflag.FlagSet, cfg *config.Config, opts *options) {
	flags.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	flags.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Listing URL template with {offset} and optional {limit}")
	flags.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "Records requested per page")
	flags.IntVar(&cfg.MaxPages, "pages", cfg.MaxPages, "Maximum pages to request")
	flags.IntVar(&cfg.MaxConcurrent, "parallel", cfg.MaxConcurrent, "Maximum requests in flight")
	flags.DurationVar(&cfg.BaseSpacing, "spacing", cfg.BaseSpacing, "Minimum gap between request starts")
	flags.DurationVar(&cfg.MaxSpacing, "max-spacing", cfg.MaxSpacing, "Upper bound for adaptive spacing")
	flags.BoolVar(&cfg.AdaptiveSpacing, "adaptive", cfg.AdaptiveSpacing, "Widen spacing on throttled responses")
	flags.IntVar(&cfg.RecoverAfter, "recover-after", cfg.RecoverAfter, "Successes before adaptive spacing narrows")
	flags.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Attempts per page, first one included")
	flags.DurationVar(&cfg.BackoffBase, "backoff-base", cfg.BackoffBase, "Initial retry backoff")
	flags.DurationVar(&cfg.BackoffCap, "backoff-cap", cfg.BackoffCap, "Maximum retry backoff")
	flags.Float64Var(&cfg.BackoffJitter, "jitter", cfg.BackoffJitter, "Backoff jitter fraction (0-1)")
	flags.DurationVar(&cfg.RateLimitFloor, "rate-limit-floor", cfg.RateLimitFloor, "Minimum wait after a throttled response")
	flags.BoolVar(&cfg.ForbiddenIsThrottle, "forbidden-is-throttle", cfg.ForbiddenIsThrottle, "Treat HTTP 403 as throttling")
	flags.StringVar(&cfg.PageFailurePolicy, "page-failure-policy", cfg.PageFailurePolicy, "skip or abort when a page cannot be fetched")
	flags.IntVar(&cfg.MaxConsecutiveSkips, "max-skips", cfg.MaxConsecutiveSkips, "Consecutive skipped pages that end the run")
	flags.StringVar(&cfg.SinkFailurePolicy, "sink-failure-policy", cfg.SinkFailurePolicy, "skip or abort when a record cannot be stored")
	flags.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Grace period for in-flight requests on shutdown")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	flags.StringVar(&cfg.Cookies, "cookies", cfg.Cookies, "Seed Cookie header, e.g. \"bid=...; dbcl2=...\"")
	flags.StringVar(&opts.proxies, "proxies", "", "Comma-separated proxy URLs, used round-robin")
	flags.StringVar(&cfg.AcceptLanguage, "accept-language", cfg.AcceptLanguage, "Accept-Language header")
	flags.StringVarP(&cfg.OutputFile, "output", "o", cfg.OutputFile, "Output file path")
	flags.StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "Output format: csv, json, dual, or sqlite")
	flags.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Records per output write")
	flags.BoolVar(&cfg.Dedupe, "dedupe", cfg.Dedupe, "Drop reviews whose content was already written")
	flags.IntVar(&cfg.DedupeMaxSize, "dedupe-max-size", cfg.DedupeMaxSize, "Reviews remembered for de-duplication")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose logging")
}

// resolveConfig layers the configuration: defaults, then the YAML file, then
// SCRAPER_* variables, then flags given on the command line.
func resolveConfig(cmd *cobra.Command, cfg *config.Config, opts *options) error {
	flags := cmd.Flags()
	explicit := make(map[string]string)
	flags.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if opts.configFile != "" {
		if err := config.LoadFile(opts.configFile, cfg); err != nil {
			return err
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return err
	}
	for name, value := range explicit {
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("reapply --%s: %w", name, err)
		}
	}
	if _, ok := explicit["proxies"]; ok {
		cfg.Proxies = config.SplitList(opts.proxies)
	}
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)
	return nil
}

func run(ctx context.Context, out io.Writer, cfg *config.Config) error {
	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return fmt.Errorf("creating writer: %w", err)
	}
	p, err := pipeline.NewPipeline(writer, cfg)
	if err != nil {
		writer.Close()
		return err
	}

	fetcher, err := scraper.NewCollyFetcher(cfg)
	if err != nil {
		p.Close()
		return fmt.Errorf("initialising fetcher: %w", err)
	}
	metrics := scraper.NewMetrics()
	s, err := scraper.NewScraper(cfg, scraper.Deps{
		Fetcher:   fetcher,
		Extractor: parser.NewReviewExtractor(cfg.Selectors),
		Sink:      p,
		Metrics:   metrics,
	})
	if err != nil {
		p.Close()
		return fmt.Errorf("initialising scraper: %w", err)
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, draining in-flight requests")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	result := s.Run(ctx)

	var errs []error
	if err := p.Flush(); err != nil {
		discountLost(result, err)
		errs = append(errs, fmt.Errorf("flush output: %w", err))
	} else if err := writer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("output validation failed: %w", err))
	}
	if err := p.Close(); err != nil && len(errs) == 0 {
		errs = append(errs, fmt.Errorf("pipeline shutdown failed: %w", err))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(out, result, cfg.OutputFile, p.GetMetrics())

	if result.Outcome == models.OutcomeAborted {
		cause := result.Err
		if cause == nil {
			cause = errors.New(string(result.StopReason))
		}
		errs = append([]error{fmt.Errorf("crawl aborted (%s): %w", result.StopReason, cause)}, errs...)
	}
	return errors.Join(errs...)
}

// discountLost moves reviews dropped by a failed final flush from the
// emitted count to the skipped count.
func discountLost(result *models.CrawlResult, err error) {
	var writeErr *pipeline.WriteError
	if !errors.As(err, &writeErr) {
		return
	}
	result.RecordsEmitted -= writeErr.Lost
	result.RecordsSkipped += writeErr.Lost
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".jsonl"
		return pipeline.NewDualWriter(filename, jsonFilename)
	case "sqlite":
		return pipeline.NewSQLiteWriter(filename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(out io.Writer, result *models.CrawlResult, outputFile string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(out, "\n"+separator)
	if result.Outcome == models.OutcomeCompleted {
		fmt.Fprintln(out, "Crawl complete")
	} else {
		fmt.Fprintln(out, "Crawl aborted")
	}

	duration := result.EndTime.Sub(result.StartTime)
	recordsPerSec := 0.0
	if duration.Seconds() > 0 {
		recordsPerSec = float64(result.RecordsEmitted) / duration.Seconds()
	}

	fmt.Fprintf(out, "  Stop reason:     %s\n", result.StopReason)
	fmt.Fprintf(out, "  Records:         %d\n", result.RecordsEmitted)
	fmt.Fprintf(out, "  Records skipped: %d\n", result.RecordsSkipped)
	fmt.Fprintf(out, "  Pages fetched:   %d\n", result.PagesFetched)
	fmt.Fprintf(out, "  Pages skipped:   %d\n", result.PagesSkipped)
	fmt.Fprintf(out, "  Retries:         %d\n", result.Retries)
	if len(result.ErrorsByType) > 0 {
		fmt.Fprintf(out, "  Error types:     %v\n", result.ErrorsByType)
	}
	if dup, ok := metrics["duplicates"].(int64); ok && dup > 0 {
		fmt.Fprintf(out, "  Duplicates:      %d\n", dup)
	}
	if result.Err != nil {
		fmt.Fprintf(out, "  Error:           %v\n", result.Err)
	}
	fmt.Fprintf(out, "  Duration:        %v\n", duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  Records/sec:     %.2f\n", recordsPerSec)
	fmt.Fprintf(out, "  Output file:     %s\n", outputFile)
	fmt.Fprintln(out, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
