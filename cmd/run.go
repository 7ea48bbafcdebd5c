package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/api"
	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/chunk"
	"github.com/JakeFAU/blaulicht-crawler/internal/config"
	"github.com/JakeFAU/blaulicht-crawler/internal/id/uuid"
)

type runFlags struct {
	regions     []string
	start       string
	end         string
	output      string
	concurrency int
	geocode     bool
	useAI       bool
	runID       string
	jsonReport  bool
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl a date range for one or more regions into the archive",
		Long: `Plans one chunk per calendar month of the requested range, crawls the
chunks of each region concurrently and merges the results into
<region>/<yyyy>/<mm>.json under the archive output. Per-article and
per-chunk failures are reported in the summary; the exit code is non-zero
only when the run could not start.`,
		Example: `  blaulicht-crawler run --region hessen --start 2024-01-15 --end 2024-03-10 --output ./archive --geocode`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVar(&f.regions, "region", []string{config.DefaultRegion}, "region slug(s) to crawl")
	fl.StringVar(&f.start, "start", "", "first day of the range (YYYY-MM-DD)")
	fl.StringVar(&f.end, "end", "", "last day of the range (YYYY-MM-DD)")
	fl.StringVar(&f.output, "output", "", "archive location: a directory or gs://bucket/prefix (overrides archive.output)")
	fl.IntVar(&f.concurrency, "concurrency", 0, "article workers per chunk (overrides pipeline.concurrency)")
	fl.BoolVar(&f.geocode, "geocode", false, "geocode incident locations (overrides geocode.enabled)")
	fl.BoolVar(&f.useAI, "use-ai", false, "use the configured external classifier; false forces rules only")
	fl.StringVar(&f.runID, "run-id", "", "run identifier (default: a new UUIDv7)")
	fl.BoolVar(&f.jsonReport, "json", false, "print the run report as JSON")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func runCrawl(cmd *cobra.Command, f *runFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	start, err := chunk.ParseDate(f.start)
	if err != nil {
		return err
	}
	end, err := chunk.ParseDate(f.end)
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("%w: --end %s is before --start %s", chunk.ErrInvalidRange, f.end, f.start)
	}

	cfg, err := applyRunFlags(cmd, rt.cfg, f)
	if err != nil {
		return err
	}
	regions, err := resolveRegions(cfg, f.regions)
	if err != nil {
		return err
	}

	runID := f.runID
	if runID == "" {
		if runID, err = uuid.New().NewID(); err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}
	}
	logger := rt.logger.With(zap.String("run_id", runID))

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			logger.Warn("failed to close services", zap.Error(cerr))
		}
	}()

	if cfg.Metrics.Addr != "" {
		listenCtx, stopListener := context.WithCancel(ctx)
		defer stopListener()
		go func() {
			if err := api.NewServer(a.Status, logger).ListenAndServe(listenCtx, cfg.Metrics.Addr); err != nil {
				logger.Warn("ops listener stopped", zap.Error(err))
			}
		}()
	}

	report, err := a.Runner.Run(ctx, chunk.Request{
		RunID:   runID,
		Regions: regions,
		Start:   start,
		End:     end,
	})
	if err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("run interrupted; completed chunks were written")
	}
	return writeReport(cmd.OutOrStdout(), report, f.jsonReport)
}

// applyRunFlags overlays explicitly set flags onto the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg config.Config, f *runFlags) (config.Config, error) {
	fl := cmd.Flags()
	if f.output != "" {
		cfg.Archive.Output = f.output
	}
	if fl.Changed("concurrency") {
		cfg.Pipeline.Concurrency = f.concurrency
	}
	if fl.Changed("geocode") {
		cfg.Geocode.Enabled = f.geocode
	}
	if fl.Changed("use-ai") {
		if !f.useAI {
			cfg.Classifier.Provider = config.ProviderNone
		} else if cfg.Classifier.Provider == "" || cfg.Classifier.Provider == config.ProviderNone {
			return cfg, errors.New("--use-ai requires classifier.provider to be http or openai")
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveRegions(cfg config.Config, slugs []string) ([]article.Region, error) {
	if len(slugs) == 0 {
		return nil, chunk.ErrNoRegions
	}
	seen := make(map[string]bool, len(slugs))
	regions := make([]article.Region, 0, len(slugs))
	for _, slug := range slugs {
		r, err := cfg.Region(slug)
		if err != nil {
			return nil, err
		}
		if seen[r.Slug] {
			continue
		}
		seen[r.Slug] = true
		regions = append(regions, r)
	}
	return regions, nil
}

func writeReport(w io.Writer, report chunk.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "run %s  range %s  took %s\n", report.RunID, report.Range, report.Duration.Round(time.Millisecond))
	for _, rr := range report.Regions {
		fmt.Fprintf(&b, "region %s\n", rr.Region)
		for _, c := range rr.Chunks {
			status := "ok"
			if !c.OK() {
				status = "FAILED: " + c.Error
			}
			fmt.Fprintf(&b, "  chunk %s  %s  discovered=%d records=%d  %s\n", c.Label, c.Range, c.Discovered, c.Records, status)
		}
		for _, p := range rr.Partitions {
			fmt.Fprintf(&b, "  partition %s  total=%d added=%d updated=%d written=%t\n", p.Key, p.Total, p.Added, p.Updated, p.Written)
		}
		if rr.Reorganize != nil {
			fmt.Fprintf(&b, "  reorganize moved=%d dropped=%d\n", rr.Reorganize.Moved, rr.Reorganize.Dropped)
		}
		for _, key := range rr.Skipped {
			fmt.Fprintf(&b, "  skipped scratch %s\n", key)
		}
		if rr.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", rr.Error)
		}
	}
	b.WriteString("stages\n")
	b.WriteString(report.Stages.String())
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
