package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/app"
	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/chunk"
	"github.com/JakeFAU/blaulicht-crawler/internal/sitemap"
	"github.com/JakeFAU/blaulicht-crawler/internal/storage/memory"
)

// newDiscoverCmd creates the 'discover' subcommand. It only walks the
// sitemaps and prints the matching article URLs; nothing is fetched or
// written.
func newDiscoverCmd() *cobra.Command {
	var (
		region string
		start  string
		end    string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the article URLs the sitemaps advertise for a date range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			from, err := chunk.ParseDate(start)
			if err != nil {
				return err
			}
			to, err := chunk.ParseDate(end)
			if err != nil {
				return err
			}
			if to.Before(from) {
				return fmt.Errorf("%w: --end %s is before --start %s", chunk.ErrInvalidRange, end, start)
			}
			r, err := rt.cfg.Region(region)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			// Discovery never writes, so the archive stays in memory.
			a, err := newApp(ctx, rt.cfg, rt.logger, app.WithBlobStore(memory.NewBlobStore()))
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if cerr := a.Close(closeCtx); cerr != nil {
					rt.logger.Warn("failed to close services", zap.Error(cerr))
				}
			}()

			res, err := a.Sitemap.Discover(ctx, r.BaseURL, sitemap.Filter{
				ContentPath: rt.cfg.Sitemap.ContentPath,
				OfficeIDs:   r.OfficeIDs,
				Range:       article.DateRange{Start: from, End: to},
			})
			if err != nil {
				return fmt.Errorf("discover %s: %w", r.Slug, err)
			}
			out := cmd.OutOrStdout()
			for _, u := range res.URLs {
				fmt.Fprintln(out, u)
			}
			rt.logger.Info("discovery finished",
				zap.String("region", r.Slug),
				zap.Int("matched", len(res.URLs)),
				zap.Int("entries", res.Entries),
				zap.Int("disallowed", res.Disallowed),
				zap.Int("failed_nodes", res.FailedNodes),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", "de", "region slug")
	cmd.Flags().StringVar(&start, "start", "", "first day of the range (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last day of the range (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}
