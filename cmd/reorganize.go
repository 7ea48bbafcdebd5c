package cmd

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/storage"
)

// newReorganizeCmd creates the 'reorganize' subcommand.
func newReorganizeCmd() *cobra.Command {
	var (
		input  string
		region string
		output string
	)
	cmd := &cobra.Command{
		Use:   "reorganize",
		Short: "Redistribute a flat crawl output into monthly partitions",
		Long: `Reads a flat output file (<region>_<start>_<end>.json) from the archive,
merges each record into <region>/<yyyy>/<mm>.json by its own publication
month and deletes the flat file once every partition was written. Records
without a usable date are dropped and counted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if output != "" {
				cfg.Archive.Output = output
			}
			key := strings.TrimPrefix(input, "/")
			if key == "" {
				return fmt.Errorf("--input is required")
			}
			if region == "" {
				region = regionFromFlatKey(key)
			}
			if region == "" {
				return fmt.Errorf("cannot derive region from %q; pass --region", input)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				defer cancel()
				if cerr := a.Close(closeCtx); cerr != nil {
					rt.logger.Warn("failed to close services", zap.Error(cerr))
				}
			}()

			res, err := a.Archive.Reorganize(ctx, key, region)
			if err != nil {
				return fmt.Errorf("reorganize %s: %w", key, err)
			}
			out := cmd.OutOrStdout()
			for _, p := range res.Partitions {
				fmt.Fprintf(out, "partition %s  total=%d added=%d updated=%d written=%t\n", p.Key, p.Total, p.Added, p.Updated, p.Written)
			}
			fmt.Fprintf(out, "moved=%d dropped=%d\n", res.Moved, res.Dropped)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "flat output key relative to the archive root")
	cmd.Flags().StringVar(&region, "region", "", "region slug (default: derived from the file name)")
	cmd.Flags().StringVar(&output, "output", "", "archive location (overrides archive.output)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// regionFromFlatKey reads the region slug from <region>_<start>_<end>.json.
func regionFromFlatKey(key string) string {
	name := strings.TrimSuffix(path.Base(storage.JoinKey(key)), ".json")
	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], "_")
}
