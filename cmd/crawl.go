package cmd

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/comics-crawler/internal/aggregator"
)

type crawlOptions struct {
	comics []string
	all    bool
	from   string
	to     string
}

// newCrawlCmd creates the 'crawl' subcommand. Unit failures are logged and
// counted; only invalid input makes it fail.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls comics for a date range",
		Long: `Crawls the named comics, or every active comic, for each date from
--from to --to inclusive. Without dates each comic is crawled for its own
current date. Dates outside a comic's crawlable window are clamped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.comics, "comic", nil, "comic slug to crawl (repeatable)")
	cmd.Flags().BoolVar(&opts.all, "all", false, "crawl every active comic")
	cmd.Flags().StringVar(&opts.from, "from", "", "first date to crawl (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.to, "to", "", "last date to crawl (YYYY-MM-DD)")
	cmd.MarkFlagsMutuallyExclusive("comic", "all")
	return cmd
}

func (o *crawlOptions) request() (aggregator.Request, error) {
	req := aggregator.Request{Slugs: o.comics}
	var err error
	if req.From, err = parseDateFlag("from", o.from); err != nil {
		return aggregator.Request{}, err
	}
	if req.To, err = parseDateFlag("to", o.to); err != nil {
		return aggregator.Request{}, err
	}
	if o.all {
		req.Slugs = nil
	}
	return req, nil
}

func parseDateFlag(name, value string) (*civil.Date, error) {
	if value == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &d, nil
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	req, err := opts.request()
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	opsCtx, stopOps := context.WithCancel(cmd.Context())
	opsDone := make(chan error, 1)
	go func() {
		opsDone <- appInstance.ServeOps(opsCtx)
	}()
	defer func() {
		stopOps()
		if opsErr := <-opsDone; opsErr != nil {
			logger.Warn("ops server stopped", zap.Error(opsErr))
		}
	}()

	summary, err := appInstance.Run(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	logger.Info("crawl finished",
		zap.Int("comics", summary.Comics),
		zap.Int("units", summary.Units),
		zap.Int("created", summary.Created),
		zap.Int("empty", summary.Empty),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("unexpected", summary.Unexpected),
	)
	return nil
}
