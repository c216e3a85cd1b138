// Package cmd defines and implements the CLI commands for the comics-crawler
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/comics-crawler/internal/aggregator"
	"github.com/JakeFAU/comics-crawler/internal/app"
	"github.com/JakeFAU/comics-crawler/internal/catalogue"
	"github.com/JakeFAU/comics-crawler/internal/config"
	"github.com/JakeFAU/comics-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use. Tests inject a
// fake through the factory.
type App interface {
	Run(ctx context.Context, req aggregator.Request) (aggregator.Summary, error)
	Migrate(ctx context.Context) error
	Entries() []catalogue.Entry
	ServeOps(ctx context.Context) error
	GetLogger() *zap.Logger
	Close()
}

// AppFactory builds the App from loaded configuration.
type AppFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

func defaultFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	cfgFile string
	verbose int
	quiet   bool
	app     App
}

// close shuts services down. Cobra skips post-run hooks when a command
// fails, so this runs after Execute instead.
func (o *rootOptions) close() {
	if o.app == nil {
		return
	}
	o.app.Close()
	_ = o.app.GetLogger().Sync()
	o.app = nil
}

// newRootCmd creates and configures the root command.
func newRootCmd(factory AppFactory) (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "comics-crawler",
		Short: "Crawls comic sources and stores their releases.",
		Long: `comics-crawler walks a catalogue of comic sources, finds what each one
published on the requested dates and stores every new release with its
deduplicated images.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Build and inject the application before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, logging.Level(cfg.Logging.Level, opts.verbose, opts.quiet))
			if err != nil {
				return err
			}
			appInstance, err := factory(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().CountVarP(&opts.verbose, "verbose", "v", "raise log verbosity")
	cmd.PersistentFlags().BoolVar(&opts.quiet, "quiet", false, "only log warnings and errors")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newListCmd())

	return cmd, opts
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root, opts := newRootCmd(defaultFactory)
	defer opts.close()
	return root.ExecuteContext(ctx)
}
