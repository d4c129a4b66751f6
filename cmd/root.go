// Package cmd defines and implements the CLI commands for the epwcrawler
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/climate-archive-crawler/internal/app"
	"github.com/JakeFAU/climate-archive-crawler/internal/catalog"
	"github.com/JakeFAU/climate-archive-crawler/internal/config"
	"github.com/JakeFAU/climate-archive-crawler/internal/crawler"
	"github.com/JakeFAU/climate-archive-crawler/internal/logging"
)

// version is overridden at build time with -ldflags "-X".
var version = "dev"

const (
	closeTimeout = 30 * time.Second
	skipAppKey   = "skip-app"
)

type ctxKey string

const (
	appKey    ctxKey = "app"
	configKey ctxKey = "config"
)

// App is the subset of *app.App the commands use. Tests inject a fake.
type App interface {
	Crawl(ctx context.Context) (crawler.Result, error)
	Retrieve(ctx context.Context, urls []string) app.RetrieveReport
	Sync(ctx context.Context) (crawler.Result, app.RetrieveReport, error)
	Catalog(ctx context.Context, dir string, w io.Writer) (catalog.Summary, error)
	Close(ctx context.Context) error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newLogger is the logger factory, replaced in tests.
var newLogger = logging.New

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "epwcrawler",
		Short: "Mirror the climate.onebuilding.org weather file archive.",
		Long: `epwcrawler walks the region / country / file index of a climate data
site, downloads every weather archive it lists, and materializes the
weather files under a local output tree that mirrors the remote layout.
Reruns skip anything already committed.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			if cmd.Annotations[skipAppKey] != "" {
				cmd.SetContext(ctx)
				return nil
			}

			logger, err := newLogger(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			appInstance, err := newApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(ctx, appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML, or JSON)")

	cmd.AddCommand(
		newCrawlCmd(),
		newRetrieveCmd(),
		newCatalogCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command with ctx, which should be canceled on
// SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

// withApp resolves the App built by the root command and closes it once fn
// returns, whether or not fn failed.
func withApp(fn func(cmd *cobra.Command, args []string, a App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
			defer cancel()
			if cerr := appInstance.Close(ctx); cerr != nil && err == nil {
				err = fmt.Errorf("close: %w", cerr)
			}
		}()
		return fn(cmd, args, appInstance)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}
