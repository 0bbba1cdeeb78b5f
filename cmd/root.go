// Package cmd defines the straincollector command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/app"
	"github.com/JakeFAU/strain-archive-collector/internal/config"
	"github.com/JakeFAU/strain-archive-collector/internal/logging"
)

// cli holds state shared between the root hooks and subcommands.
type cli struct {
	cfgFile string
	opts    app.Options
	svc     *app.Services
	logger  *zap.Logger
}

// services returns the Services opened by the root pre-run hook.
func (c *cli) services() (*app.Services, error) {
	if c.svc == nil {
		return nil, errors.New("application services not initialized")
	}
	return c.svc, nil
}

func (c *cli) open(cmd *cobra.Command) error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	c.logger = logger
	svc, err := app.Open(cmd.Context(), cfg, logger, c.opts)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	c.svc = svc
	return nil
}

func (c *cli) close(ctx context.Context) error {
	var err error
	if c.svc != nil {
		err = c.svc.Close(context.WithoutCancel(ctx))
		c.svc = nil
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	return err
}

func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "straincollector",
		Short: "Archives cannabis strain product pages.",
		Long: `straincollector loads catalogs of seller product URLs, fetches each page
through an ordered set of providers, validates the HTML, and archives accepted
pages to an object store while tracking per-URL progress in a local database.
Runs are resumable: restarting picks up where the last run stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML); env vars use the COLLECTOR_ prefix")

	cmd.AddCommand(
		newCollectCmd(c),
		newLoadCmd(c),
		newDiscoverCmd(c),
		newStatusCmd(c),
		newServeCmd(c),
		newResetFailedCmd(c),
		newResetProcessingCmd(c),
		newExportFailedCmd(c),
		newSkipCmd(c),
	)
	return cmd
}

// run executes the command tree with args and always releases services.
func run(ctx context.Context, args []string, out io.Writer, opts app.Options) (err error) {
	c := &cli{opts: opts}
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	defer func() {
		if cerr := c.close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point. It returns the process exit code.
func Execute() int {
	if err := run(context.Background(), os.Args[1:], os.Stdout, app.Options{}); err != nil {
		fmt.Fprintf(os.Stderr, "straincollector: %v\n", err)
		return 1
	}
	return 0
}
