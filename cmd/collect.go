package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/app"
	"github.com/JakeFAU/strain-archive-collector/internal/catalog"
)

func newCollectCmd(c *cli) *cobra.Command {
	var catalogPath, seedBank string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Runs the collection driver until no retryable URLs remain",
		Long: `Loads the catalog (when --catalog or collector.catalog_path is set), then
claims and fetches pending URLs in batches until the progress store is quiescent.
SIGINT/SIGTERM stop the run; in-flight progress writes are drained first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services()
			if err != nil {
				return err
			}
			if catalogPath == "" {
				catalogPath = svc.Config.Collector.CatalogPath
			}
			return runCollect(cmd, svc, catalogPath, seedBank)
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "CSV or XLSX catalog to load before collecting")
	cmd.Flags().StringVar(&seedBank, "seed-bank", "", "seller tag for catalog rows without one")
	return cmd
}

func runCollect(cmd *cobra.Command, svc *app.Services, catalogPath, seedBank string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if catalogPath != "" {
		if err := importCatalog(ctx, cmd, svc, catalogPath, seedBank); err != nil {
			return err
		}
	}

	driver, err := svc.Driver(ctx)
	if err != nil {
		return err
	}

	if addr := svc.Config.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           svc.StatusServer().Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			svc.Logger.Info("status server started", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				svc.Logger.Error("status server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				svc.Logger.Warn("status server shutdown error", zap.Error(err))
			}
		}()
	}

	report, err := driver.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			svc.Logger.Warn("collection interrupted", zap.Int64("archived", report.Archived))
			return nil
		}
		return fmt.Errorf("run collector: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"run %s: %d dispatched, %d archived, %d failed in %s (success rate %.1f%%)\n",
		report.RunID, report.Dispatched, report.Archived, report.Failed,
		report.Duration.Round(time.Millisecond), report.Stats.SuccessRate()*100,
	)
	return nil
}

func importCatalog(ctx context.Context, cmd *cobra.Command, svc *app.Services, path, seedBank string) error {
	entries, report, err := svc.Loader(seedBank).LoadFile(path)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	inserted, existing, err := catalog.Import(ctx, svc.Progress, entries)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"catalog %s: %d rows, %d unique, %d new, %d already tracked, %d rejected\n",
		path, report.Rows, len(entries), inserted, existing, report.Rejected,
	)
	return nil
}

func newLoadCmd(c *cli) *cobra.Command {
	var catalogPath, seedBank string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Loads a CSV or XLSX catalog into the progress store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services()
			if err != nil {
				return err
			}
			return importCatalog(cmd.Context(), cmd, svc, catalogPath, seedBank)
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "CSV or XLSX catalog path")
	cmd.Flags().StringVar(&seedBank, "seed-bank", "", "seller tag for rows without one")
	_ = cmd.MarkFlagRequired("catalog")
	return cmd
}
