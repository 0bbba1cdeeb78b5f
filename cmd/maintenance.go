package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

func newResetFailedCmd(c *cli) *cobra.Command {
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "reset-failed",
		Short: "Returns failed URLs with attempts left to pending",
		Long: `Moves failed rows whose attempts are below --max-attempts back to pending and
clears their error message. Attempt counters are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services()
			if err != nil {
				return err
			}
			limit := svc.Config.Collector.MaxAttempts
			if maxAttempts > limit {
				return fmt.Errorf("--max-attempts %d exceeds collector.max_attempts %d; rows past the budget are never claimed", maxAttempts, limit)
			}
			if maxAttempts <= 0 {
				maxAttempts = limit
			}
			n, err := svc.Progress.ResetFailed(cmd.Context(), maxAttempts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed urls to pending\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "only reset rows below this attempt count (default collector.max_attempts)")
	return cmd
}

func newResetProcessingCmd(c *cli) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reset-processing",
		Short: "Releases stuck processing URLs (pending, or failed when out of attempts)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services()
			if err != nil {
				return err
			}
			cutoff := svc.Clock.Now().Add(-olderThan)
			n, err := svc.Progress.ResetProcessing(cmd.Context(), cutoff, svc.Config.Collector.MaxAttempts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d processing urls\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "only reset rows whose last attempt is older than this")
	return cmd
}

func newExportFailedCmd(c *cli) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export-failed",
		Short: "Writes failed URLs with their last error as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services()
			if err != nil {
				return err
			}
			rows, err := svc.Progress.ListByStatus(cmd.Context(), store.StatusFailed)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(filepath.Clean(outPath))
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer func() { _ = f.Close() }()
				out = f
			}
			cw := csv.NewWriter(out)
			if err := cw.Write([]string{"url", "url_fingerprint", "attempts", "last_attempt", "error_message"}); err != nil {
				return fmt.Errorf("write csv header: %w", err)
			}
			for _, r := range rows {
				last := ""
				if r.LastAttempt != nil {
					last = r.LastAttempt.UTC().Format(time.RFC3339)
				}
				if err := cw.Write([]string{r.URL, r.Fingerprint, strconv.Itoa(r.Attempts), last, r.ErrorMessage}); err != nil {
					return fmt.Errorf("write csv row %s: %w", r.Fingerprint, err)
				}
			}
			cw.Flush()
			if err := cw.Error(); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
			svc.Logger.Info("exported failed urls", zap.Int("count", len(rows)))
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write the CSV here instead of stdout")
	return cmd
}

func newSkipCmd(c *cli) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "skip <url>...",
		Short: "Marks URLs as skipped so they are never claimed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.services()
			if err != nil {
				return err
			}
			var errs []error
			skipped := 0
			for _, raw := range args {
				clean, err := crawler.CleanURL(raw)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", raw, err))
					continue
				}
				if err := svc.Progress.Skip(cmd.Context(), svc.Hasher.Fingerprint(clean), reason); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", clean, err))
					continue
				}
				skipped++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "skipped %d of %d urls\n", skipped, len(args))
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "skipped by operator", "reason stored in error_message")
	return cmd
}
