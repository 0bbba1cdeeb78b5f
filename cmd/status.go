package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints progress totals, fetch method and host breakdowns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			stats, err := svc.Progress.Stats(ctx)
			if err != nil {
				return err
			}
			methods, err := svc.Progress.MethodStats(ctx)
			if err != nil {
				return err
			}
			hosts, err := svc.Progress.HostStats(ctx)
			if err != nil {
				return err
			}
			retryable, err := svc.Progress.CountRetryable(ctx, svc.Config.Collector.MaxAttempts)
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), stats, methods, hosts, retryable)
			return nil
		},
	}
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(title)
	return t
}

func renderStatus(w io.Writer, s store.Stats, methods []store.MethodStats, hosts []store.HostStats, retryable int64) {
	t := newTable(w, "Progress")
	t.AppendHeader(table.Row{"Status", "URLs"})
	t.AppendRows([]table.Row{
		{"pending", s.Pending},
		{"processing", s.Processing},
		{"success", s.Success},
		{"failed", s.Failed},
		{"skipped", s.Skipped},
	})
	t.AppendFooter(table.Row{"Total", s.Total})
	t.Render()

	fmt.Fprintf(w, "success rate %.1f%%, avg html size %.0f bytes, avg score %.3f, retryable %d\n",
		s.SuccessRate()*100, s.AvgHTMLSize, s.AvgScore, retryable)

	if len(methods) > 0 {
		t = newTable(w, "Fetch methods")
		t.AppendHeader(table.Row{"Method", "Pages", "Avg score", "Avg size"})
		for _, m := range methods {
			t.AppendRow(table.Row{m.Method, m.Count, fmt.Sprintf("%.3f", m.AvgScore), fmt.Sprintf("%.0f", m.AvgSize)})
		}
		t.Render()
	}

	if len(hosts) > 0 {
		t = newTable(w, "Hosts")
		t.AppendHeader(table.Row{"Host", "URLs", "Success", "Failed", "Success rate"})
		for _, h := range hosts {
			rate := 0.0
			if h.Total > 0 {
				rate = float64(h.Success) / float64(h.Total) * 100
			}
			t.AppendRow(table.Row{h.Host, h.Total, h.Success, h.Failed, fmt.Sprintf("%.1f%%", rate)})
		}
		t.Render()
	}
}

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves /healthz, /metrics and /stats without collecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = svc.Config.Metrics.Addr
			}
			if addr == "" {
				addr = ":9090"
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              addr,
				Handler:           svc.StatusServer().Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				svc.Logger.Info("status server started", zap.String("addr", addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("status server: %w", err)
			case <-ctx.Done():
			}
			svc.Logger.Info("shutdown initiated")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("status server shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default metrics.addr or :9090)")
	return cmd
}
