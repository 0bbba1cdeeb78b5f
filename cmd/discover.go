package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/strain-archive-collector/internal/catalog"
	"github.com/JakeFAU/strain-archive-collector/internal/discovery"
)

func newDiscoverCmd(c *cli) *cobra.Command {
	var (
		sellers  []string
		outPath  string
		loadURLs bool
		seedBank string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Enumerates product URLs from configured seller listings",
		Long: `Walks the paginated listing pages of every seller in discovery.sellers (or only
those named with --seller), keeps links that look like product pages, and writes
them as a url,seed_bank CSV. With --load the URLs are also inserted as pending rows.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services()
			if err != nil {
				return err
			}
			selected, err := selectSellers(svc.Config.Discovery.Sellers, sellers)
			if err != nil {
				return err
			}
			d, err := svc.Discoverer()
			if err != nil {
				return err
			}
			results, err := d.Discover(cmd.Context(), selected)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
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
			if err := writeDiscovered(out, results); err != nil {
				return err
			}

			if !loadURLs {
				return nil
			}
			entries := make([]catalog.Entry, 0, len(results))
			for _, r := range results {
				bank := r.Seller
				if seedBank != "" {
					bank = seedBank
				}
				entries = append(entries, catalog.Entry{
					Fingerprint: svc.Hasher.Fingerprint(r.URL),
					URL:         r.URL,
					SeedBank:    bank,
				})
			}
			inserted, existing, err := catalog.Import(cmd.Context(), svc.Progress, entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "discovered %d urls: %d new, %d already tracked\n",
				len(results), inserted, existing)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&sellers, "seller", nil, "restrict discovery to these seller names")
	cmd.Flags().StringVar(&outPath, "out", "", "write the CSV here instead of stdout")
	cmd.Flags().BoolVar(&loadURLs, "load", false, "insert discovered urls into the progress store")
	cmd.Flags().StringVar(&seedBank, "seed-bank", "", "override the seller tag stored with loaded urls")
	return cmd
}

func selectSellers(all []discovery.Seller, names []string) ([]discovery.Seller, error) {
	if len(all) == 0 {
		return nil, fmt.Errorf("no sellers configured under discovery.sellers")
	}
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]discovery.Seller, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}
	out := make([]discovery.Seller, 0, len(names))
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown seller %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

func writeDiscovered(w io.Writer, results []discovery.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"url", "seed_bank"}); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	for _, r := range results {
		if err := cw.Write([]string{r.URL, r.Seller}); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
