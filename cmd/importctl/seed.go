package main

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// sampleRows cover the manifest stage's edge cases: a duplicate link
// differing only in case and trailing slash, a row with no title and a
// non-http link.
var sampleRows = [][]string{
	{"Krithi", "Raga", "Hyperlink"},
	{"Endaro Mahanubhavulu", "Sri", "https://www.karnatik.com/c1016.shtml"},
	{"Nagumomu Ganaleni", "Abheri", "https://www.karnatik.com/c1277.shtml"},
	{"Jagadanandakaraka", "Nata", "https://www.karnatik.com/c1012.shtml"},
	{"Vatapi Ganapatim", "Hamsadhwani", "https://www.karnatik.com/c1466.shtml"},
	{"Sogasuga Mridanga Talamu", "Sriranjani", "https://www.karnatik.com/c1359.shtml"},
	{"Endaro Mahanubhavulu", "Sri", "HTTPS://WWW.KARNATIK.COM/c1016.shtml/"},
	{"", "Kalyani", "https://www.karnatik.com/c0000.shtml"},
	{"Broken Link", "Todi", "ftp://example.com/x"},
}

func newSeedCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write a sample manifest for local runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			defer f.Close()

			w := csv.NewWriter(f)
			if err := w.WriteAll(sampleRows); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", len(sampleRows)-1, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "sample-manifest.csv", "output path")
	return cmd
}
