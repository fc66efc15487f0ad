package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"equity-recon/internal/app"
	"equity-recon/internal/market"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored consistency reports as CSV and/or a confidence chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		from, err := parseReportBound(exportFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}
		opts.From = from

		to, err := parseReportBound(exportTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}
		opts.To = to

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseReportBound accepts an RFC3339 timestamp or a trade date; empty means unset.
func parseReportBound(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return &ts, nil
	}
	d, err := market.ParseTradeDate(v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Earliest report creation time (RFC3339 or trade date, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Latest report creation time (RFC3339 or trade date, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the confidence chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write report rows as CSV")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum reports to export after downsampling (defaults to config)")
}
