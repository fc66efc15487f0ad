package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"equity-recon/internal/app"
	"equity-recon/internal/fetcher"
)

var (
	fetchDate      string
	fetchID        string
	fetchPeriod    string
	fetchLimit     int
	fetchPreferred []string
	fetchRows      int
	snapshotRows   int
)

var fetchCmd = &cobra.Command{
	Use:       "fetch <operation>",
	Short:     "Run one fallback fetch and print the winning table with diagnostics",
	Args:      cobra.ExactArgs(1),
	ValidArgs: operationNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseOptionalDate(fetchDate)
		if err != nil {
			return fmt.Errorf("invalid --date value: %w", err)
		}
		return getApp().Fetch(cmd.Context(), app.FetchOptions{
			Operation: fetcher.Operation(strings.ToLower(args[0])),
			Date:      date,
			ID:        fetchID,
			Period:    fetchPeriod,
			Limit:     fetchLimit,
			Preferred: fetchPreferred,
			Rows:      fetchRows,
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print live quotes, falling back to the last daily close",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Snapshot(cmd.Context(), snapshotRows)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchDate, "date", "", "Trade date for daily_basics (YYYYMMDD)")
	fetchCmd.Flags().StringVar(&fetchID, "id", "", "Entity code for candles and news")
	fetchCmd.Flags().StringVar(&fetchPeriod, "period", "d", "Candle period (1m, d, w, m)")
	fetchCmd.Flags().IntVar(&fetchLimit, "limit", 100, "Candle count")
	fetchCmd.Flags().StringSliceVar(&fetchPreferred, "prefer", nil, "Adapters to try first, in order")
	fetchCmd.Flags().IntVar(&fetchRows, "rows", 20, "Rows to print; 0 prints all")

	snapshotCmd.Flags().IntVar(&snapshotRows, "rows", 20, "Rows to print; 0 prints all")
}

func operationNames() []string {
	names := make([]string, len(fetcher.AllOperations))
	for i, op := range fetcher.AllOperations {
		names[i] = string(op)
	}
	return names
}
