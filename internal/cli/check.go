package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"equity-recon/internal/app"
	"equity-recon/internal/market"
)

var (
	checkDate   string
	checkDryRun bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Reconcile one trade date and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseOptionalDate(checkDate)
		if err != nil {
			return fmt.Errorf("invalid --date value: %w", err)
		}
		return getApp().Check(cmd.Context(), app.CheckOptions{Date: date, DryRun: checkDryRun})
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkDate, "date", "", "Trade date (YYYYMMDD); defaults to the latest trading day")
	checkCmd.Flags().BoolVar(&checkDryRun, "dry-run", false, "Skip storage, audit and alerting")
}

func parseOptionalDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return market.ParseTradeDate(v)
}
