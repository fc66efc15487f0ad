package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"equity-recon/internal/app"
	"equity-recon/internal/valuation"
)

var (
	volumeRaw      string
	volumePrice    string
	volumeExpected string

	validateRatio    string
	validateReported string
	validatePrice    string
	validateShares   string
	validateBase     string
)

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Decide whether a raw volume is in shares or lots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if volumeRaw == "" || volumePrice == "" {
			return fmt.Errorf("--volume and --price must be provided")
		}
		return getApp().Volume(app.VolumeOptions{
			Volume:   volumeRaw,
			Price:    volumePrice,
			Expected: volumeExpected,
		})
	},
}

var validateCmd = &cobra.Command{
	Use:     "validate-pe",
	Aliases: []string{"validate"},
	Short:   "Recompute a reported PE, PB or market value from its inputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateReported == "" || validatePrice == "" || validateShares == "" {
			return fmt.Errorf("--reported, --price and --shares must be provided")
		}
		ratio := valuation.Ratio(validateRatio)
		if ratio != valuation.RatioMarketValue && validateBase == "" {
			return fmt.Errorf("--base is required for %s", ratio)
		}
		return getApp().ValidateRatio(app.ValuationOptions{
			Ratio:    ratio,
			Reported: validateReported,
			Price:    validatePrice,
			Shares:   validateShares,
			Base:     validateBase,
		})
	},
}

func init() {
	volumeCmd.Flags().StringVar(&volumeRaw, "volume", "", "Raw volume as reported")
	volumeCmd.Flags().StringVar(&volumePrice, "price", "", "Price per share")
	volumeCmd.Flags().StringVar(&volumeExpected, "expected", "", "Reported turnover amount, optional")

	validateCmd.Flags().StringVar(&validateRatio, "ratio", string(valuation.RatioPE), "Ratio to check: pe, pb or total_mv")
	validateCmd.Flags().StringVar(&validateReported, "reported", "", "Reported ratio value")
	validateCmd.Flags().StringVar(&validatePrice, "price", "", "Price per share")
	validateCmd.Flags().StringVar(&validateShares, "shares", "", "Total share count")
	validateCmd.Flags().StringVar(&validateBase, "base", "", "Net profit for pe, net assets for pb")
}
