package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"equity-recon/internal/app"
)

var (
	simulatePrimary   float64
	simulateSecondary float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次来源分歧并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrimary <= 0 || simulateSecondary <= 0 {
			return errors.New("--primary 与 --secondary 必须大于 0")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Primary:   simulatePrimary,
			Secondary: simulateSecondary,
		})
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePrimary, "primary", 0, "主来源的指标水平（所有对比指标取同一值）")
	simulateCmd.Flags().Float64Var(&simulateSecondary, "secondary", 0, "副来源的指标水平")
}
