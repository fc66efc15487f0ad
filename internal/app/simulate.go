package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"equity-recon/internal/alerting"
	"equity-recon/internal/consistency"
	"equity-recon/internal/market"
)

const (
	simulatedPrimary   = "simulated-primary"
	simulatedSecondary = "simulated-secondary"
)

// SimulateAlert 用给定的两组指标水平跑一次一致性检查，并把结果推送到告警通道。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note := a.simulatedNotification(opts, time.Now().UTC())
	a.Logger.Info().
		Str("confidence", note.Confidence.String()).
		Str("action", note.Action).
		Msg("dispatching simulated alert")
	return notifier.Notify(ctx, note)
}

func (a *App) simulatedNotification(opts SimulateOptions, now time.Time) alerting.Notification {
	checker := consistency.NewChecker(a.Config.Consistency, a.Logger)
	primary := simulatedTable(a.Config.Consistency.Metrics, opts.Primary)
	secondary := simulatedTable(a.Config.Consistency.Metrics, opts.Secondary)

	report := checker.Check(primary, secondary, simulatedPrimary, simulatedSecondary, nil)
	_, rationale := consistency.Resolve(primary, secondary, report)

	return alerting.Notification{
		Market:          a.Config.Market.Name,
		TradeDate:       time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		PrimarySource:   simulatedPrimary,
		SecondarySource: simulatedSecondary,
		ChosenSource:    simulatedPrimary,
		Confidence:      decimal.NewFromFloat(report.Confidence).Round(4),
		Action:          string(report.Action),
		Significant:     report.Significant(),
		Rationale:       rationale,
		Channels:        a.Config.Alerting.Channels,
		AdditionalMsg:   "simulated alert",
	}
}

// simulatedTable builds a one-row table carrying level in every metric column.
func simulatedTable(metrics []consistency.Metric, level float64) market.Table {
	row := market.Row{"ts_code": "SIM.SH"}
	for _, m := range metrics {
		col := m.Name
		if len(m.Aliases) > 0 {
			col = m.Aliases[0]
		}
		row[col] = level
	}
	return market.NewTable(nil, []market.Row{row})
}
