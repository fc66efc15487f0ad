package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"equity-recon/internal/market"
)

// Show prints recent reconciliation reports.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show reports")
	}
	if closeStore != nil {
		defer closeStore()
	}

	reports, err := store.ListRecentReports(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(a.out(), "no reports found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Trade Date\tPrimary\tSecondary\tChosen\tConfidence\tAction\tConsistent\tRationale")

	for _, r := range reports {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			market.FormatTradeDate(r.TradeDate),
			orDash(r.PrimarySource),
			orDash(r.SecondarySource),
			orDash(r.ChosenSource),
			r.Confidence.StringFixed(3),
			r.Action,
			r.Consistent,
			sanitizeInline(r.Rationale),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
