package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"equity-recon/internal/fallback"
	"equity-recon/internal/fetcher"
	"equity-recon/internal/market"
	"equity-recon/internal/storage"
)

// Check runs one reconciliation and prints the outcome as JSON.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	var store *storage.Store
	if !opts.DryRun {
		s, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if closeStore != nil {
			defer closeStore()
		}
		store = s
	}

	eng, err := a.newEngine(ctx, engineOptions{store: store, publish: !opts.DryRun, alerting: !opts.DryRun})
	if err != nil {
		return err
	}
	defer eng.Close()

	date := opts.Date
	if date.IsZero() {
		date = eng.reconciler.TradeDate(ctx, time.Now().UTC())
	}

	out := eng.reconciler.Reconcile(ctx, date)
	if err := writeJSON(a.out(), out); err != nil {
		return err
	}
	if !out.Found() {
		return fmt.Errorf("no provider returned daily basics for %s", market.FormatTradeDate(date))
	}
	return nil
}

// Fetch runs one fallback chain for an operation and prints the winning table
// followed by the attempt trail.
func (a *App) Fetch(ctx context.Context, opts FetchOptions) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	adapters := eng.resolver.Adapters()
	var res fallback.Result[market.Table]
	switch opts.Operation {
	case fetcher.OpListEntities:
		res = eng.executor.ListEntities(ctx, adapters, opts.Preferred)
	case fetcher.OpDailyBasics:
		date := opts.Date
		if date.IsZero() {
			date = eng.reconciler.TradeDate(ctx, time.Now().UTC())
		}
		res = eng.executor.DailyBasics(ctx, date, adapters, opts.Preferred)
	case fetcher.OpRealtimeQuotes:
		res = eng.executor.RealtimeQuotes(ctx, adapters, opts.Preferred)
	case fetcher.OpCandles:
		if opts.ID == "" {
			return errors.New("--id is required for candles")
		}
		period, err := market.ParsePeriod(opts.Period)
		if err != nil {
			return err
		}
		res = eng.executor.Candles(ctx, opts.ID, period, opts.Limit, adapters, opts.Preferred)
	case fetcher.OpNews:
		if opts.ID == "" {
			return errors.New("--id is required for news")
		}
		res = eng.executor.News(ctx, opts.ID, adapters, opts.Preferred)
	case fetcher.OpLatestTradingDay:
		day := eng.executor.LatestTradingDay(ctx, adapters, opts.Preferred)
		if day.Found {
			fmt.Fprintf(a.out(), "%s (source %s)\n", market.FormatTradeDate(day.Data), day.Source)
		}
		writeDiagnostics(a.out(), day.Diagnostics, day.Skipped)
		if !day.Found {
			return errors.New("no provider returned a trading day")
		}
		return nil
	default:
		return fmt.Errorf("unknown operation %q", opts.Operation)
	}

	return a.printResult(res, opts.Rows)
}

// Snapshot prints live quotes, degrading to the last daily close.
func (a *App) Snapshot(ctx context.Context, rows int) error {
	eng, err := a.newEngine(ctx, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	res := eng.executor.Snapshot(ctx, eng.resolver.Adapters(), a.Config.Reconcile.PreferredOrder)
	return a.printResult(res, rows)
}

// Priorities prints the resolved adapter order, after applying any overrides.
func (a *App) Priorities(ctx context.Context, opts PriorityOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	if len(opts.Set) > 0 {
		if store == nil {
			return errors.New("database not configured; cannot store priority overrides")
		}
		for name, p := range opts.Set {
			err := store.UpsertPriority(ctx, storage.PriorityOverride{
				Market:   a.Config.Market.Name,
				Adapter:  strings.ToLower(name),
				Priority: p,
			})
			if err != nil {
				return err
			}
		}
	}

	eng, err := a.newEngine(ctx, engineOptions{store: store})
	if err != nil {
		return err
	}
	defer eng.Close()

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tAdapter\tPriority\tCapabilities")
	for i, d := range eng.resolver.Ordered() {
		ops := make([]string, len(d.Capabilities))
		for j, op := range d.Capabilities {
			ops[j] = string(op)
		}
		fmt.Fprintf(writer, "%d\t%s\t%d\t%s\n", i+1, d.Name, d.Priority, strings.Join(ops, ","))
	}
	if disabled := a.Config.DisabledProviders(); len(disabled) > 0 {
		fmt.Fprintf(writer, "-\t%s\tdisabled\t\n", strings.Join(disabled, ","))
	}
	return writer.Flush()
}

func (a *App) printResult(res fallback.Result[market.Table], rows int) error {
	w := a.out()
	if res.Found {
		fmt.Fprintf(w, "source: %s, records: %d\n", res.Source, res.Data.Len())
		if err := writeTable(w, res.Data, rows); err != nil {
			return err
		}
	}
	writeDiagnostics(w, res.Diagnostics, res.Skipped)
	if !res.Found {
		return errors.New("all providers failed")
	}
	return nil
}

func writeTable(w io.Writer, t market.Table, limit int) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, strings.Join(t.Columns, "\t"))
	for i, row := range t.Rows {
		if limit > 0 && i >= limit {
			fmt.Fprintf(writer, "... %d more\n", t.Len()-limit)
			break
		}
		cells := make([]string, len(t.Columns))
		for j, col := range t.Columns {
			if v, ok := row.String(col); ok {
				cells[j] = sanitizeInline(v)
			}
		}
		fmt.Fprintln(writer, strings.Join(cells, "\t"))
	}
	return writer.Flush()
}

func writeDiagnostics(w io.Writer, diags fallback.Diagnostics, skipped []string) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Adapter\tOperation\tTries\tDuration\tResult\tError")
	for _, d := range diags {
		result := "ok"
		if !d.Success {
			result = string(d.ErrorKind)
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%s\t%s\n",
			d.Adapter, d.Operation, d.Tries, d.Duration.Round(time.Millisecond), result, sanitizeInline(d.ErrorMessage))
	}
	for _, name := range skipped {
		fmt.Fprintf(writer, "%s\t-\t0\t-\tunavailable\t\n", name)
	}
	_ = writer.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
