package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"equity-recon/internal/market"
	"equity-recon/internal/storage"
)

// Backfill reconciles every weekday in [From, To].
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	dates := tradeDates(opts.From, opts.To)
	if len(dates) == 0 {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	var store *storage.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		s, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if s == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		if closeStore != nil {
			defer closeStore()
		}
		store = s
	}

	eng, err := a.newEngine(ctx, engineOptions{store: store, publish: !opts.DryRun})
	if err != nil {
		return err
	}
	defer eng.Close()

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	var processed, missing atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, date := range dates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := eng.reconciler.Reconcile(gctx, date)
			if !out.Found() {
				missing.Add(1)
				a.Logger.Warn().Str("trade_date", market.FormatTradeDate(date)).Msg("回填日期无可用数据")
				return nil
			}
			processed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	a.Logger.Info().Int32("processed", processed.Load()).Int32("missing", missing.Load()).Msg("回填完成")
	if processed.Load() == 0 {
		return errors.New("回填期间没有任何日期获取到数据，请检查日志")
	}
	return nil
}

// tradeDates lists the weekdays between from and to, inclusive, as UTC midnights.
func tradeDates(from, to time.Time) []time.Time {
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		dates = append(dates, d)
	}
	return dates
}
