package fallback

import (
	"context"
	"time"

	"equity-recon/internal/fetcher"
	"equity-recon/internal/market"
)

// DailySuffix tags snapshot results served from the last daily close.
const DailySuffix = "_daily"

func tableCount(t market.Table) int { return t.Len() }

func dayCount(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	return 1
}

// ListEntities fetches the entity listing.
func (e *Executor) ListEntities(ctx context.Context, adapters []fetcher.Adapter, preferred []string) Result[market.Table] {
	return Fetch(ctx, e, Operation[market.Table]{
		Kind: fetcher.OpListEntities,
		Call: func(ctx context.Context, a fetcher.Adapter) (market.Table, error) {
			return a.(fetcher.EntityLister).ListEntities(ctx)
		},
		Count: tableCount,
	}, adapters, preferred)
}

// DailyBasics fetches per-entity fundamentals for date.
func (e *Executor) DailyBasics(ctx context.Context, date time.Time, adapters []fetcher.Adapter, preferred []string) Result[market.Table] {
	return Fetch(ctx, e, Operation[market.Table]{
		Kind: fetcher.OpDailyBasics,
		Call: func(ctx context.Context, a fetcher.Adapter) (market.Table, error) {
			return a.(fetcher.DailyBasicsFetcher).DailyBasics(ctx, date)
		},
		Count: tableCount,
	}, adapters, preferred)
}

// RealtimeQuotes fetches live quotes.
func (e *Executor) RealtimeQuotes(ctx context.Context, adapters []fetcher.Adapter, preferred []string) Result[market.Table] {
	return Fetch(ctx, e, Operation[market.Table]{
		Kind: fetcher.OpRealtimeQuotes,
		Call: func(ctx context.Context, a fetcher.Adapter) (market.Table, error) {
			return a.(fetcher.QuoteFetcher).RealtimeQuotes(ctx)
		},
		Count: tableCount,
	}, adapters, preferred)
}

// Candles fetches up to limit candles for one entity.
func (e *Executor) Candles(ctx context.Context, id string, period market.Period, limit int, adapters []fetcher.Adapter, preferred []string) Result[market.Table] {
	return Fetch(ctx, e, Operation[market.Table]{
		Kind: fetcher.OpCandles,
		Call: func(ctx context.Context, a fetcher.Adapter) (market.Table, error) {
			return a.(fetcher.CandleFetcher).Candles(ctx, id, period, limit)
		},
		Count: tableCount,
	}, adapters, preferred)
}

// News fetches recent news for one entity.
func (e *Executor) News(ctx context.Context, id string, adapters []fetcher.Adapter, preferred []string) Result[market.Table] {
	return Fetch(ctx, e, Operation[market.Table]{
		Kind: fetcher.OpNews,
		Call: func(ctx context.Context, a fetcher.Adapter) (market.Table, error) {
			return a.(fetcher.NewsFetcher).News(ctx, id)
		},
		Count: tableCount,
	}, adapters, preferred)
}

// LatestTradingDay resolves the most recent completed session.
func (e *Executor) LatestTradingDay(ctx context.Context, adapters []fetcher.Adapter, preferred []string) Result[time.Time] {
	return Fetch(ctx, e, Operation[time.Time]{
		Kind: fetcher.OpLatestTradingDay,
		Call: func(ctx context.Context, a fetcher.Adapter) (time.Time, error) {
			return a.(fetcher.CalendarFetcher).LatestTradingDay(ctx)
		},
		Count: dayCount,
	}, adapters, preferred)
}

// Snapshot returns live quotes, or the last daily close once every live source
// is exhausted. A daily result's Source carries DailySuffix. Diagnostics list the
// live attempts followed by the daily ones.
func (e *Executor) Snapshot(ctx context.Context, adapters []fetcher.Adapter, preferred []string) Result[market.Table] {
	live := e.RealtimeQuotes(ctx, adapters, preferred)
	if live.Found {
		return live
	}

	e.logger.Warn().
		Str("trail", live.Diagnostics.String()).
		Msg("live quotes unavailable; degrading to last daily close")

	daily := Fetch(ctx, e, Operation[market.Table]{
		Kind:     fetcher.OpDailyBasics,
		Requires: []fetcher.Operation{fetcher.OpLatestTradingDay, fetcher.OpDailyBasics},
		Call: func(ctx context.Context, a fetcher.Adapter) (market.Table, error) {
			day, err := a.(fetcher.CalendarFetcher).LatestTradingDay(ctx)
			if err != nil || day.IsZero() {
				return market.Table{}, err
			}
			return a.(fetcher.DailyBasicsFetcher).DailyBasics(ctx, day)
		},
		Count: tableCount,
	}, adapters, preferred)

	out := Result[market.Table]{
		Data:        daily.Data,
		Found:       daily.Found,
		Diagnostics: append(append(Diagnostics{}, live.Diagnostics...), daily.Diagnostics...),
		Skipped:     append(append([]string{}, live.Skipped...), daily.Skipped...),
	}
	if daily.Found {
		out.Source = daily.Source + DailySuffix
	}
	return out
}
