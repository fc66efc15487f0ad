// Package fetchertest provides a scripted adapter for tests.
package fetchertest

import (
	"context"
	"sync"
	"time"

	"equity-recon/internal/fetcher"
	"equity-recon/internal/market"
)

// Adapter implements every capability interface; an operation is supported only
// when its script func is set.
type Adapter struct {
	ID       string
	Priority int
	Down     bool

	Entities   func(ctx context.Context) (market.Table, error)
	Basics     func(ctx context.Context, date time.Time) (market.Table, error)
	Quotes     func(ctx context.Context) (market.Table, error)
	CandlesFn  func(ctx context.Context, id string, period market.Period, limit int) (market.Table, error)
	NewsFn     func(ctx context.Context, id string) (market.Table, error)
	TradingDay func(ctx context.Context) (time.Time, error)

	mu    sync.Mutex
	calls []fetcher.Operation
}

var (
	_ fetcher.Adapter            = (*Adapter)(nil)
	_ fetcher.Restricted         = (*Adapter)(nil)
	_ fetcher.EntityLister       = (*Adapter)(nil)
	_ fetcher.DailyBasicsFetcher = (*Adapter)(nil)
	_ fetcher.QuoteFetcher       = (*Adapter)(nil)
	_ fetcher.CandleFetcher      = (*Adapter)(nil)
	_ fetcher.NewsFetcher        = (*Adapter)(nil)
	_ fetcher.CalendarFetcher    = (*Adapter)(nil)
)

func (a *Adapter) Name() string                   { return a.ID }
func (a *Adapter) DefaultPriority() int           { return a.Priority }
func (a *Adapter) Available(context.Context) bool { return !a.Down }

// Supports reports whether the script for op is set.
func (a *Adapter) Supports(op fetcher.Operation) bool {
	switch op {
	case fetcher.OpListEntities:
		return a.Entities != nil
	case fetcher.OpDailyBasics:
		return a.Basics != nil
	case fetcher.OpRealtimeQuotes:
		return a.Quotes != nil
	case fetcher.OpCandles:
		return a.CandlesFn != nil
	case fetcher.OpNews:
		return a.NewsFn != nil
	case fetcher.OpLatestTradingDay:
		return a.TradingDay != nil
	}
	return false
}

// Calls returns the operations invoked so far, in order.
func (a *Adapter) Calls() []fetcher.Operation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]fetcher.Operation, len(a.calls))
	copy(out, a.calls)
	return out
}

func (a *Adapter) record(op fetcher.Operation) {
	a.mu.Lock()
	a.calls = append(a.calls, op)
	a.mu.Unlock()
}

func (a *Adapter) ListEntities(ctx context.Context) (market.Table, error) {
	a.record(fetcher.OpListEntities)
	if a.Entities == nil {
		return market.Table{}, fetcher.ErrUnsupported
	}
	return a.Entities(ctx)
}

func (a *Adapter) DailyBasics(ctx context.Context, date time.Time) (market.Table, error) {
	a.record(fetcher.OpDailyBasics)
	if a.Basics == nil {
		return market.Table{}, fetcher.ErrUnsupported
	}
	return a.Basics(ctx, date)
}

func (a *Adapter) RealtimeQuotes(ctx context.Context) (market.Table, error) {
	a.record(fetcher.OpRealtimeQuotes)
	if a.Quotes == nil {
		return market.Table{}, fetcher.ErrUnsupported
	}
	return a.Quotes(ctx)
}

func (a *Adapter) Candles(ctx context.Context, id string, period market.Period, limit int) (market.Table, error) {
	a.record(fetcher.OpCandles)
	if a.CandlesFn == nil {
		return market.Table{}, fetcher.ErrUnsupported
	}
	return a.CandlesFn(ctx, id, period, limit)
}

func (a *Adapter) News(ctx context.Context, id string) (market.Table, error) {
	a.record(fetcher.OpNews)
	if a.NewsFn == nil {
		return market.Table{}, fetcher.ErrUnsupported
	}
	return a.NewsFn(ctx, id)
}

func (a *Adapter) LatestTradingDay(ctx context.Context) (time.Time, error) {
	a.record(fetcher.OpLatestTradingDay)
	if a.TradingDay == nil {
		return time.Time{}, fetcher.ErrUnsupported
	}
	return a.TradingDay(ctx)
}

// Table returns a func that always yields t.
func Table(t market.Table) func(context.Context) (market.Table, error) {
	return func(context.Context) (market.Table, error) { return t, nil }
}

// Fail returns a func that always yields err.
func Fail(err error) func(context.Context) (market.Table, error) {
	return func(context.Context) (market.Table, error) { return market.Table{}, err }
}

// DailyTable returns a DailyBasics script that always yields t.
func DailyTable(t market.Table) func(context.Context, time.Time) (market.Table, error) {
	return func(context.Context, time.Time) (market.Table, error) { return t, nil }
}

// DailyFail returns a DailyBasics script that always yields err.
func DailyFail(err error) func(context.Context, time.Time) (market.Table, error) {
	return func(context.Context, time.Time) (market.Table, error) { return market.Table{}, err }
}
