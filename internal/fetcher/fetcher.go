package fetcher

import (
	"context"
	"time"

	"equity-recon/internal/market"
)

// Adapter is the minimal contract every market data provider satisfies.
// Name is a stable identity used in logs, diagnostics, config and cache keys.
type Adapter interface {
	Name() string
	DefaultPriority() int
	Available(ctx context.Context) bool
}

// EntityLister lists the tradable entities a provider knows about.
type EntityLister interface {
	ListEntities(ctx context.Context) (market.Table, error)
}

// DailyBasicsFetcher returns per-entity daily fundamentals (pe, pb, total_mv, ...).
type DailyBasicsFetcher interface {
	DailyBasics(ctx context.Context, date time.Time) (market.Table, error)
}

// QuoteFetcher returns real-time quotes.
type QuoteFetcher interface {
	RealtimeQuotes(ctx context.Context) (market.Table, error)
}

// CandleFetcher returns OHLCV candles for one entity.
type CandleFetcher interface {
	Candles(ctx context.Context, id string, period market.Period, limit int) (market.Table, error)
}

// NewsFetcher returns recent news for one entity.
type NewsFetcher interface {
	News(ctx context.Context, id string) (market.Table, error)
}

// CalendarFetcher resolves the most recent completed trading day.
type CalendarFetcher interface {
	LatestTradingDay(ctx context.Context) (time.Time, error)
}

// Operation names a capability of an adapter.
type Operation string

const (
	OpListEntities     Operation = "list_entities"
	OpDailyBasics      Operation = "daily_basics"
	OpRealtimeQuotes   Operation = "realtime_quotes"
	OpCandles          Operation = "candles"
	OpNews             Operation = "news"
	OpLatestTradingDay Operation = "latest_trading_day"
)

// AllOperations lists every operation in declaration order.
var AllOperations = []Operation{
	OpListEntities,
	OpDailyBasics,
	OpRealtimeQuotes,
	OpCandles,
	OpNews,
	OpLatestTradingDay,
}

// Restricted is implemented by adapters whose capabilities depend on configuration.
// It narrows, never widens, the set implied by the capability interfaces.
type Restricted interface {
	Supports(op Operation) bool
}

// Supports reports whether the adapter implements the capability interface for op.
func Supports(a Adapter, op Operation) bool {
	if !implements(a, op) {
		return false
	}
	if r, ok := a.(Restricted); ok {
		return r.Supports(op)
	}
	return true
}

func implements(a Adapter, op Operation) bool {
	switch op {
	case OpListEntities:
		_, ok := a.(EntityLister)
		return ok
	case OpDailyBasics:
		_, ok := a.(DailyBasicsFetcher)
		return ok
	case OpRealtimeQuotes:
		_, ok := a.(QuoteFetcher)
		return ok
	case OpCandles:
		_, ok := a.(CandleFetcher)
		return ok
	case OpNews:
		_, ok := a.(NewsFetcher)
		return ok
	case OpLatestTradingDay:
		_, ok := a.(CalendarFetcher)
		return ok
	}
	return false
}

// Capabilities returns the operations the adapter supports.
func Capabilities(a Adapter) []Operation {
	ops := make([]Operation, 0, len(AllOperations))
	for _, op := range AllOperations {
		if Supports(a, op) {
			ops = append(ops, op)
		}
	}
	return ops
}
