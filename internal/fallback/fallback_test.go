package fallback_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equity-recon/internal/fallback"
	"equity-recon/internal/fetcher"
	"equity-recon/internal/fetcher/fetchertest"
	"equity-recon/internal/market"
	"equity-recon/internal/retry"
)

func newExecutor() *fallback.Executor {
	r := retry.New(retry.DefaultPolicy(), zerolog.Nop(),
		retry.WithSleeper(func(context.Context, time.Duration) error { return nil }),
	)
	return fallback.NewExecutor(r, zerolog.Nop())
}

func quotes(code string) market.Table {
	return market.NewTable(nil, []market.Row{{"ts_code": code, "price": 10.5}})
}

var day = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

func TestFetchReturnsFirstSuccessInOrder(t *testing.T) {
	a := &fetchertest.Adapter{ID: "a", Basics: fetchertest.DailyFail(errors.New("connection reset"))}
	b := &fetchertest.Adapter{ID: "b", Basics: fetchertest.DailyTable(market.Table{})}
	c := &fetchertest.Adapter{ID: "c", Basics: fetchertest.DailyTable(quotes("600000.SH"))}
	d := &fetchertest.Adapter{ID: "d", Basics: fetchertest.DailyTable(quotes("000001.SZ"))}

	res := newExecutor().DailyBasics(context.Background(), day, []fetcher.Adapter{a, b, c, d}, nil)

	require.True(t, res.Found)
	assert.Equal(t, "c", res.Source)
	assert.Equal(t, 1, res.Data.Len())
	assert.Equal(t, []string{"a", "b", "c"}, res.Diagnostics.Adapters())
	assert.Empty(t, d.Calls(), "no adapter after the winner is tried")

	assert.Equal(t, fallback.KindNetwork, res.Diagnostics[0].ErrorKind)
	assert.Equal(t, 3, res.Diagnostics[0].Tries)
	assert.True(t, res.Diagnostics[0].Network)
	assert.Equal(t, fallback.KindEmpty, res.Diagnostics[1].ErrorKind)
	assert.True(t, res.Diagnostics[2].Success)
	assert.Equal(t, 1, res.Diagnostics[2].RecordCount)
}

func TestFetchExhaustedIsWellFormed(t *testing.T) {
	boom := &fetchertest.Adapter{ID: "boom", Quotes: func(context.Context) (market.Table, error) {
		panic("index out of range")
	}}
	bad := &fetchertest.Adapter{ID: "bad", Quotes: fetchertest.Fail(fetcher.Permanent(errors.New("invalid token")))}
	down := &fetchertest.Adapter{ID: "down", Down: true, Quotes: fetchertest.Table(quotes("x"))}
	none := &fetchertest.Adapter{ID: "none"}

	var res fallback.Result[market.Table]
	require.NotPanics(t, func() {
		res = newExecutor().RealtimeQuotes(context.Background(), []fetcher.Adapter{boom, bad, down, none}, nil)
	})

	assert.False(t, res.Found)
	assert.Empty(t, res.Source)
	assert.Equal(t, []string{"boom", "bad"}, res.Diagnostics.Adapters())
	assert.Equal(t, []string{"down"}, res.Skipped)
	assert.Empty(t, down.Calls())
	assert.Empty(t, none.Calls())
	assert.Equal(t, fallback.KindProvider, res.Diagnostics[1].ErrorKind)
	assert.False(t, res.Diagnostics[1].Network)
	assert.Equal(t, 2, res.Diagnostics.Failed())
}

func TestPreferredOrderOverridesPriority(t *testing.T) {
	a := &fetchertest.Adapter{ID: "A", Priority: 1, Quotes: fetchertest.Table(quotes("a"))}
	b := &fetchertest.Adapter{ID: "B", Priority: 2, Quotes: fetchertest.Table(quotes("b"))}
	ordered := []fetcher.Adapter{b, a}

	res := newExecutor().RealtimeQuotes(context.Background(), ordered, nil)
	assert.Equal(t, "B", res.Source)

	res = newExecutor().RealtimeQuotes(context.Background(), ordered, []string{"A"})
	assert.Equal(t, "A", res.Source)
	assert.Equal(t, []string{"A"}, res.Diagnostics.Adapters())
}

func TestReorderKeepsRestInOrder(t *testing.T) {
	mk := func(n string) fetcher.Adapter { return &fetchertest.Adapter{ID: n} }
	in := []fetcher.Adapter{mk("a"), mk("b"), mk("c"), mk("d")}

	names := func(as []fetcher.Adapter) []string {
		out := make([]string, len(as))
		for i, a := range as {
			out[i] = a.Name()
		}
		return out
	}
	assert.Equal(t, []string{"d", "b", "a", "c"}, names(fallback.Reorder(in, []string{"D", "b", "zz"})))
	assert.Equal(t, []string{"a", "b", "c", "d"}, names(in))
}

func TestSnapshotDegradesToDaily(t *testing.T) {
	live := &fetchertest.Adapter{ID: "live", Quotes: fetchertest.Fail(errors.New("timeout"))}
	daily := &fetchertest.Adapter{
		ID:         "eod",
		TradingDay: func(context.Context) (time.Time, error) { return day, nil },
		Basics: func(_ context.Context, d time.Time) (market.Table, error) {
			if !d.Equal(day) {
				return market.Table{}, errors.New("wrong day")
			}
			return quotes("600000.SH"), nil
		},
	}
	basicsOnly := &fetchertest.Adapter{ID: "basics", Basics: fetchertest.DailyTable(quotes("x"))}

	res := newExecutor().Snapshot(context.Background(), []fetcher.Adapter{live, basicsOnly, daily}, nil)

	require.True(t, res.Found)
	assert.Equal(t, "eod_daily", res.Source)
	assert.Equal(t, []string{"live", "eod"}, res.Diagnostics.Adapters())
	assert.Equal(t, fetcher.OpRealtimeQuotes, res.Diagnostics[0].Operation)
	assert.Equal(t, []fetcher.Operation{fetcher.OpLatestTradingDay, fetcher.OpDailyBasics}, daily.Calls())
	assert.Empty(t, basicsOnly.Calls(), "tier two needs the calendar capability")
}

func TestSnapshotSkipsDailyForZeroTradingDay(t *testing.T) {
	noCalendar := &fetchertest.Adapter{
		ID:         "blank",
		TradingDay: func(context.Context) (time.Time, error) { return time.Time{}, nil },
		Basics:     fetchertest.DailyTable(quotes("600000.SH")),
	}
	daily := &fetchertest.Adapter{
		ID:         "eod",
		TradingDay: func(context.Context) (time.Time, error) { return day, nil },
		Basics:     fetchertest.DailyTable(quotes("600000.SH")),
	}

	res := newExecutor().Snapshot(context.Background(), []fetcher.Adapter{noCalendar, daily}, nil)

	require.True(t, res.Found)
	assert.Equal(t, "eod_daily", res.Source)
	assert.Equal(t, []fetcher.Operation{fetcher.OpLatestTradingDay}, noCalendar.Calls())
	assert.Equal(t, fallback.KindEmpty, res.Diagnostics[0].ErrorKind)
}

func TestSnapshotPrefersLive(t *testing.T) {
	live := &fetchertest.Adapter{ID: "live", Quotes: fetchertest.Table(quotes("a"))}
	daily := &fetchertest.Adapter{
		ID:         "eod",
		TradingDay: func(context.Context) (time.Time, error) { return day, nil },
		Basics:     fetchertest.DailyTable(quotes("a")),
	}

	res := newExecutor().Snapshot(context.Background(), []fetcher.Adapter{live, daily}, nil)
	assert.Equal(t, "live", res.Source)
	assert.Empty(t, daily.Calls())
}

func TestSnapshotAllDown(t *testing.T) {
	res := newExecutor().Snapshot(context.Background(), []fetcher.Adapter{
		&fetchertest.Adapter{ID: "x", Quotes: fetchertest.Table(market.Table{})},
	}, nil)
	assert.False(t, res.Found)
	assert.Empty(t, res.Source)
	assert.Len(t, res.Diagnostics, 1)
}

func TestLatestTradingDayTreatsZeroAsEmpty(t *testing.T) {
	zero := &fetchertest.Adapter{ID: "zero", TradingDay: func(context.Context) (time.Time, error) { return time.Time{}, nil }}
	good := &fetchertest.Adapter{ID: "good", TradingDay: func(context.Context) (time.Time, error) { return day, nil }}

	res := newExecutor().LatestTradingDay(context.Background(), []fetcher.Adapter{zero, good}, nil)
	require.True(t, res.Found)
	assert.Equal(t, day, res.Data)
	assert.Equal(t, fallback.KindEmpty, res.Diagnostics[0].ErrorKind)
}

func TestCancelledContextStopsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &fetchertest.Adapter{ID: "a", Quotes: fetchertest.Table(quotes("a"))}

	res := newExecutor().RealtimeQuotes(ctx, []fetcher.Adapter{a}, nil)
	assert.False(t, res.Found)
	assert.Empty(t, a.Calls())
}

func TestAttemptJSONCarriesMilliseconds(t *testing.T) {
	raw, err := json.Marshal(fallback.Attempt{Adapter: "a", Duration: 1500 * time.Millisecond, ErrorKind: fallback.KindEmpty})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.EqualValues(t, 1500, decoded["duration_ms"])
	assert.Equal(t, "empty", decoded["error_kind"])
	assert.NotContains(t, decoded, "Duration")
}
