package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equity-recon/internal/alerting"
	"equity-recon/internal/audit"
	"equity-recon/internal/consistency"
	"equity-recon/internal/fallback"
	"equity-recon/internal/fetcher"
	"equity-recon/internal/fetcher/fetchertest"
	"equity-recon/internal/market"
	"equity-recon/internal/priority"
	"equity-recon/internal/retry"
	"equity-recon/internal/storage"
	"equity-recon/internal/valuation"
	"equity-recon/internal/volume"
)

var tradeDay = time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)

func basics(scale float64) market.Table {
	return market.NewTable(nil, []market.Row{
		{"ts_code": "600519.SH", "pe": 25.0 * scale, "pb": 8.0 * scale, "total_mv": 2.1e12 * scale, "close": 1700.0, "vol": 2000.0, "turnover_rate": 0.3},
		{"ts_code": "000001.SZ", "pe": 6.0 * scale, "pb": 0.6 * scale, "total_mv": 2.2e11 * scale, "close": 11.0, "vol": 90000000.0, "turnover_rate": 0.5},
	})
}

type fakeReports struct {
	mu       sync.Mutex
	records  []storage.ReportRecord
	rejected int
	deleted  time.Time
}

// InsertReport fails on a done context the way a pgx pool does.
func (f *fakeReports) InsertReport(ctx context.Context, r storage.ReportRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		f.rejected++
		return err
	}
	f.records = append(f.records, r)
	return nil
}

func (f *fakeReports) ListRecentReports(context.Context, int) ([]storage.ReportRecord, error) {
	return f.records, nil
}

func (f *fakeReports) ListReportsBetween(context.Context, time.Time, time.Time) ([]storage.ReportRecord, error) {
	return f.records, nil
}

func (f *fakeReports) DeleteReportsBefore(_ context.Context, t time.Time) (int64, error) {
	f.deleted = t
	return 2, nil
}

type fakeAlerts struct {
	inserted []storage.AlertRecord
	recent   []storage.AlertRecord
}

func (f *fakeAlerts) InsertAlert(_ context.Context, a storage.AlertRecord) (storage.AlertRecord, error) {
	f.inserted = append(f.inserted, a)
	return a, nil
}

func (f *fakeAlerts) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return f.recent, nil
}

func (f *fakeAlerts) DeleteAlertsBefore(context.Context, time.Time) (int64, error) { return 1, nil }

type fakeLocker struct {
	acquired bool
	calls    int
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	f.calls++
	return func() {}, f.acquired, nil
}

type fakePublisher struct{ events []audit.Event }

func (f *fakePublisher) Publish(_ context.Context, e audit.Event) error {
	f.events = append(f.events, e)
	return nil
}
func (f *fakePublisher) Close() error { return nil }

type fakeNotifier struct{ notes []alerting.Notification }

func (f *fakeNotifier) Notify(_ context.Context, n alerting.Notification) error {
	f.notes = append(f.notes, n)
	return nil
}

type harness struct {
	svc       *Reconciler
	reports   *fakeReports
	alerts    *fakeAlerts
	locker    *fakeLocker
	publisher *fakePublisher
	notifier  *fakeNotifier
}

func newHarness(t *testing.T, opts Options, adapters ...fetcher.Adapter) *harness {
	t.Helper()
	logger := zerolog.Nop()
	r := retry.New(retry.DefaultPolicy(), logger,
		retry.WithSleeper(func(context.Context, time.Duration) error { return nil }),
	)
	h := &harness{
		reports:   &fakeReports{},
		alerts:    &fakeAlerts{},
		locker:    &fakeLocker{acquired: true},
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
	}
	if opts.Market == "" {
		opts.Market = "cn"
	}
	opts.Volume = volume.DefaultOptions()
	h.svc = New(opts, Deps{
		Resolver:  priority.NewResolver(context.Background(), priority.Options{Market: "cn"}, adapters, nil, logger),
		Executor:  fallback.NewExecutor(r, logger),
		Checker:   consistency.NewChecker(consistency.DefaultOptions(), logger),
		Validator: valuation.New(valuation.DefaultOptions()),
		Reports:   h.reports,
		Alerts:    h.alerts,
		Locker:    h.locker,
		Publisher: h.publisher,
		Notifier:  h.notifier,
		Policy:    alerting.NewPolicy(consistency.UsePrimaryOnly, time.Hour),
	}, logger)
	return h
}

func TestReconcileAgreeingSources(t *testing.T) {
	primary := &fetchertest.Adapter{ID: "tushare", Priority: 3, Basics: fetchertest.DailyTable(basics(1))}
	secondary := &fetchertest.Adapter{ID: "akshare", Priority: 2, Basics: fetchertest.DailyTable(basics(1))}
	third := &fetchertest.Adapter{ID: "eastmoney", Priority: 1, Basics: fetchertest.DailyTable(basics(1))}
	h := newHarness(t, Options{AlertsOn: true, NormalizeVolume: true}, secondary, third, primary)

	out := h.svc.Reconcile(context.Background(), tradeDay)

	require.True(t, out.Found())
	assert.Equal(t, "tushare", out.ChosenSource)
	assert.Equal(t, "akshare", out.Report.SecondarySource)
	assert.Equal(t, consistency.UseEither, out.Report.Action)
	assert.InDelta(t, 1.0, out.Report.Confidence, 1e-9)
	assert.Empty(t, third.Calls(), "only the top two sources are fetched")
	assert.Len(t, out.Diagnostics, 2)

	require.NotNil(t, out.Volume)
	assert.Equal(t, 1, out.Volume.FromLots)
	vol, _ := out.Chosen.Rows[0].Float("vol")
	assert.InDelta(t, 2e5, vol, 1e-6)

	require.Len(t, h.reports.records, 1)
	assert.Equal(t, out.ReportID, h.reports.records[0].ID)
	assert.Equal(t, "use_either", h.reports.records[0].Action)
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, "cn:20240308", h.publisher.events[0].Key())
	assert.False(t, out.Alerted)
	assert.Empty(t, h.notifier.notes)
}

func TestReconcileDivergingSourcesAlertsOnceWithinCooldown(t *testing.T) {
	primary := &fetchertest.Adapter{ID: "tushare", Priority: 3, Basics: fetchertest.DailyTable(basics(1))}
	secondary := &fetchertest.Adapter{ID: "akshare", Priority: 2, Basics: fetchertest.DailyTable(basics(3))}
	h := newHarness(t, Options{AlertsOn: true, AlertChannels: []string{"telegram"}}, primary, secondary)

	out := h.svc.Reconcile(context.Background(), tradeDay)
	assert.Equal(t, "tushare", out.ChosenSource)
	assert.True(t, out.Report.Action.AtLeastAsSevere(consistency.UsePrimaryOnly), "action %s", out.Report.Action)
	assert.True(t, out.Alerted)
	require.Len(t, h.notifier.notes, 1)
	assert.Contains(t, h.notifier.notes[0].Significant, "pe")
	require.Len(t, h.alerts.inserted, 1)
	assert.Equal(t, "cn:tushare/akshare", h.alerts.inserted[0].PairKey)
	assert.Equal(t, out.ReportID, h.alerts.inserted[0].ReportID)

	again := h.svc.Reconcile(context.Background(), tradeDay)
	assert.False(t, again.Alerted)
	assert.Len(t, h.notifier.notes, 1)
}

func TestReconcileSecondaryOnly(t *testing.T) {
	primary := &fetchertest.Adapter{ID: "tushare", Priority: 3, Basics: fetchertest.DailyFail(fetcher.Permanent(errors.New("invalid token")))}
	secondary := &fetchertest.Adapter{ID: "akshare", Priority: 2, Basics: fetchertest.DailyTable(basics(1))}
	h := newHarness(t, Options{}, primary, secondary)

	out := h.svc.Reconcile(context.Background(), tradeDay)

	assert.Equal(t, "akshare", out.ChosenSource)
	assert.Equal(t, "akshare", out.Report.PrimarySource)
	assert.Equal(t, "tushare", out.Report.SecondarySource)
	assert.Equal(t, consistency.UsePrimaryOnly, out.Report.Action)
	assert.Zero(t, out.Report.Confidence)
	assert.Contains(t, out.Rationale, "using akshare only")
	assert.Equal(t, []string{"tushare", "akshare"}, out.Diagnostics.Adapters())
}

func TestReconcileFallsThroughToRemainingSources(t *testing.T) {
	a := &fetchertest.Adapter{ID: "a", Priority: 5, Basics: fetchertest.DailyFail(errors.New("connection reset"))}
	b := &fetchertest.Adapter{ID: "b", Priority: 4, Basics: fetchertest.DailyTable(market.Table{})}
	c := &fetchertest.Adapter{ID: "c", Priority: 3, Down: true, Basics: fetchertest.DailyTable(basics(1))}
	d := &fetchertest.Adapter{ID: "d", Priority: 2, Basics: fetchertest.DailyTable(basics(1))}
	h := newHarness(t, Options{}, a, b, c, d)

	out := h.svc.Reconcile(context.Background(), tradeDay)

	assert.Equal(t, "d", out.ChosenSource)
	assert.Equal(t, []string{"a", "b", "d"}, out.Diagnostics.Adapters())
	assert.Equal(t, []string{"c"}, out.Skipped)
	assert.Equal(t, consistency.UsePrimaryOnly, out.Report.Action)
}

func TestReconcileNothingFound(t *testing.T) {
	a := &fetchertest.Adapter{ID: "a", Priority: 2, Basics: fetchertest.DailyTable(market.Table{})}
	quotesOnly := &fetchertest.Adapter{ID: "q", Priority: 9, Quotes: fetchertest.Table(basics(1))}
	h := newHarness(t, Options{}, a, quotesOnly)

	out := h.svc.Reconcile(context.Background(), tradeDay)

	assert.False(t, out.Found())
	assert.True(t, out.Chosen.Empty())
	assert.Contains(t, out.Rationale, "20240308")
	assert.Empty(t, quotesOnly.Calls())
	require.Len(t, h.reports.records, 1)
	assert.Equal(t, "", h.reports.records[0].ChosenSource)
}

func TestReconcilePreferredOrder(t *testing.T) {
	a := &fetchertest.Adapter{ID: "tushare", Priority: 3, Basics: fetchertest.DailyTable(basics(1))}
	b := &fetchertest.Adapter{ID: "akshare", Priority: 2, Basics: fetchertest.DailyTable(basics(1))}
	h := newHarness(t, Options{Preferred: []string{"AKSHARE"}}, a, b)

	out := h.svc.Reconcile(context.Background(), tradeDay)
	assert.Equal(t, "akshare", out.ChosenSource)
	assert.Equal(t, "tushare", out.Report.SecondarySource)
}

func TestReconcileTickHonoursLock(t *testing.T) {
	a := &fetchertest.Adapter{ID: "a", Priority: 2, Basics: fetchertest.DailyTable(basics(1))}
	h := newHarness(t, Options{LockKey: 42}, a)
	h.locker.acquired = false

	require.NoError(t, h.svc.ReconcileTick(context.Background(), tradeDay))
	assert.Equal(t, 1, h.locker.calls)
	assert.Empty(t, a.Calls())
	assert.Empty(t, h.reports.records)
}

func TestReconcileTickUsesCalendar(t *testing.T) {
	cal := &fetchertest.Adapter{ID: "cal", Priority: 1, TradingDay: func(context.Context) (time.Time, error) {
		return tradeDay, nil
	}}
	var asked time.Time
	a := &fetchertest.Adapter{ID: "a", Priority: 2, Basics: func(_ context.Context, d time.Time) (market.Table, error) {
		asked = d
		return basics(1), nil
	}}
	h := newHarness(t, Options{LockKey: 42}, a, cal)

	require.NoError(t, h.svc.ReconcileTick(context.Background(), tradeDay.Add(50*time.Hour)))
	assert.True(t, asked.Equal(tradeDay), "asked %s", asked)
	require.Len(t, h.reports.records, 1)
}

func TestReconcileTickRecordsOutcomeAfterFetchTimeout(t *testing.T) {
	stuck := &fetchertest.Adapter{ID: "stuck", Priority: 2, Basics: func(ctx context.Context, _ time.Time) (market.Table, error) {
		<-ctx.Done()
		return market.Table{}, ctx.Err()
	}}
	h := newHarness(t, Options{Timeout: 50 * time.Millisecond}, stuck)

	require.NoError(t, h.svc.ReconcileTick(context.Background(), tradeDay))

	assert.Zero(t, h.reports.rejected)
	require.Len(t, h.reports.records, 1)
	assert.Equal(t, "", h.reports.records[0].ChosenSource)
	assert.Contains(t, string(h.reports.records[0].Diagnostics), "stuck")
	assert.Len(t, h.publisher.events, 1)
}

func TestTradeDateFallsBackToBucket(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	h := newHarness(t, Options{Location: loc})
	bucket := time.Date(2024, 3, 8, 20, 0, 0, 0, time.UTC)

	got := h.svc.TradeDate(context.Background(), bucket)
	assert.Equal(t, "20240309", market.FormatTradeDate(got))
}

func TestPruneAndSeed(t *testing.T) {
	h := newHarness(t, Options{Retention: 24 * time.Hour, AlertsOn: true})
	require.NoError(t, h.svc.PruneTick(context.Background(), tradeDay))
	assert.True(t, h.reports.deleted.Equal(tradeDay.Add(-24*time.Hour)))

	h.alerts.recent = []storage.AlertRecord{{PairKey: "cn:tushare/akshare", CreatedAt: time.Now().UTC()}}
	require.NoError(t, h.svc.SeedAlertCooldowns(context.Background()))

	a := &fetchertest.Adapter{ID: "tushare", Priority: 3, Basics: fetchertest.DailyTable(basics(1))}
	b := &fetchertest.Adapter{ID: "akshare", Priority: 2, Basics: fetchertest.DailyTable(basics(3))}
	h2 := newHarness(t, Options{AlertsOn: true}, a, b)
	h2.alerts.recent = h.alerts.recent
	require.NoError(t, h2.svc.SeedAlertCooldowns(context.Background()))
	out := h2.svc.Reconcile(context.Background(), tradeDay)
	assert.False(t, out.Alerted, "seeded cooldown suppresses the alert")
}
