package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"equity-recon/internal/alerting"
	"equity-recon/internal/audit"
	"equity-recon/internal/consistency"
	"equity-recon/internal/fallback"
	"equity-recon/internal/fetcher"
	"equity-recon/internal/market"
	"equity-recon/internal/priority"
	"equity-recon/internal/storage"
	"equity-recon/internal/valuation"
	"equity-recon/internal/volume"
)

const (
	alertSeedLimit = 500
	// recordTimeout bounds persisting, publishing and alerting one outcome.
	recordTimeout = 15 * time.Second
)

// Options tune the reconciliation job.
type Options struct {
	Market            string
	Location          *time.Location
	Preferred         []string
	KeyAliases        []string
	NormalizeVolume   bool
	ValidateValuation bool
	Volume            volume.Options
	AlertsOn          bool
	AlertChannels     []string
	LockKey           int64
	Timeout           time.Duration
	Retention         time.Duration
}

// Deps are the collaborators of a Reconciler. Storage, audit and alerting are optional.
type Deps struct {
	Resolver  *priority.Resolver
	Executor  *fallback.Executor
	Checker   *consistency.Checker
	Validator *valuation.Validator
	Reports   storage.ReportStore
	Alerts    storage.AlertStore
	Locker    storage.AdvisoryLocker
	Publisher audit.Publisher
	Notifier  alerting.Notifier
	Policy    *alerting.Policy
}

// Outcome is the result of reconciling one trade date.
type Outcome struct {
	ReportID     uuid.UUID               `json:"report_id"`
	Market       string                  `json:"market"`
	TradeDate    time.Time               `json:"trade_date"`
	ChosenSource string                  `json:"chosen_source"`
	Chosen       market.Table            `json:"-"`
	Report       consistency.Report      `json:"report"`
	Rationale    string                  `json:"rationale"`
	Diagnostics  fallback.Diagnostics    `json:"diagnostics"`
	Skipped      []string                `json:"skipped,omitempty"`
	Valuation    *valuation.TableSummary `json:"valuation,omitempty"`
	Volume       *volume.Summary         `json:"volume,omitempty"`
	Alerted      bool                    `json:"alerted"`
}

// Found reports whether any source produced data.
func (o Outcome) Found() bool { return o.ChosenSource != "" }

// Reconciler orchestrates fetching, checking, persistence, and alerting.
type Reconciler struct {
	opts   Options
	deps   Deps
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs the reconciliation service.
func New(opts Options, deps Deps, logger zerolog.Logger) *Reconciler {
	if deps.Locker == nil {
		if l, ok := deps.Reports.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}
	if deps.Publisher == nil {
		deps.Publisher = audit.Nop{}
	}
	if deps.Policy == nil {
		deps.Policy = alerting.NewPolicy(consistency.UsePrimaryOnly, 0)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Reconciler{
		opts:   opts,
		deps:   deps,
		now:    time.Now,
		logger: logger.With().Str("component", "service").Str("market", opts.Market).Logger(),
	}
}

// ReconcileTick is the scheduler entry point for the reconciliation sweep.
func (s *Reconciler) ReconcileTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	dateCtx, cancel := s.withFetchTimeout(ctx)
	date := s.TradeDate(dateCtx, bucket)
	cancel()

	s.Reconcile(ctx, date)
	return nil
}

// withFetchTimeout bounds provider calls by the reconcile timeout, when set.
func (s *Reconciler) withFetchTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout > 0 {
		return context.WithTimeout(ctx, s.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// RefreshTick re-reads priority overrides.
func (s *Reconciler) RefreshTick(ctx context.Context, _ time.Time) error {
	s.deps.Resolver.Refresh(ctx)
	return nil
}

// PruneTick deletes reports and alerts older than the retention window.
func (s *Reconciler) PruneTick(ctx context.Context, bucket time.Time) error {
	if s.opts.Retention <= 0 {
		return nil
	}
	cutoff := bucket.Add(-s.opts.Retention)
	if s.deps.Alerts != nil {
		n, err := s.deps.Alerts.DeleteAlertsBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune alerts: %w", err)
		}
		s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("alerts pruned")
	}
	if s.deps.Reports != nil {
		n, err := s.deps.Reports.DeleteReportsBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune reports: %w", err)
		}
		s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("reports pruned")
	}
	return nil
}

// SeedAlertCooldowns primes the alert policy from recently stored alerts so a
// restart does not re-send alerts still inside their cooldown.
func (s *Reconciler) SeedAlertCooldowns(ctx context.Context) error {
	if s.deps.Alerts == nil {
		return nil
	}
	recent, err := s.deps.Alerts.ListRecentAlerts(ctx, alertSeedLimit)
	if err != nil {
		return fmt.Errorf("list recent alerts: %w", err)
	}
	for _, a := range recent {
		s.deps.Policy.Seed(a.PairKey, a.CreatedAt)
	}
	return nil
}

// TradeDate asks the providers for the latest trading day, falling back to the
// bucket's calendar date in the market time zone.
func (s *Reconciler) TradeDate(ctx context.Context, bucket time.Time) time.Time {
	res := s.deps.Executor.LatestTradingDay(ctx, s.deps.Resolver.Adapters(), s.opts.Preferred)
	if res.Found {
		return res.Data
	}
	local := bucket.In(s.opts.Location)
	s.logger.Warn().Str("diagnostics", res.Diagnostics.String()).Msg("no calendar source; using bucket date")
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// Reconcile fetches daily basics for date from the two highest-priority sources
// concurrently, compares them, and records the outcome. Provider failures are
// reported in the outcome, never returned. Only fetching is bounded by the
// reconcile timeout; the outcome is recorded even when the fetch ran out of time.
func (s *Reconciler) Reconcile(ctx context.Context, date time.Time) Outcome {
	out := s.compare(ctx, date)

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	s.persist(recordCtx, &out)
	s.publish(recordCtx, out)
	out.Alerted = s.maybeAlert(recordCtx, out)
	return out
}

func (s *Reconciler) compare(ctx context.Context, date time.Time) Outcome {
	ctx, cancel := s.withFetchTimeout(ctx)
	defer cancel()

	adapters := s.dailyAdapters()
	out := Outcome{ReportID: uuid.New(), Market: s.opts.Market, TradeDate: date}

	primary, secondary, rest := s.fetchPair(ctx, date, adapters)
	out.Diagnostics = append(out.Diagnostics, primary.Diagnostics...)
	out.Diagnostics = append(out.Diagnostics, secondary.Diagnostics...)
	out.Skipped = append(append(out.Skipped, primary.Skipped...), secondary.Skipped...)

	names := adapterNames(adapters)
	switch {
	case primary.Found && secondary.Found:
		out.Report = s.deps.Checker.Check(primary.Data, secondary.Data, primary.Source, secondary.Source, s.opts.KeyAliases)
		out.Chosen, out.Rationale = consistency.Resolve(primary.Data, secondary.Data, out.Report)
		out.ChosenSource = primary.Source
	case primary.Found:
		out.Report = s.deps.Checker.Check(primary.Data, market.Table{}, primary.Source, nameAt(names, 1), s.opts.KeyAliases)
		out.Chosen, out.Rationale = consistency.Resolve(primary.Data, market.Table{}, out.Report)
		out.ChosenSource = primary.Source
	case secondary.Found:
		out.Report = s.deps.Checker.Check(secondary.Data, market.Table{}, secondary.Source, nameAt(names, 0), s.opts.KeyAliases)
		out.Chosen, out.Rationale = consistency.Resolve(secondary.Data, market.Table{}, out.Report)
		out.ChosenSource = secondary.Source
	default:
		fb := s.deps.Executor.DailyBasics(ctx, date, rest, nil)
		out.Diagnostics = append(out.Diagnostics, fb.Diagnostics...)
		out.Skipped = append(out.Skipped, fb.Skipped...)
		if fb.Found {
			out.Report = s.deps.Checker.Check(fb.Data, market.Table{}, fb.Source, "", s.opts.KeyAliases)
			out.Chosen, out.Rationale = consistency.Resolve(fb.Data, market.Table{}, out.Report)
			out.ChosenSource = fb.Source
		} else {
			out.Report = s.deps.Checker.Check(market.Table{}, market.Table{}, nameAt(names, 0), nameAt(names, 1), s.opts.KeyAliases)
			out.Rationale = fmt.Sprintf("no source returned daily basics for %s", market.FormatTradeDate(date))
		}
	}

	s.postProcess(&out)

	s.logger.Info().
		Str("trade_date", market.FormatTradeDate(date)).
		Str("chosen", out.ChosenSource).
		Float64("confidence", out.Report.Confidence).
		Str("action", string(out.Report.Action)).
		Int("attempts", len(out.Diagnostics)).
		Msg("reconciliation complete")
	return out
}

func (s *Reconciler) dailyAdapters() []fetcher.Adapter {
	var adapters []fetcher.Adapter
	for _, d := range s.deps.Resolver.Ordered() {
		if d.Supports(fetcher.OpDailyBasics) {
			adapters = append(adapters, d.Adapter)
		}
	}
	return fallback.Reorder(adapters, s.opts.Preferred)
}

// fetchPair runs the top two adapters as independent single-adapter chains.
func (s *Reconciler) fetchPair(ctx context.Context, date time.Time, adapters []fetcher.Adapter) (primary, secondary fallback.Result[market.Table], rest []fetcher.Adapter) {
	if len(adapters) == 0 {
		return primary, secondary, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		primary = s.deps.Executor.DailyBasics(gctx, date, adapters[:1], nil)
		return nil
	})
	if len(adapters) > 1 {
		g.Go(func() error {
			secondary = s.deps.Executor.DailyBasics(gctx, date, adapters[1:2], nil)
			return nil
		})
		rest = adapters[2:]
	}
	_ = g.Wait()
	return primary, secondary, rest
}

func (s *Reconciler) postProcess(out *Outcome) {
	if out.Chosen.Empty() {
		return
	}
	if out.Report.Details == nil {
		out.Report.Details = map[string]any{}
	}
	if s.opts.ValidateValuation && s.deps.Validator != nil {
		sum := s.deps.Validator.CheckTable(out.Chosen)
		out.Valuation = &sum
		out.Report.Details["valuation_checked"] = sum.Checked
		out.Report.Details["valuation_invalid"] = sum.Invalid
	}
	if s.opts.NormalizeVolume {
		normalized, sum := volume.NormalizeTable(out.Chosen, s.opts.Volume)
		out.Chosen = normalized
		out.Volume = &sum
		out.Report.Details["volume_from_lots"] = sum.FromLots
		out.Report.Details["volume_invalid"] = sum.Invalid
	}
}

func (s *Reconciler) persist(ctx context.Context, out *Outcome) {
	if s.deps.Reports == nil {
		return
	}
	rec, err := out.Record()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode report")
		return
	}
	if err := s.deps.Reports.InsertReport(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("report_id", out.ReportID.String()).Msg("failed to persist report")
	}
}

// Record converts the outcome into its storage form.
func (o Outcome) Record() (storage.ReportRecord, error) {
	report, err := json.Marshal(o.Report)
	if err != nil {
		return storage.ReportRecord{}, fmt.Errorf("marshal report: %w", err)
	}
	diags, err := json.Marshal(o.Diagnostics)
	if err != nil {
		return storage.ReportRecord{}, fmt.Errorf("marshal diagnostics: %w", err)
	}
	return storage.ReportRecord{
		ID:              o.ReportID,
		Market:          o.Market,
		TradeDate:       o.TradeDate,
		PrimarySource:   o.Report.PrimarySource,
		SecondarySource: o.Report.SecondarySource,
		ChosenSource:    o.ChosenSource,
		Confidence:      decimal.NewFromFloat(o.Report.Confidence).Round(4),
		Action:          string(o.Report.Action),
		Consistent:      o.Report.Consistent,
		Rationale:       o.Rationale,
		Report:          report,
		Diagnostics:     diags,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func (s *Reconciler) publish(ctx context.Context, out Outcome) {
	rec, err := out.Record()
	if err != nil {
		return
	}
	event := audit.Event{
		ReportID:        rec.ID,
		Market:          rec.Market,
		TradeDate:       market.FormatTradeDate(rec.TradeDate),
		PrimarySource:   rec.PrimarySource,
		SecondarySource: rec.SecondarySource,
		ChosenSource:    rec.ChosenSource,
		Confidence:      out.Report.Confidence,
		Action:          rec.Action,
		Consistent:      rec.Consistent,
		Rationale:       rec.Rationale,
		Report:          rec.Report,
		Diagnostics:     rec.Diagnostics,
		CreatedAt:       rec.CreatedAt,
	}
	if err := s.deps.Publisher.Publish(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("report_id", out.ReportID.String()).Msg("failed to publish report")
	}
}

func (s *Reconciler) maybeAlert(ctx context.Context, out Outcome) bool {
	if !s.opts.AlertsOn || s.deps.Notifier == nil {
		return false
	}
	now := s.now().UTC()
	key := alerting.PairKey(s.opts.Market, out.Report.PrimarySource, out.Report.SecondarySource)
	if !s.deps.Policy.ShouldAlert(key, out.Report.Action, now) {
		return false
	}

	confidence := decimal.NewFromFloat(out.Report.Confidence).Round(4)
	note := alerting.Notification{
		Market:          s.opts.Market,
		TradeDate:       out.TradeDate,
		PrimarySource:   out.Report.PrimarySource,
		SecondarySource: out.Report.SecondarySource,
		ChosenSource:    out.ChosenSource,
		Confidence:      confidence,
		Action:          string(out.Report.Action),
		Significant:     out.Report.Significant(),
		Rationale:       out.Rationale,
		Channels:        s.opts.AlertChannels,
	}
	if s.deps.Alerts != nil && s.deps.Reports != nil {
		record := storage.AlertRecord{
			ReportID:   out.ReportID,
			PairKey:    key,
			Action:     string(out.Report.Action),
			Confidence: confidence,
			Channels:   s.opts.AlertChannels,
		}
		if _, err := s.deps.Alerts.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("pair", key).Msg("failed to persist alert record")
		}
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("pair", key).Msg("failed to dispatch alert")
		return false
	}
	s.deps.Policy.Record(key, now)
	return true
}

func (s *Reconciler) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func adapterNames(adapters []fetcher.Adapter) []string {
	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = a.Name()
	}
	return names
}

func nameAt(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return ""
}
